// Copyright 2025 INFN - Istituto Nazionale di Fisica Nucleare
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FullConfig is the controller-process configuration (config.yaml).
type FullConfig struct {
	Controller ControllerConfig `yaml:"controller"`
	Tasks      []TaskConfig     `yaml:"tasks"`
}

// ControllerConfig holds process-level settings, requires restart to take effect.
type ControllerConfig struct {
	MetricsPort    int `yaml:"metricsPort"`    // Port to expose prometheus metrics on
	ChannelAPIPort int `yaml:"channelApiPort"` // Port for the channel read/write API
}

// TaskMode selects the concurrency discipline of a task.
type TaskMode string

const (
	// ModeContinuous runs the task in a cooperative fixed-rate loop.
	ModeContinuous TaskMode = "continuous"
	// ModeTriggered runs the task as a one-shot action on the RUN channel.
	ModeTriggered TaskMode = "triggered"
)

// TaskConfig describes one task instance to construct at startup.
// The module identifier selects a registered constructor; per-module
// parameter sections are typed rather than free-form maps.
type TaskConfig struct {
	Name   string   `yaml:"name"`
	Module string   `yaml:"module"`
	Mode   TaskMode `yaml:"mode,omitempty"`

	// UpdateRate is the polling frequency in Hz for continuous tasks.
	UpdateRate float64 `yaml:"updateRate,omitempty"`

	AppSync *AppSyncConfig `yaml:"appsync,omitempty"`
}

// AppSyncConfig parameterizes the application reconciliation task.
type AppSyncConfig struct {
	ArgoCD  ArgoCDConfig   `yaml:"argocd"`
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`

	// StatusCacheTTL bounds how long a last-seen application status may be
	// served when the remote listing fails. Zero selects the default.
	StatusCacheTTL Duration `yaml:"statusCacheTTL,omitempty"`
}

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("10m", "1h30m") or bare integers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value %q", value.Value)
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// ArgoCDConfig holds the connection settings for the application CRD API.
type ArgoCDConfig struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token,omitempty"`
	Namespace string `yaml:"namespace"` // namespace holding the application objects
}

// GatewayConfig identifies the dependent gateway service and configures
// automatic remediation. RestartThreshold and Cooldown are pointers because
// remediation must stay disabled unless both are explicitly set.
type GatewayConfig struct {
	Service          string    `yaml:"service"`
	TelemetryURL     string    `yaml:"telemetryUrl"`
	RestartThreshold *int      `yaml:"restartThreshold,omitempty"`
	Cooldown         *Duration `yaml:"cooldown,omitempty"`
}

// FacilityConfig is the beamline description (values.yaml). It names the
// channel prefix components and the tracked IOC and service entities.
type FacilityConfig struct {
	Beamline  string             `yaml:"beamline"`
	Namespace string             `yaml:"namespace"`
	EPICS     EPICSConfiguration `yaml:"epicsConfiguration"`
}

// EPICSConfiguration lists the managed subsystems of the beamline.
type EPICSConfiguration struct {
	IOCs     []IOCConfig     `yaml:"iocs"`
	Services []ServiceConfig `yaml:"services,omitempty"`
}

// IOCConfig describes one IOC entry.
type IOCConfig struct {
	Name      string         `yaml:"name"`
	Devgroup  string         `yaml:"devgroup,omitempty"`
	Devtype   string         `yaml:"devtype,omitempty"`
	IOCPrefix string         `yaml:"iocprefix,omitempty"`
	Disable   bool           `yaml:"disable,omitempty"`
	Devices   []DeviceConfig `yaml:"devices,omitempty"`
}

// ServiceConfig describes one dependent service entry (e.g. the CA gateway).
type ServiceConfig struct {
	Name     string `yaml:"name"`
	Devgroup string `yaml:"devgroup,omitempty"`
	Disable  bool   `yaml:"disable,omitempty"`
}

// DeviceConfig describes one device hosted by an IOC. The controller only
// hands it to the device factory, it does not interpret the settings.
type DeviceConfig struct {
	Name     string         `yaml:"name"`
	Settings map[string]any `yaml:",inline"`
}

// LoadFullConfig reads and validates the controller configuration file.
func LoadFullConfig(path string) (FullConfig, error) {
	var cfg FullConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return FullConfig{}, err
	}

	return cfg, nil
}

// LoadFacilityConfig reads and validates the beamline description file.
func LoadFacilityConfig(path string) (FacilityConfig, error) {
	var cfg FacilityConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return FacilityConfig{}, fmt.Errorf("failed to read facility file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FacilityConfig{}, fmt.Errorf("failed to parse facility file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return FacilityConfig{}, err
	}

	return cfg, nil
}

// Validate checks the controller configuration for basic consistency.
func (c FullConfig) Validate() error {
	seen := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return fmt.Errorf("task with empty name in config")
		}
		if t.Module == "" {
			return fmt.Errorf("task %s has no module", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate task name %s", t.Name)
		}
		seen[t.Name] = true

		switch t.Mode {
		case "", ModeContinuous, ModeTriggered:
		default:
			return fmt.Errorf("task %s has invalid mode %q", t.Name, t.Mode)
		}
		if t.UpdateRate < 0 {
			return fmt.Errorf("task %s has negative update rate", t.Name)
		}
	}

	return nil
}

// Validate checks the facility configuration for basic consistency.
func (c FacilityConfig) Validate() error {
	if c.Beamline == "" {
		return fmt.Errorf("facility config has no beamline name")
	}
	if c.Namespace == "" {
		return fmt.Errorf("facility config has no namespace")
	}

	seen := make(map[string]bool, len(c.EPICS.IOCs)+len(c.EPICS.Services))
	for _, ioc := range c.EPICS.IOCs {
		if ioc.Name == "" {
			return fmt.Errorf("IOC with empty name in facility config")
		}
		if seen[ioc.Name] {
			return fmt.Errorf("duplicate entity name %s in facility config", ioc.Name)
		}
		seen[ioc.Name] = true
	}
	for _, svc := range c.EPICS.Services {
		if svc.Name == "" {
			return fmt.Errorf("service with empty name in facility config")
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate entity name %s in facility config", svc.Name)
		}
		seen[svc.Name] = true
	}

	return nil
}

// Mode returns the effective mode of the task, defaulting to continuous.
func (t TaskConfig) EffectiveMode() TaskMode {
	if t.Mode == ModeTriggered {
		return ModeTriggered
	}
	return ModeContinuous
}
