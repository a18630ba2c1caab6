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

// Package devices defines the plug-in contract for IOC-hosted device
// handlers. The controller itself ships no concrete drivers; beamline
// integrations register constructors by devgroup and devtype at process
// start and the factory instantiates them from the facility configuration.
package devices

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

// Device is one instantiated device handler. Its channels live in the
// registry it was constructed with.
type Device interface {
	Name() string
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// Constructor builds a device from its configuration entry. The registry
// is the owning task's registry; constructors add their channels there.
type Constructor func(cfg config.DeviceConfig, reg *channel.Registry) (Device, error)

// GenericDevtype is the lookup fallback within a device group: a group
// may register one constructor handling every devtype it does not name
// explicitly.
const GenericDevtype = "generic"

type deviceKey struct {
	devgroup string
	devtype  string
}

// Factory maps (devgroup, devtype) pairs to constructors.
type Factory struct {
	log *zap.SugaredLogger

	mu           sync.RWMutex
	constructors map[deviceKey]Constructor
}

// NewFactory creates an empty device factory.
func NewFactory() *Factory {
	return &Factory{
		log:          logger.For(logger.ComponentDevices),
		constructors: make(map[deviceKey]Constructor),
	}
}

// Register adds a constructor for the given devgroup and devtype pair.
// Re-registration replaces the previous constructor.
func (f *Factory) Register(devgroup, devtype string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[deviceKey{devgroup, devtype}] = c
}

// Known reports whether a constructor would serve the devgroup and
// devtype pair, through an exact match or the group's generic fallback.
func (f *Factory) Known(devgroup, devtype string) bool {
	_, ok := f.lookup(devgroup, devtype)
	return ok
}

func (f *Factory) lookup(devgroup, devtype string) (Constructor, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.constructors[deviceKey{devgroup, devtype}]; ok {
		return c, true
	}
	c, ok := f.constructors[deviceKey{devgroup, GenericDevtype}]
	return c, ok
}

// Build instantiates every device of one IOC entry. Unknown pairs are
// skipped with a warning: a facility file may describe devices handled by
// other controllers.
func (f *Factory) Build(ioc config.IOCConfig, reg *channel.Registry) ([]Device, error) {
	c, ok := f.lookup(ioc.Devgroup, ioc.Devtype)
	if !ok {
		if ioc.Devtype != "" {
			f.log.Warnf("No device handler registered for %s/%s (IOC %s)", ioc.Devgroup, ioc.Devtype, ioc.Name)
		}
		return nil, nil
	}

	built := make([]Device, 0, len(ioc.Devices))
	for _, dev := range ioc.Devices {
		d, err := c(dev, reg)
		if err != nil {
			return nil, fmt.Errorf("device %s on IOC %s: %w", dev.Name, ioc.Name, err)
		}
		built = append(built, d)
		f.log.Debugf("Built device %s (devtype %s) on IOC %s", dev.Name, ioc.Devtype, ioc.Name)
	}

	return built, nil
}
