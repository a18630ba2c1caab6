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

// The beamline controller process: loads the controller and facility
// configuration, constructs the configured tasks and runs them until a
// termination signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/devices"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/httpapi"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/metrics"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/task"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/tasks/appsync"
)

const (
	defaultMetricsPort    = 8081
	defaultChannelAPIPort = 8080

	// stopTimeout bounds how long a task may take to finish its current
	// cycle during shutdown.
	stopTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "config.yaml", "controller configuration file")
	valuesPath := flag.String("values", "values.yaml", "facility (beamline) description file")
	flag.Parse()

	logger.Initialize()
	defer logger.Sync()
	log := logger.For(logger.ComponentCore)

	cfg, err := config.LoadFullConfig(*configPath)
	if err != nil {
		log.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	config.ApplyEnvOverrides(&cfg, log)

	facility, err := config.LoadFacilityConfig(*valuesPath)
	if err != nil {
		log.Errorf("Failed to load facility description: %v", err)
		os.Exit(1)
	}
	log.Infof("Controller starting for beamline %s (namespace %s), %d tasks configured",
		facility.Beamline, facility.Namespace, len(cfg.Tasks))

	factory := task.NewFactory()
	factory.Register(appsync.ModuleName, appsync.New)

	metricsPort := cfg.Controller.MetricsPort
	if metricsPort == 0 {
		metricsPort = defaultMetricsPort
	}
	apiPort := cfg.Controller.ChannelAPIPort
	if apiPort == 0 {
		apiPort = defaultChannelAPIPort
	}

	metricsServer := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", metricsPort), log)
	api := httpapi.NewServer(fmt.Sprintf(":%d", apiPort))

	runners := make([]*task.Runner, 0, len(cfg.Tasks))
	for _, tc := range cfg.Tasks {
		reg := channel.NewRegistry(channel.Prefix(facility.Beamline, facility.Namespace, tc.Name))

		t, err := factory.New(tc, facility, reg)
		if err != nil {
			log.Errorf("Failed to construct task %s: %v", tc.Name, err)
			os.Exit(1)
		}

		runners = append(runners, task.NewRunner(t, tc.EffectiveMode(), tc.UpdateRate))
		api.Register(tc.Name, reg, statusView(t))
		log.Infof("Task %s (%s, %s) registered with prefix %s", tc.Name, tc.Module, tc.EffectiveMode(), reg.Prefix())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Beamline-specific builds register their device constructors here
	// before Build runs; unhandled devtypes are reported and skipped.
	devFactory := devices.NewFactory()
	var builtDevices []devices.Device
	for _, ioc := range facility.EPICS.IOCs {
		if ioc.Disable || len(ioc.Devices) == 0 {
			continue
		}
		devReg := channel.NewRegistry(channel.Prefix(facility.Beamline, facility.Namespace, ioc.Name))
		devs, err := devFactory.Build(ioc, devReg)
		if err != nil {
			log.Errorf("Failed to build devices for IOC %s: %v", ioc.Name, err)
			os.Exit(1)
		}
		if len(devs) == 0 {
			continue
		}
		for _, d := range devs {
			if err := d.Initialize(ctx); err != nil {
				log.Errorf("Failed to initialize device %s on IOC %s: %v", d.Name(), ioc.Name, err)
				os.Exit(1)
			}
		}
		api.Register(ioc.Name, devReg, nil)
		builtDevices = append(builtDevices, devs...)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return api.Start(groupCtx) })

	for _, r := range runners {
		if err := r.Start(groupCtx); err != nil {
			log.Errorf("Failed to start task %s: %v", r.Task().Name(), err)
			os.Exit(1)
		}
	}

	<-groupCtx.Done()
	log.Infof("Shutdown requested, stopping tasks")

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, r := range runners {
		if err := r.Stop(stopCtx); err != nil {
			log.Errorf("Task %s did not stop cleanly: %v", r.Task().Name(), err)
		}
	}
	for _, d := range builtDevices {
		if err := d.Cleanup(stopCtx); err != nil {
			log.Errorf("Device %s cleanup failed: %v", d.Name(), err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Metrics endpoint shutdown failed: %v", err)
	}

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Errorf("Server error during run: %v", err)
		os.Exit(1)
	}

	log.Infof("Controller stopped")
}

// statusView exposes a task's structured status endpoint when the task
// implements one.
func statusView(t task.Task) func() any {
	type snapshotter interface{ StatusSnapshot() []appsync.Snapshot }

	if s, ok := t.(snapshotter); ok {
		return func() any { return s.StatusSnapshot() }
	}
	return nil
}
