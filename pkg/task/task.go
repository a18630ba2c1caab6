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

package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
)

// Task is the capability interface every task implements. Initialize may
// fail; the runner then parks the task in ERROR without starting its loop
// while the rest of the process keeps running.
type Task interface {
	Name() string
	Channels() *channel.Registry
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// ContinuousTask is a task driven by the runner's fixed-rate loop. Cycle is
// invoked strictly sequentially; there are no overlapping cycles.
type ContinuousTask interface {
	Task
	Cycle(ctx context.Context) error
}

// TriggeredTask is a task executed as a one-shot action when the RUN
// channel is written.
type TriggeredTask interface {
	Task
	Triggered(ctx context.Context) error
}

// Constructor builds a task instance from its configuration. The registry
// is pre-created with the task's channel prefix.
type Constructor func(cfg config.TaskConfig, facility config.FacilityConfig, reg *channel.Registry) (Task, error)

// Factory maps a task-module identifier to a constructor function. It is
// populated explicitly at process start; there is no runtime reflection or
// dynamic loading.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty task factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register adds a constructor under the given module identifier.
func (f *Factory) Register(module string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[module] = c
}

// New constructs a task for the given configuration.
func (f *Factory) New(cfg config.TaskConfig, facility config.FacilityConfig, reg *channel.Registry) (Task, error) {
	f.mu.RLock()
	c, ok := f.constructors[cfg.Module]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no task module registered under %q", cfg.Module)
	}

	return c(cfg, facility, reg)
}
