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

package channel

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

// Registry creates and owns the named channels of one task. Channel names
// are unique within the registry; the namespace is partitioned between
// tasks by construction since each task owns a disjoint prefix.
type Registry struct {
	prefix string
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	channels map[string]*Channel
}

// Info is a read-only view of a channel used by the HTTP API.
type Info struct {
	Name     string `json:"name"`
	FullName string `json:"fullName"`
	Type     string `json:"type"`
	Writable bool   `json:"writable"`
	Value    any    `json:"value"`
}

// NewRegistry creates an empty registry for the given task prefix.
func NewRegistry(prefix string) *Registry {
	return &Registry{
		prefix:   prefix,
		log:      logger.For(logger.ComponentChannels),
		channels: make(map[string]*Channel),
	}
}

// Prefix returns the record-name prefix of this registry.
func (r *Registry) Prefix() string { return r.prefix }

// Add creates a new channel. A non-nil onUpdate makes the channel writable;
// read-only channels reject external writes.
func (r *Registry) Add(name string, typ Type, initial any, onUpdate WriteCallback) (*Channel, error) {
	coerced, err := coerce(typ, initial)
	if err != nil {
		return nil, fmt.Errorf("channel %s: invalid initial value: %w", name, err)
	}

	ch := &Channel{
		name:     name,
		fullName: r.prefix + ":" + name,
		typ:      typ,
		writable: onUpdate != nil,
		onUpdate: onUpdate,
		value:    coerced,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[name]; exists {
		return nil, fmt.Errorf("channel %s already exists under prefix %s", name, r.prefix)
	}
	r.channels[name] = ch

	return ch, nil
}

// MustAdd is Add for initialization code paths where a duplicate name is a
// programming error.
func (r *Registry) MustAdd(name string, typ Type, initial any, onUpdate WriteCallback) *Channel {
	ch, err := r.Add(name, typ, initial, onUpdate)
	if err != nil {
		panic(err)
	}
	return ch
}

// Get returns the channel with the given relative name.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Set updates a channel value from the owning task. Failures are logged at
// debug level and swallowed: a transient write failure must not abort a
// monitoring cycle.
func (r *Registry) Set(name string, value any) {
	ch, ok := r.Get(name)
	if !ok {
		r.log.Debugf("Channel %s not found under prefix %s", name, r.prefix)
		return
	}
	if err := ch.Set(value); err != nil {
		r.log.Debugf("Error setting channel %s: %v", name, err)
	}
}

// Write performs an external write. The value is stored first, then the
// channel's callback fires exactly once, on the caller's goroutine.
func (r *Registry) Write(name string, value any) error {
	ch, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("channel %s not found under prefix %s", name, r.prefix)
	}
	if !ch.Writable() {
		return fmt.Errorf("channel %s is read-only", ch.FullName())
	}

	if err := ch.Set(value); err != nil {
		return err
	}

	// The callback runs without any registry lock held so it may write back
	// to the registry (momentary command channels reset themselves).
	ch.onUpdate(ch.Get())
	return nil
}

// Snapshot returns a sorted read-only view of all channels.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.channels))
	for _, ch := range r.channels {
		infos = append(infos, Info{
			Name:     ch.Name(),
			FullName: ch.FullName(),
			Type:     ch.Type().String(),
			Writable: ch.Writable(),
			Value:    ch.Get(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
