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
	"sync"
)

// Type is the semantic type of a channel value.
type Type int

const (
	TypeFloat Type = iota
	TypeInt
	TypeBool
	TypeString
)

// String returns the type name used on the wire and in logs.
func (t Type) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	default:
		return "unknown"
	}
}

// WriteCallback is invoked exactly once per external write to a writable
// channel. It runs on the writer's goroutine, so implementations must not
// block on remote calls; the usual pattern is to enqueue work for the
// owning task's next cycle.
type WriteCallback func(value any)

// Channel is a single named attribute owned by a task. Read-only channels
// are mutated only by the owning task through Set; writable channels accept
// external writes through the registry, which fire the callback.
type Channel struct {
	name     string // relative to the task prefix
	fullName string
	typ      Type
	writable bool
	onUpdate WriteCallback

	mu    sync.RWMutex
	value any
}

// Name returns the channel name relative to its task prefix.
func (c *Channel) Name() string { return c.name }

// FullName returns the fully-qualified record name.
func (c *Channel) FullName() string { return c.fullName }

// Type returns the semantic type of the channel.
func (c *Channel) Type() Type { return c.typ }

// Writable reports whether external writes are accepted.
func (c *Channel) Writable() bool { return c.writable }

// Get returns the current value.
func (c *Channel) Get() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Set updates the value from the owning task without firing the callback.
func (c *Channel) Set(value any) error {
	coerced, err := coerce(c.typ, value)
	if err != nil {
		return fmt.Errorf("channel %s: %w", c.fullName, err)
	}

	c.mu.Lock()
	c.value = coerced
	c.mu.Unlock()
	return nil
}

// Bool returns the value as a bool, or false if the type does not match.
func (c *Channel) Bool() bool {
	v, _ := c.Get().(bool)
	return v
}

// Int returns the value as an int64, or 0 if the type does not match.
func (c *Channel) Int() int64 {
	v, _ := c.Get().(int64)
	return v
}

// Float returns the value as a float64, or 0 if the type does not match.
func (c *Channel) Float() float64 {
	v, _ := c.Get().(float64)
	return v
}

// StringValue returns the value as a string, or "" if the type does not match.
func (c *Channel) StringValue() string {
	v, _ := c.Get().(string)
	return v
}

// coerce converts a raw value into the canonical in-memory representation
// for the channel type. External writers deliver JSON-decoded values, so
// numeric inputs may arrive as float64 regardless of the channel type.
func coerce(t Type, value any) (any, error) {
	switch t {
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case float64:
			return int64(v), nil
		}
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		case int:
			return v != 0, nil
		}
	case TypeString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}

	return nil, fmt.Errorf("cannot store %T as %s", value, t)
}
