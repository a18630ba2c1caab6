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

package appsync

import (
	"sync"

	"github.com/google/uuid"
)

// Verb is a control action requested against a tracked entity.
type Verb string

const (
	VerbStart   Verb = "START"
	VerbStop    Verb = "STOP"
	VerbRestart Verb = "RESTART"
)

// Action is one queued control request. The ID correlates the enqueue log
// line (channel-write path) with the execution log line (cycle path).
type Action struct {
	ID     string
	Entity string
	Verb   Verb
}

// ActionQueue is the FIFO between the channel-write callbacks and the
// reconciliation cycle. The mutex is held only long enough to append or
// swap the backlog, never across a remote call.
type ActionQueue struct {
	mu      sync.Mutex
	actions []Action
}

// NewActionQueue creates an empty queue.
func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

// Enqueue appends an action and returns it with its correlation ID.
func (q *ActionQueue) Enqueue(entity string, verb Verb) Action {
	action := Action{ID: uuid.NewString(), Entity: entity, Verb: verb}

	q.mu.Lock()
	q.actions = append(q.actions, action)
	q.mu.Unlock()

	return action
}

// Drain atomically swaps out the backlog and returns it. Actions enqueued
// while the returned slice is being processed land in the next drain;
// nothing is lost and nothing is processed twice.
func (q *ActionQueue) Drain() []Action {
	q.mu.Lock()
	actions := q.actions
	q.actions = nil
	q.mu.Unlock()

	return actions
}

// Len returns the number of pending actions.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
