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

// Lifecycle states a task can be in.
const (
	// StateInit indicates the task is constructed but not running its loop.
	StateInit = "INIT"
	// StateRun indicates the task is executing cycles (or a triggered run).
	StateRun = "RUN"
	// StatePaused indicates the enable channel is false; cycles are no-ops.
	StatePaused = "PAUSED"
	// StateEnd indicates the task has been stopped and cleaned up.
	StateEnd = "END"
	// StateError indicates a failure; cleared only by an explicit re-enable.
	StateError = "ERROR"
)

// Lifecycle events.
const (
	eventStart   = "start"
	eventPause   = "pause"
	eventResume  = "resume"
	eventStop    = "stop"
	eventFail    = "fail"
	eventRecover = "recover" // ERROR -> RUN on re-enable (continuous mode)
	eventTrigger = "trigger" // INIT -> RUN for a one-shot execution
	eventSettle  = "settle"  // RUN -> INIT after a triggered run completes
	eventRearm   = "rearm"   // ERROR -> INIT on re-enable (triggered mode)
)

// StatusValue maps a lifecycle state onto the integer encoding of the
// STATUS channel. The mapping is total; unknown states encode as -1.
func StatusValue(state string) int64 {
	switch state {
	case StateInit:
		return 0
	case StateRun:
		return 1
	case StatePaused:
		return 2
	case StateEnd:
		return 3
	case StateError:
		return 4
	default:
		return -1
	}
}
