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
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/backoff"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/metrics"
)

const (
	// DefaultUpdateRate is the polling frequency in Hz when none is configured.
	DefaultUpdateRate = 0.5

	// MessageWidth is the fixed width of the MESSAGE channel.
	MessageWidth = 40

	// settleDelay is how long a triggered task lingers in RUN after its
	// one-shot action completes before returning to INIT.
	settleDelay = 500 * time.Millisecond
)

// Runner owns the lifecycle of a single task: its state machine, its
// ENABLE/STATUS/MESSAGE channels and either the fixed-rate cycle loop
// (continuous mode) or the one-shot trigger handling (triggered mode).
//
// Each continuous task runs on its own goroutine; suspension happens only
// at the sleep point between cycles. Cancellation is cooperative: clearing
// the running flag lets the loop exit after its current cycle.
type Runner struct {
	task    Task
	mode    config.TaskMode
	period  time.Duration
	reg     *channel.Registry
	machine *fsm.FSM
	log     *zap.SugaredLogger

	enable  *channel.Channel
	status  *channel.Channel
	message *channel.Channel
	cycles  *channel.Channel // continuous mode only
	run     *channel.Channel // triggered mode only

	running     atomic.Bool
	cycleCount  atomic.Uint64
	loopStarted atomic.Bool
	done        chan struct{}
	stopOnce    sync.Once

	// loopCtx is the context Start was given; a deferred initialization
	// retry launches the loop under the same context.
	loopCtx context.Context

	// faultMu guards the failure bookkeeping that decides what a re-enable
	// from ERROR may do: retry initialization (initPending), resume the
	// loop, or nothing at all (permanent).
	faultMu     sync.Mutex
	initPending bool
	permanent   bool

	// triggerMu guards the busy flag so at most one triggered execution is
	// in flight; concurrent trigger attempts are rejected, not queued.
	triggerMu   sync.Mutex
	triggerBusy bool
}

// NewRunner wires a task into its lifecycle machinery. The task's registry
// gains the ENABLE, STATUS and MESSAGE channels plus CYCLE_COUNT
// (continuous) or RUN (triggered).
func NewRunner(t Task, mode config.TaskMode, updateRate float64) *Runner {
	if updateRate <= 0 {
		updateRate = DefaultUpdateRate
	}

	r := &Runner{
		task:   t,
		mode:   mode,
		period: time.Duration(float64(time.Second) / updateRate),
		reg:    t.Channels(),
		log:    logger.For(logger.ComponentTaskRunner).Named(t.Name()),
		done:   make(chan struct{}),
	}

	r.machine = fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: eventStart, Src: []string{StateInit}, Dst: StateRun},
			{Name: eventPause, Src: []string{StateRun}, Dst: StatePaused},
			{Name: eventResume, Src: []string{StatePaused}, Dst: StateRun},
			{Name: eventFail, Src: []string{StateInit, StateRun, StatePaused}, Dst: StateError},
			{Name: eventRecover, Src: []string{StateError}, Dst: StateRun},
			{Name: eventTrigger, Src: []string{StateInit}, Dst: StateRun},
			{Name: eventSettle, Src: []string{StateRun}, Dst: StateInit},
			{Name: eventRearm, Src: []string{StateError}, Dst: StateInit},
			{Name: eventStop, Src: []string{StateInit, StateRun, StatePaused, StateError}, Dst: StateEnd},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				r.reg.Set(ChannelStatus, StatusValue(e.Dst))
				r.log.Debugf("Lifecycle transition %s -> %s", e.Src, e.Dst)
			},
		},
	)

	r.enable = r.reg.MustAdd(ChannelEnable, channel.TypeBool, true, r.onEnableChanged)
	r.status = r.reg.MustAdd(ChannelStatus, channel.TypeInt, StatusValue(StateInit), nil)
	r.message = r.reg.MustAdd(ChannelMessage, channel.TypeString, "", nil)

	if mode == config.ModeTriggered {
		r.run = r.reg.MustAdd(ChannelRun, channel.TypeBool, false, r.onRunTrigger)
	} else {
		r.cycles = r.reg.MustAdd(ChannelCycleCount, channel.TypeInt, int64(0), nil)
	}

	metrics.InitErrorCounter(metrics.ComponentTaskRunner, t.Name())

	return r
}

// Lifecycle channel names owned by the runner.
const (
	ChannelEnable     = "ENABLE"
	ChannelStatus     = "STATUS"
	ChannelMessage    = "MESSAGE"
	ChannelCycleCount = "CYCLE_COUNT"
	ChannelRun        = "RUN"
)

// Task returns the wrapped task.
func (r *Runner) Task() Task { return r.task }

// State returns the current lifecycle state.
func (r *Runner) State() string { return r.machine.Current() }

// CycleCount returns the number of completed (non-skipped) cycles.
func (r *Runner) CycleCount() uint64 { return r.cycleCount.Load() }

// Start initializes the task and, in continuous mode, launches its loop.
// An initialization failure parks the task in ERROR and returns nil: the
// process keeps running its other tasks. The error category decides what
// a later re-enable may do: a transient failure lets re-enable retry the
// initialization, a permanent one refuses.
func (r *Runner) Start(ctx context.Context) error {
	r.log.Infof("Starting task: %s", r.task.Name())
	r.loopCtx = ctx

	if err := r.task.Initialize(ctx); err != nil {
		r.faultMu.Lock()
		r.initPending = true
		r.permanent = backoff.IsPermanentError(err)
		r.faultMu.Unlock()

		r.sendEvent(ctx, eventFail)
		r.setMessage("Error: " + err.Error())
		metrics.IncErrorCountAndLog(metrics.ComponentTaskRunner, r.task.Name(), err, r.log)
		if backoff.IsPermanentError(err) {
			r.log.Errorf("Initialization failed permanently, re-enable will not retry: %v",
				backoff.ExtractOriginalError(err))
		}
		return nil
	}

	if r.mode == config.ModeTriggered {
		r.log.Infof("Triggered mode: no continuous run loop started. Use RUN to trigger execution.")
		return nil
	}

	r.sendEvent(ctx, eventStart)
	r.launchLoop(ctx)

	return nil
}

// launchLoop starts the continuous cycle loop at most once.
func (r *Runner) launchLoop(ctx context.Context) {
	if r.loopStarted.Swap(true) {
		return
	}
	r.running.Store(true)
	go r.loop(ctx)
}

// Stop clears the running flag, waits for the loop to finish its current
// cycle and runs the task's cleanup.
func (r *Runner) Stop(ctx context.Context) error {
	var err error
	r.stopOnce.Do(func() {
		r.log.Infof("Stopping task: %s", r.task.Name())
		r.running.Store(false)

		if r.loopStarted.Load() {
			select {
			case <-r.done:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
		}

		if cleanupErr := r.task.Cleanup(ctx); cleanupErr != nil {
			r.log.Errorf("Cleanup of task %s failed: %v", r.task.Name(), cleanupErr)
		}

		r.sendEvent(ctx, eventStop)
		r.setMessage("Stopped")
		r.log.Infof("Task stopped: %s", r.task.Name())
	})

	return err
}

// loop is the cooperative cycle loop for continuous tasks.
func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	cont, ok := r.task.(ContinuousTask)
	if !ok {
		r.log.Errorf("Task %s is continuous but does not implement Cycle", r.task.Name())
		return
	}

	for r.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.enable.Bool() {
				r.log.Debugf("Task disabled, skipping cycle")
				continue
			}
			r.runCycle(ctx, cont)
		}
	}
}

// runCycle executes one cycle, catching its error at the cycle boundary:
// a failed cycle sets ERROR and updates MESSAGE, the next cycle is still
// attempted. Errors in the ignored category are logged without touching
// the lifecycle; a permanent error additionally pins the ERROR state so
// re-enable cannot clear it.
func (r *Runner) runCycle(ctx context.Context, cont ContinuousTask) {
	start := time.Now()
	err := backoff.CategorizeError(cont.Cycle(ctx))
	metrics.ObserveCycleTime(metrics.ComponentTaskRunner, r.task.Name(), time.Since(start))

	count := r.cycleCount.Add(1)
	r.reg.Set(ChannelCycleCount, int64(count))

	if err == nil {
		return
	}
	if backoff.IsIgnoredError(err) {
		r.log.Debugf("Ignoring cycle error: %v", backoff.ExtractOriginalError(err))
		return
	}
	if backoff.IsPermanentError(err) {
		r.faultMu.Lock()
		r.permanent = true
		r.faultMu.Unlock()
	}

	metrics.IncErrorCountAndLog(metrics.ComponentTaskRunner, r.task.Name(), err, r.log)
	r.sendEvent(ctx, eventFail)
	r.setMessage("Error: " + err.Error())
}

// onEnableChanged reacts to external writes of the ENABLE channel.
// Re-enabling is the only way out of ERROR.
func (r *Runner) onEnableChanged(value any) {
	enabled, _ := value.(bool)
	ctx := context.Background()

	if !enabled {
		r.log.Infof("Task disabled")
		r.sendEvent(ctx, eventPause)
		return
	}

	r.log.Infof("Task enabled")
	switch r.machine.Current() {
	case StatePaused:
		r.sendEvent(ctx, eventResume)
	case StateError:
		r.faultMu.Lock()
		permanent, initPending := r.permanent, r.initPending
		r.faultMu.Unlock()

		if permanent {
			r.log.Warnf("Re-enable refused: task failed permanently")
			return
		}
		if initPending {
			r.retryInitialize(ctx)
			return
		}

		if r.mode == config.ModeTriggered {
			r.sendEvent(ctx, eventRearm)
		} else {
			r.sendEvent(ctx, eventRecover)
		}
		r.setMessage("Re-enabled")
	}
}

// retryInitialize reruns a failed initialization after a re-enable. Success
// clears the fault and, in continuous mode, launches the loop that never
// started; another failure keeps the task in ERROR with a fresh message.
func (r *Runner) retryInitialize(ctx context.Context) {
	r.log.Infof("Retrying initialization of task: %s", r.task.Name())

	if err := r.task.Initialize(ctx); err != nil {
		r.faultMu.Lock()
		r.permanent = backoff.IsPermanentError(err)
		r.faultMu.Unlock()

		r.setMessage("Error: " + err.Error())
		metrics.IncErrorCountAndLog(metrics.ComponentTaskRunner, r.task.Name(), err, r.log)
		return
	}

	r.faultMu.Lock()
	r.initPending = false
	r.faultMu.Unlock()
	r.setMessage("Re-enabled")

	if r.mode == config.ModeTriggered {
		r.sendEvent(ctx, eventRearm)
		return
	}
	r.sendEvent(ctx, eventRecover)
	r.launchLoop(r.loopCtx)
}

// onRunTrigger handles writes to the momentary RUN channel of a triggered
// task. The channel resets to false immediately; a trigger while a run is
// in flight is rejected, not queued.
func (r *Runner) onRunTrigger(value any) {
	pressed, _ := value.(bool)
	if !pressed {
		return
	}

	// Reset the button
	r.reg.Set(ChannelRun, false)

	if !r.enable.Bool() {
		r.log.Warnf("Trigger ignored: task is disabled")
		return
	}

	r.triggerMu.Lock()
	if r.triggerBusy {
		r.triggerMu.Unlock()
		r.log.Warnf("Trigger ignored: previous run still in progress")
		return
	}
	r.triggerBusy = true
	r.triggerMu.Unlock()

	go r.runTriggered(context.Background())
}

// runTriggered executes the one-shot action of a triggered task.
func (r *Runner) runTriggered(ctx context.Context) {
	defer func() {
		r.triggerMu.Lock()
		r.triggerBusy = false
		r.triggerMu.Unlock()
	}()

	trig, ok := r.task.(TriggeredTask)
	if !ok {
		r.log.Errorf("Task %s is triggered but does not implement Triggered", r.task.Name())
		return
	}

	if err := r.machine.Event(ctx, eventTrigger); err != nil {
		r.log.Warnf("Trigger refused in state %s: %v", r.machine.Current(), err)
		return
	}

	r.log.Infof("Triggered run started")
	start := time.Now()
	err := trig.Triggered(ctx)
	metrics.ObserveCycleTime(metrics.ComponentTaskRunner, r.task.Name(), time.Since(start))

	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentTaskRunner, r.task.Name(), err, r.log)
		r.sendEvent(ctx, eventFail)
		r.setMessage("Error: " + err.Error())
		r.log.Infof("Triggered run failed")
		return
	}

	r.setMessage("Triggered run completed")
	r.log.Infof("Triggered run finished")

	time.Sleep(settleDelay)
	r.sendEvent(ctx, eventSettle)
}

// sendEvent drives the lifecycle machine, tolerating transitions that are
// not legal from the current state.
func (r *Runner) sendEvent(ctx context.Context, event string) {
	if err := r.machine.Event(ctx, event); err != nil {
		r.log.Debugf("Lifecycle event %s not applicable in state %s: %v", event, r.machine.Current(), err)
	}
}

// setMessage updates the MESSAGE channel, truncated to its fixed width.
func (r *Runner) setMessage(msg string) {
	r.reg.Set(ChannelMessage, TruncateMessage(msg))
}

// TruncateMessage caps a MESSAGE channel value at MessageWidth runes,
// never splitting a multi-byte character.
func TruncateMessage(msg string) string {
	if utf8.RuneCountInString(msg) <= MessageWidth {
		return msg
	}
	return string([]rune(msg)[:MessageWidth])
}
