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

package task_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/backoff"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/task"
)

// fakeTask is a scriptable continuous and triggered task.
type fakeTask struct {
	name string
	reg  *channel.Registry

	mu         sync.Mutex
	initErr    error
	cycleErr   error
	initCalls  atomic.Uint64
	cycles     atomic.Uint64
	triggered  atomic.Uint64
	triggerDur time.Duration
	cleanedUp  atomic.Bool
}

func newFakeTask(name string) *fakeTask {
	return &fakeTask{
		name: name,
		reg:  channel.NewRegistry("TEST:NS:" + name),
	}
}

func (f *fakeTask) Name() string                { return f.name }
func (f *fakeTask) Channels() *channel.Registry { return f.reg }

func (f *fakeTask) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeTask) setInitErr(err error) {
	f.mu.Lock()
	f.initErr = err
	f.mu.Unlock()
}

func (f *fakeTask) Cleanup(ctx context.Context) error {
	f.cleanedUp.Store(true)
	return nil
}

func (f *fakeTask) setCycleErr(err error) {
	f.mu.Lock()
	f.cycleErr = err
	f.mu.Unlock()
}

func (f *fakeTask) Cycle(ctx context.Context) error {
	f.cycles.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycleErr
}

func (f *fakeTask) Triggered(ctx context.Context) error {
	f.triggered.Add(1)
	if f.triggerDur > 0 {
		time.Sleep(f.triggerDur)
	}
	return nil
}

var _ = Describe("Runner", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		ft     *fakeTask
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		ft = newFakeTask("test")
	})

	AfterEach(func() {
		cancel()
	})

	Describe("continuous mode", func() {
		It("starts in INIT and transitions to RUN after a successful start", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 50)
			Expect(r.State()).To(Equal(task.StateInit))

			Expect(r.Start(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateRun))

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer stopCancel()
			Expect(r.Stop(stopCtx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateEnd))
			Expect(ft.cleanedUp.Load()).To(BeTrue())
		})

		It("runs cycles and counts them on the CYCLE_COUNT channel", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Eventually(func() uint64 { return ft.cycles.Load() }, "2s", "10ms").
				Should(BeNumerically(">=", 3))

			Eventually(func() int64 {
				ch, _ := ft.reg.Get(task.ChannelCycleCount)
				return ch.Int()
			}, "1s", "10ms").Should(BeNumerically(">=", 3))
		})

		It("pauses on ENABLE=false and resumes on ENABLE=true", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Expect(ft.reg.Write(task.ChannelEnable, false)).To(Succeed())
			Expect(r.State()).To(Equal(task.StatePaused))

			// Cycles stop advancing while paused.
			paused := ft.cycles.Load()
			Consistently(func() uint64 { return ft.cycles.Load() }, "200ms", "20ms").
				Should(BeNumerically("<=", paused+1))

			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateRun))
			Eventually(func() uint64 { return ft.cycles.Load() }, "1s", "10ms").
				Should(BeNumerically(">", paused+1))
		})

		It("enters ERROR on a failed cycle but keeps cycling", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			ft.setCycleErr(errors.New("remote API unreachable"))

			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Eventually(r.State, "1s", "10ms").Should(Equal(task.StateError))

			// Cycles continue while in ERROR.
			seen := ft.cycles.Load()
			Eventually(func() uint64 { return ft.cycles.Load() }, "1s", "10ms").
				Should(BeNumerically(">", seen))

			ch, _ := ft.reg.Get(task.ChannelMessage)
			Expect(ch.StringValue()).To(HavePrefix("Error: "))
		})

		It("recovers from ERROR only through an explicit re-enable", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			ft.setCycleErr(errors.New("boom"))

			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Eventually(r.State, "1s", "10ms").Should(Equal(task.StateError))

			// Clearing the fault alone does not leave ERROR.
			ft.setCycleErr(nil)
			Consistently(r.State, "200ms", "20ms").Should(Equal(task.StateError))

			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateRun))
		})

		It("parks the task in ERROR when initialization fails without killing the process", func() {
			ft.setInitErr(errors.New("bad credentials"))
			r := task.NewRunner(ft, config.ModeContinuous, 100)

			Expect(r.Start(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateError))
			Expect(ft.cycles.Load()).To(BeZero())
		})

		It("retries a transient initialization failure on re-enable", func() {
			ft.setInitErr(backoff.NewTransientError(errors.New("remote API unreachable")))
			r := task.NewRunner(ft, config.ModeContinuous, 100)

			Expect(r.Start(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateError))
			Expect(ft.cycles.Load()).To(BeZero())

			ft.setInitErr(nil)
			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())
			defer r.Stop(context.Background())

			Expect(ft.initCalls.Load()).To(Equal(uint64(2)))
			Expect(r.State()).To(Equal(task.StateRun))
			Eventually(func() uint64 { return ft.cycles.Load() }, "1s", "10ms").
				Should(BeNumerically(">=", 1))
		})

		It("refuses re-enable after a permanent initialization failure", func() {
			ft.setInitErr(backoff.NewPermanentError(errors.New("remote credentials rejected")))
			r := task.NewRunner(ft, config.ModeContinuous, 100)

			Expect(r.Start(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateError))

			ft.setInitErr(nil)
			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())

			Consistently(r.State, "300ms", "20ms").Should(Equal(task.StateError))
			Expect(ft.initCalls.Load()).To(Equal(uint64(1)))
			Expect(ft.cycles.Load()).To(BeZero())
		})

		It("keeps running through ignored cycle errors", func() {
			ft.setCycleErr(backoff.NewIgnoredError(errors.New("object not present yet")))
			r := task.NewRunner(ft, config.ModeContinuous, 100)

			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Eventually(func() uint64 { return ft.cycles.Load() }, "1s", "10ms").
				Should(BeNumerically(">=", 3))
			Consistently(r.State, "200ms", "20ms").Should(Equal(task.StateRun))
		})

		It("pins ERROR after a permanent cycle failure", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			ft.setCycleErr(backoff.NewPermanentError(errors.New("entity mapping corrupted")))

			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			Eventually(r.State, "1s", "10ms").Should(Equal(task.StateError))

			ft.setCycleErr(nil)
			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())
			Consistently(r.State, "300ms", "20ms").Should(Equal(task.StateError))
		})

		It("truncates the MESSAGE channel to its fixed width", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)
			ft.setCycleErr(errors.New(strings.Repeat("x", 3*task.MessageWidth)))

			Expect(r.Start(ctx)).To(Succeed())
			defer r.Stop(context.Background())

			messageOf := func() string {
				ch, _ := ft.reg.Get(task.ChannelMessage)
				return ch.StringValue()
			}
			Eventually(messageOf, "1s", "10ms").Should(HavePrefix("Error: "))
			Expect(messageOf()).To(HaveLen(task.MessageWidth))
		})
	})

	Describe("triggered mode", func() {
		It("executes one run per RUN write and settles back to INIT", func() {
			r := task.NewRunner(ft, config.ModeTriggered, 0)
			Expect(r.Start(ctx)).To(Succeed())
			Expect(r.State()).To(Equal(task.StateInit))

			Expect(ft.reg.Write(task.ChannelRun, true)).To(Succeed())

			Eventually(func() uint64 { return ft.triggered.Load() }, "1s", "10ms").
				Should(Equal(uint64(1)))
			Eventually(r.State, "2s", "20ms").Should(Equal(task.StateInit))

			// The RUN button resets itself.
			ch, _ := ft.reg.Get(task.ChannelRun)
			Expect(ch.Bool()).To(BeFalse())
		})

		It("rejects a trigger while a run is in flight", func() {
			ft.triggerDur = 300 * time.Millisecond
			r := task.NewRunner(ft, config.ModeTriggered, 0)
			Expect(r.Start(ctx)).To(Succeed())

			Expect(ft.reg.Write(task.ChannelRun, true)).To(Succeed())
			Eventually(func() uint64 { return ft.triggered.Load() }, "1s", "10ms").
				Should(Equal(uint64(1)))

			// Second trigger while the first still sleeps.
			Expect(ft.reg.Write(task.ChannelRun, true)).To(Succeed())

			Consistently(func() uint64 { return ft.triggered.Load() }, "500ms", "20ms").
				Should(Equal(uint64(1)))
		})

		It("ignores triggers while disabled", func() {
			r := task.NewRunner(ft, config.ModeTriggered, 0)
			Expect(r.Start(ctx)).To(Succeed())

			Expect(ft.reg.Write(task.ChannelEnable, false)).To(Succeed())
			Expect(ft.reg.Write(task.ChannelRun, true)).To(Succeed())

			Consistently(func() uint64 { return ft.triggered.Load() }, "300ms", "20ms").
				Should(BeZero())
		})
	})

	Describe("STATUS channel", func() {
		It("mirrors every lifecycle transition", func() {
			r := task.NewRunner(ft, config.ModeContinuous, 100)

			statusOf := func() int64 {
				ch, _ := ft.reg.Get(task.ChannelStatus)
				return ch.Int()
			}

			Expect(statusOf()).To(Equal(task.StatusValue(task.StateInit)))

			Expect(r.Start(ctx)).To(Succeed())
			Expect(statusOf()).To(Equal(task.StatusValue(task.StateRun)))

			Expect(ft.reg.Write(task.ChannelEnable, false)).To(Succeed())
			Expect(statusOf()).To(Equal(task.StatusValue(task.StatePaused)))

			Expect(ft.reg.Write(task.ChannelEnable, true)).To(Succeed())
			Expect(statusOf()).To(Equal(task.StatusValue(task.StateRun)))

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer stopCancel()
			Expect(r.Stop(stopCtx)).To(Succeed())
			Expect(statusOf()).To(Equal(task.StatusValue(task.StateEnd)))
		})
	})
})
