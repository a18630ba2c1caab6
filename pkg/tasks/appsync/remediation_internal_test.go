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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Governor", func() {
	threshold := func(n int) *int { return &n }
	cooldown := func(d time.Duration) *time.Duration { return &d }

	It("is disabled unless both bounds are configured", func() {
		Expect(NewGovernor(nil, nil).Enabled()).To(BeFalse())
		Expect(NewGovernor(threshold(5), nil).Enabled()).To(BeFalse())
		Expect(NewGovernor(nil, cooldown(time.Minute)).Enabled()).To(BeFalse())
		Expect(NewGovernor(threshold(5), cooldown(time.Minute)).Enabled()).To(BeTrue())
	})

	It("never fires while disabled, whatever the observation", func() {
		g := NewGovernor(nil, nil)
		Expect(g.Observe(0, 100)).To(BeFalse())
	})

	It("fires only when connected is below and disconnected above the threshold", func() {
		g := NewGovernor(threshold(5), cooldown(time.Minute))

		// Both conditions must hold strictly.
		Expect(g.Observe(5, 10)).To(BeFalse()) // connected not below
		Expect(g.Observe(3, 5)).To(BeFalse())  // disconnected not above
		Expect(g.Observe(3, 6)).To(BeTrue())
	})

	It("fires at most once within the cooldown window", func() {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		g := NewGovernor(threshold(5), cooldown(10*time.Minute))
		g.now = func() time.Time { return now }

		Expect(g.Observe(2, 8)).To(BeTrue())
		Expect(g.LastRestart()).To(Equal(now))

		// Condition persists inside the window: no second restart.
		now = now.Add(5 * time.Minute)
		Expect(g.Observe(2, 8)).To(BeFalse())
		now = now.Add(4 * time.Minute)
		Expect(g.Observe(0, 20)).To(BeFalse())

		// Window elapsed: eligible again.
		now = now.Add(2 * time.Minute)
		Expect(g.Observe(2, 8)).To(BeTrue())
	})

	It("records the restart in the same step it fires", func() {
		now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		g := NewGovernor(threshold(5), cooldown(time.Hour))
		g.now = func() time.Time { return now }

		Expect(g.LastRestart().IsZero()).To(BeTrue())
		Expect(g.Observe(1, 9)).To(BeTrue())
		Expect(g.LastRestart()).To(Equal(now))
	})
})
