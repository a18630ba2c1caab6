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

package channel_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
)

var _ = Describe("Registry", func() {
	var reg *channel.Registry

	BeforeEach(func() {
		reg = channel.NewRegistry("TEST:NS:TASK")
	})

	Describe("Add", func() {
		It("rejects duplicate names", func() {
			_, err := reg.Add("STATUS", channel.TypeInt, int64(0), nil)
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.Add("STATUS", channel.TypeInt, int64(0), nil)
			Expect(err).To(HaveOccurred())
		})

		It("derives the full record name from the prefix", func() {
			ch, err := reg.Add("ENABLE", channel.TypeBool, true, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ch.FullName()).To(Equal("TEST:NS:TASK:ENABLE"))
		})

		It("marks channels writable exactly when a callback is given", func() {
			ro, err := reg.Add("RO", channel.TypeInt, int64(0), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(ro.Writable()).To(BeFalse())

			rw, err := reg.Add("RW", channel.TypeBool, false, func(any) {})
			Expect(err).NotTo(HaveOccurred())
			Expect(rw.Writable()).To(BeTrue())
		})
	})

	Describe("Write", func() {
		It("fires the callback exactly once per write", func() {
			calls := 0
			reg.MustAdd("CMD", channel.TypeBool, false, func(any) { calls++ })

			Expect(reg.Write("CMD", true)).To(Succeed())
			Expect(calls).To(Equal(1))

			Expect(reg.Write("CMD", true)).To(Succeed())
			Expect(calls).To(Equal(2))
		})

		It("stores the value before the callback fires", func() {
			var seen bool
			reg.MustAdd("CMD", channel.TypeBool, false, func(any) {
				ch, _ := reg.Get("CMD")
				seen = ch.Bool()
			})

			Expect(reg.Write("CMD", true)).To(Succeed())
			Expect(seen).To(BeTrue())
		})

		It("rejects writes to read-only channels without invoking anything", func() {
			reg.MustAdd("STATUS", channel.TypeInt, int64(0), nil)

			err := reg.Write("STATUS", int64(3))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("read-only"))

			ch, _ := reg.Get("STATUS")
			Expect(ch.Int()).To(Equal(int64(0)))
		})

		It("rejects writes to unknown channels", func() {
			Expect(reg.Write("NOPE", 1)).NotTo(Succeed())
		})

		It("allows the callback to reset the channel (momentary semantics)", func() {
			var fired int
			reg.MustAdd("RESTART", channel.TypeBool, false, func(value any) {
				if pressed, _ := value.(bool); pressed {
					fired++
					reg.Set("RESTART", false)
				}
			})

			Expect(reg.Write("RESTART", true)).To(Succeed())
			Expect(fired).To(Equal(1))

			ch, _ := reg.Get("RESTART")
			Expect(ch.Bool()).To(BeFalse())
		})

		It("coerces JSON-decoded numbers into the channel type", func() {
			reg.MustAdd("COUNT", channel.TypeInt, int64(0), func(any) {})

			// External writers deliver numbers as float64.
			Expect(reg.Write("COUNT", float64(7))).To(Succeed())

			ch, _ := reg.Get("COUNT")
			Expect(ch.Int()).To(Equal(int64(7)))
		})

		It("rejects type-mismatched values", func() {
			reg.MustAdd("COUNT", channel.TypeInt, int64(0), func(any) {})
			Expect(reg.Write("COUNT", "seven")).NotTo(Succeed())
		})
	})

	Describe("Set", func() {
		It("never fires the callback", func() {
			calls := 0
			reg.MustAdd("CMD", channel.TypeBool, false, func(any) { calls++ })

			reg.Set("CMD", true)
			Expect(calls).To(BeZero())

			ch, _ := reg.Get("CMD")
			Expect(ch.Bool()).To(BeTrue())
		})

		It("swallows writes to unknown channels", func() {
			Expect(func() { reg.Set("NOPE", 1) }).NotTo(Panic())
		})
	})

	Describe("Snapshot", func() {
		It("returns all channels sorted by name", func() {
			reg.MustAdd("B", channel.TypeInt, int64(2), nil)
			reg.MustAdd("A", channel.TypeString, "hello", nil)
			reg.MustAdd("C", channel.TypeBool, true, func(any) {})

			infos := reg.Snapshot()
			Expect(infos).To(HaveLen(3))
			Expect(infos[0].Name).To(Equal("A"))
			Expect(infos[1].Name).To(Equal("B"))
			Expect(infos[2].Name).To(Equal("C"))

			Expect(infos[0].Value).To(Equal("hello"))
			Expect(infos[0].Type).To(Equal("string"))
			Expect(infos[2].Writable).To(BeTrue())
		})
	})
})
