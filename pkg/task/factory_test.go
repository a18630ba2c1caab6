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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/task"
)

var _ = Describe("Factory", func() {
	It("constructs tasks through their registered module", func() {
		factory := task.NewFactory()
		factory.Register("fake", func(cfg config.TaskConfig, facility config.FacilityConfig, reg *channel.Registry) (task.Task, error) {
			return newFakeTask(cfg.Name), nil
		})

		t, err := factory.New(
			config.TaskConfig{Name: "t1", Module: "fake"},
			config.FacilityConfig{},
			channel.NewRegistry("TEST:NS:T1"),
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Name()).To(Equal("t1"))
	})

	It("rejects unregistered modules", func() {
		factory := task.NewFactory()

		_, err := factory.New(
			config.TaskConfig{Name: "t1", Module: "ghost"},
			config.FacilityConfig{},
			channel.NewRegistry("TEST:NS:T1"),
		)
		Expect(err).To(MatchError(ContainSubstring("ghost")))
	})
})
