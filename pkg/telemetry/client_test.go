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

package telemetry_test

import (
	"context"

	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/telemetry"
)

var _ = Describe("HTTPClient", func() {
	const server = "http://gateway.test"

	var (
		client *telemetry.HTTPClient
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		client, err = telemetry.NewClient(server)
		Expect(err).NotTo(HaveOccurred())

		gock.InterceptClient(client.HTTPTransport())
	})

	AfterEach(func() {
		gock.Off()
	})

	It("requires a base URL", func() {
		_, err := telemetry.NewClient("")
		Expect(err).To(HaveOccurred())
	})

	It("fetches the connection counts for an appliance", func() {
		gock.New(server).
			Get("/api/v1/appliances/cagateway").
			Reply(200).
			JSON(map[string]any{"total": 12, "connected": 10, "disconnected": 2})

		counts, err := client.Counts(ctx, "cagateway")
		Expect(err).NotTo(HaveOccurred())
		Expect(counts.Total).To(Equal(12))
		Expect(counts.Connected).To(Equal(10))
		Expect(counts.Disconnected).To(Equal(2))
	})

	It("surfaces non-200 responses as errors", func() {
		gock.New(server).
			Get("/api/v1/appliances/cagateway").
			Reply(502).
			BodyString("bad gateway")

		_, err := client.Counts(ctx, "cagateway")
		Expect(err).To(HaveOccurred())
	})

	It("rejects malformed payloads", func() {
		gock.New(server).
			Get("/api/v1/appliances/cagateway").
			Reply(200).
			BodyString("not json")

		_, err := client.Counts(ctx, "cagateway")
		Expect(err).To(HaveOccurred())
	})
})
