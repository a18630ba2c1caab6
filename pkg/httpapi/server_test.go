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

package httpapi_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/httpapi"
)

var _ = Describe("Server", func() {
	var (
		server *httpapi.Server
		reg    *channel.Registry
	)

	request := func(method, path string, body any) *httptest.ResponseRecorder {
		var payload *bytes.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			payload = bytes.NewReader(raw)
		} else {
			payload = bytes.NewReader(nil)
		}

		req := httptest.NewRequest(method, path, payload)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) map[string]any {
		var out map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
		return out
	}

	BeforeEach(func() {
		server = httpapi.NewServer(":0")

		reg = channel.NewRegistry("TEST:NS:APPSYNC")
		reg.MustAdd("STATUS", channel.TypeInt, int64(1), nil)
		reg.MustAdd("ENABLE", channel.TypeBool, true, func(any) {})

		server.Register("appsync", reg, func() any {
			return []map[string]any{{"name": "motor01", "class": "ioc"}}
		})
	})

	It("reports health", func() {
		rec := request(http.MethodGet, "/healthz", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("lists registered tasks", func() {
		rec := request(http.MethodGet, "/api/v1/tasks", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(decode(rec)["tasks"]).To(ConsistOf("appsync"))
	})

	It("lists the channels of a task with its prefix", func() {
		rec := request(http.MethodGet, "/api/v1/tasks/appsync/channels", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		body := decode(rec)
		Expect(body["prefix"]).To(Equal("TEST:NS:APPSYNC"))
		Expect(body["channels"]).To(HaveLen(2))
	})

	It("reads a single channel", func() {
		rec := request(http.MethodGet, "/api/v1/tasks/appsync/channels/STATUS", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		body := decode(rec)
		Expect(body["name"]).To(Equal("STATUS"))
		Expect(body["fullName"]).To(Equal("TEST:NS:APPSYNC:STATUS"))
		Expect(body["value"]).To(BeNumerically("==", 1))
		Expect(body["writable"]).To(BeFalse())
	})

	It("writes a writable channel and fires its callback", func() {
		var written any
		reg.MustAdd("CMD", channel.TypeBool, false, func(v any) { written = v })

		rec := request(http.MethodPut, "/api/v1/tasks/appsync/channels/CMD",
			map[string]any{"value": true})
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(written).To(Equal(true))
	})

	It("rejects writes to read-only channels", func() {
		rec := request(http.MethodPut, "/api/v1/tasks/appsync/channels/STATUS",
			map[string]any{"value": 5})
		Expect(rec.Code).To(Equal(http.StatusUnprocessableEntity))
	})

	It("rejects malformed bodies", func() {
		req := httptest.NewRequest(http.MethodPut,
			"/api/v1/tasks/appsync/channels/ENABLE", bytes.NewReader([]byte("{broken")))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 for unknown tasks and channels", func() {
		Expect(request(http.MethodGet, "/api/v1/tasks/nope/channels", nil).Code).
			To(Equal(http.StatusNotFound))
		Expect(request(http.MethodGet, "/api/v1/tasks/appsync/channels/NOPE", nil).Code).
			To(Equal(http.StatusNotFound))
	})

	It("serves the structured task status", func() {
		rec := request(http.MethodGet, "/api/v1/tasks/appsync/status", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))

		body := decode(rec)
		entities, ok := body["entities"].([]any)
		Expect(ok).To(BeTrue())
		Expect(entities).To(HaveLen(1))
	})

	It("returns 404 for tasks without a status view", func() {
		server.Register("bare", channel.NewRegistry("TEST:NS:BARE"), nil)

		rec := request(http.MethodGet, "/api/v1/tasks/bare/status", nil)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})
})
