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

// Package telemetry reads client-connection counts for a named appliance
// (the CA gateway) from its status endpoint.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

const requestTimeout = 5 * time.Second

// Counts is one observation of the appliance's client connections.
type Counts struct {
	Total        int `json:"total"`
	Connected    int `json:"connected"`
	Disconnected int `json:"disconnected"`
}

// Client fetches connection counts for a named appliance.
type Client interface {
	Counts(ctx context.Context, appliance string) (Counts, error)
}

// HTTPClient reads the telemetry endpoint over HTTP.
type HTTPClient struct {
	base string
	http *http.Client
	log  *zap.SugaredLogger
}

// NewClient builds a telemetry client for the given base URL.
func NewClient(baseURL string) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("no telemetry URL configured")
	}

	return &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: requestTimeout},
		log:  logger.For(logger.ComponentTelemetryClient),
	}, nil
}

// HTTPTransport exposes the underlying http.Client for test interception.
func (c *HTTPClient) HTTPTransport() *http.Client { return c.http }

// Counts fetches the current observation for the appliance.
func (c *HTTPClient) Counts(ctx context.Context, appliance string) (Counts, error) {
	reqURL := c.base + "/api/v1/appliances/" + url.PathEscape(appliance)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Counts{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Counts{}, fmt.Errorf("telemetry request for %s failed: %w", appliance, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Counts{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Counts{}, fmt.Errorf("telemetry endpoint returned %d for %s", resp.StatusCode, appliance)
	}

	var counts Counts
	if err := json.Unmarshal(body, &counts); err != nil {
		return Counts{}, fmt.Errorf("failed to decode telemetry for %s: %w", appliance, err)
	}

	return counts, nil
}
