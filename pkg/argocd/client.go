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

package argocd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/config"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

const (
	applicationsPath = "/apis/argoproj.io/v1alpha1/namespaces/%s/applications"

	// initiatedBy marks controller-issued sync operations in the remote
	// operation history.
	initiatedBy = "beamline-controller"

	requestTimeout = 10 * time.Second
)

// Client is the remote application API used by the reconciliation task.
// All calls are synchronous and bounded by the HTTP client's timeout.
type Client interface {
	// ListApplications returns all application objects in the configured
	// namespace, following server-side pagination.
	ListApplications(ctx context.Context) ([]Application, error)

	// SyncApplication requests a synchronize operation (revision HEAD,
	// prune stale resources). Idempotent.
	SyncApplication(ctx context.Context, name string) error

	// SuspendApplication clears the automated-sync policy so the object's
	// controller stops reconciling it. Idempotent.
	SuspendApplication(ctx context.Context, name string) error

	// DeleteApplication removes the object by name. A missing object
	// yields an error for which IsNotFound returns true.
	DeleteApplication(ctx context.Context, name string) error

	// Ping verifies connectivity and credentials with a minimal request.
	Ping(ctx context.Context) error
}

// APIError carries the remote status code so callers can distinguish a
// missing object from an authorization failure.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether err is a credential failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// HTTPClient talks to the application CRD surface of the cluster API.
type HTTPClient struct {
	base      string
	namespace string
	token     string
	http      *http.Client
	log       *zap.SugaredLogger
}

// NewClient builds a client from the connection configuration.
func NewClient(cfg config.ArgoCDConfig) (*HTTPClient, error) {
	if cfg.Server == "" {
		return nil, fmt.Errorf("no ArgoCD server configured")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "argocd"
	}

	return &HTTPClient{
		base:      strings.TrimRight(cfg.Server, "/"),
		namespace: namespace,
		token:     cfg.Token,
		http:      &http.Client{Timeout: requestTimeout},
		log:       logger.For(logger.ComponentArgoClient),
	}, nil
}

// Namespace returns the namespace this client lists applications in.
func (c *HTTPClient) Namespace() string { return c.namespace }

// HTTPTransport exposes the underlying http.Client for test interception.
func (c *HTTPClient) HTTPTransport() *http.Client { return c.http }

func (c *HTTPClient) applicationsURL() string {
	return c.base + fmt.Sprintf(applicationsPath, url.PathEscape(c.namespace))
}

// ListApplications lists the full namespace, merging paginated responses.
// Pagination is handled by the remote API via the continue token.
func (c *HTTPClient) ListApplications(ctx context.Context) ([]Application, error) {
	var apps []Application
	continueToken := ""

	for {
		listURL := c.applicationsURL()
		if continueToken != "" {
			listURL += "?continue=" + url.QueryEscape(continueToken)
		}

		body, err := c.do(ctx, http.MethodGet, listURL, "", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to list applications: %w", err)
		}

		var page applicationList
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode application list: %w", err)
		}

		apps = append(apps, page.Items...)
		if page.Metadata.Continue == "" {
			return apps, nil
		}
		continueToken = page.Metadata.Continue
	}
}

// SyncApplication patches the object with a sync operation request.
func (c *HTTPClient) SyncApplication(ctx context.Context, name string) error {
	body := map[string]any{
		"operation": map[string]any{
			"initiatedBy": map[string]any{"username": initiatedBy},
			"sync":        map[string]any{"revision": "HEAD", "prune": true},
		},
	}

	return c.patch(ctx, name, body)
}

// SuspendApplication clears the automated-sync policy.
func (c *HTTPClient) SuspendApplication(ctx context.Context, name string) error {
	body := map[string]any{
		"spec": map[string]any{
			"syncPolicy": map[string]any{"automated": nil},
		},
	}

	return c.patch(ctx, name, body)
}

// DeleteApplication removes the object by name.
func (c *HTTPClient) DeleteApplication(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, c.applicationsURL()+"/"+url.PathEscape(name), "", nil)
	if err != nil {
		return fmt.Errorf("failed to delete application %s: %w", name, err)
	}
	return nil
}

// Ping issues a single-item listing to verify connectivity and credentials.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, c.applicationsURL()+"?limit=1", "", nil)
	return err
}

// PingWithRetry retries Ping with exponential backoff. Credential failures
// are permanent and abort the retry loop immediately.
func (c *HTTPClient) PingWithRetry(ctx context.Context, maxRetries uint64) error {
	operation := func() error {
		err := c.Ping(ctx)
		if err != nil && IsUnauthorized(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx))
}

func (c *HTTPClient) patch(ctx context.Context, name string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode patch for %s: %w", name, err)
	}

	_, err = c.do(ctx, http.MethodPatch, c.applicationsURL()+"/"+url.PathEscape(name),
		"application/merge-patch+json", payload)
	if err != nil {
		return fmt.Errorf("failed to patch application %s: %w", name, err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, rawURL, contentType string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if runes := []rune(msg); len(runes) > 200 {
			msg = string(runes[:200])
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return body, nil
}
