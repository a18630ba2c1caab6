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

// Package httpapi exposes the channel registries of all running tasks over
// HTTP. It is the out-of-band counterpart to the EPICS-side channel
// surface: everything readable or writable through a channel is readable
// or writable here too, with the same write discipline.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/channel"
	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// taskEntry is one registered task: its registry plus an optional status
// snapshot function.
type taskEntry struct {
	registry *channel.Registry
	status   func() any
}

// Server serves the channel API for a set of tasks.
type Server struct {
	log  *zap.SugaredLogger
	http *http.Server

	mu    sync.RWMutex
	tasks map[string]taskEntry
}

// writeRequest is the body of a channel write.
type writeRequest struct {
	Value any `json:"value"`
}

// NewServer creates the API server. Tasks are registered before Start.
func NewServer(addr string) *Server {
	log := logger.For(logger.ComponentChannelAPI)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginRecovery(log))

	s := &Server{
		log:   log,
		tasks: make(map[string]taskEntry),
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.GET("/healthz", s.handleHealth)
	v1 := router.Group("/api/v1")
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:task/channels", s.handleListChannels)
	v1.GET("/tasks/:task/channels/:name", s.handleGetChannel)
	v1.PUT("/tasks/:task/channels/:name", s.handleWriteChannel)
	v1.GET("/tasks/:task/status", s.handleTaskStatus)

	return s
}

// Register adds a task's registry to the server. statusFn may be nil for
// tasks without a structured status view.
func (s *Server) Register(name string, reg *channel.Registry, statusFn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = taskEntry{registry: reg, status: statusFn}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Channel API listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("channel API shutdown: %w", err)
	}
	return <-errCh
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTasks(c *gin.Context) {
	s.mu.RLock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"tasks": names})
}

func (s *Server) handleListChannels(c *gin.Context) {
	entry, ok := s.task(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"prefix":   entry.registry.Prefix(),
		"channels": entry.registry.Snapshot(),
	})
}

func (s *Server) handleGetChannel(c *gin.Context) {
	entry, ok := s.task(c)
	if !ok {
		return
	}

	name := c.Param("name")
	ch, found := entry.registry.Get(name)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("channel %s not found", name)})
		return
	}

	c.JSON(http.StatusOK, channel.Info{
		Name:     ch.Name(),
		FullName: ch.FullName(),
		Type:     ch.Type().String(),
		Writable: ch.Writable(),
		Value:    ch.Get(),
	})
}

func (s *Server) handleWriteChannel(c *gin.Context) {
	entry, ok := s.task(c)
	if !ok {
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid body: %v", err)})
		return
	}

	name := c.Param("name")
	if err := entry.registry.Write(name, req.Value); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	ch, _ := entry.registry.Get(name)
	c.JSON(http.StatusOK, gin.H{"name": name, "value": ch.Get()})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	entry, ok := s.task(c)
	if !ok {
		return
	}
	if entry.status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task has no status view"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entry.status()})
}

// task resolves the :task parameter, writing a 404 on miss.
func (s *Server) task(c *gin.Context) (taskEntry, bool) {
	name := c.Param("task")
	s.mu.RLock()
	entry, ok := s.tasks[name]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("task %s not found", name)})
	}
	return entry, ok
}

// ginRecovery converts handler panics into 500 responses with a log line
// instead of gin's default stderr dump.
func ginRecovery(log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic in %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
