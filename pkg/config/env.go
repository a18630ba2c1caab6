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

package config

import (
	"os"
	"strconv"

	"go.uber.org/zap"
)

// ApplyEnvOverrides applies environment variable overrides to the loaded
// configuration. This is used during startup so that credentials and
// connection endpoints can be injected at deploy time instead of being
// committed to the config file.
//
// Order of precedence (highest to lowest):
// 1. Environment variables (ARGOCD_SERVER, ARGOCD_TOKEN, METRICS_PORT, CHANNEL_API_PORT)
// 2. Config file values
//
// Unlike file values, environment overrides are never persisted back.
func ApplyEnvOverrides(cfg *FullConfig, log *zap.SugaredLogger) {
	server := os.Getenv("ARGOCD_SERVER")
	token := os.Getenv("ARGOCD_TOKEN")

	for i := range cfg.Tasks {
		if cfg.Tasks[i].AppSync == nil {
			continue
		}
		if server != "" {
			cfg.Tasks[i].AppSync.ArgoCD.Server = server
			log.Infof("Overriding ArgoCD server for task %s from environment", cfg.Tasks[i].Name)
		}
		if token != "" {
			cfg.Tasks[i].AppSync.ArgoCD.Token = token
		}
	}

	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Controller.MetricsPort = p
		} else {
			log.Warnf("Ignoring invalid METRICS_PORT value %q", port)
		}
	}

	if port := os.Getenv("CHANNEL_API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.Controller.ChannelAPIPort = p
		} else {
			log.Warnf("Ignoring invalid CHANNEL_API_PORT value %q", port)
		}
	}
}
