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

import "time"

// NeverSentinel is the display value of a timestamp channel that has
// never been set.
const NeverSentinel = "Never"

// displayTimeFormat is the wall-clock format used on timestamp channels.
const displayTimeFormat = "2006-01-02 15:04:05"

// Well-known remote status strings.
const (
	syncSynced    = "Synced"
	syncOutOfSync = "OutOfSync"
	syncUnknown   = "Unknown"

	healthHealthy     = "Healthy"
	healthProgressing = "Progressing"
	healthDegraded    = "Degraded"
	healthMissing     = "Missing"
	healthUnknown     = "Unknown"
)

// SyncValue maps a sync status string onto the integer encoding of the
// SYNC_STATUS channel. The mapping is total: an unexpected remote string
// encodes as 3 rather than failing.
func SyncValue(status string) int64 {
	switch status {
	case syncSynced:
		return 0
	case syncOutOfSync:
		return 1
	case syncUnknown:
		return 2
	default:
		return 3
	}
}

// HealthValue maps a health status string onto the integer encoding of the
// HEALTH_STATUS channel. Total mapping; unexpected strings encode as 5.
func HealthValue(status string) int64 {
	switch status {
	case healthHealthy:
		return 0
	case healthProgressing:
		return 1
	case healthDegraded:
		return 2
	case healthMissing:
		return 3
	case healthUnknown:
		return 4
	default:
		return 5
	}
}

// formatRemoteTimestamp reformats the remote finishedAt timestamp for
// display. An unparsable value is passed through verbatim rather than
// dropped, so operators still see what the remote reported.
func formatRemoteTimestamp(iso string) string {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return iso
	}
	return t.Local().Format(displayTimeFormat)
}
