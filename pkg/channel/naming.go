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

package channel

import (
	"strings"

	"github.com/infn-epics/epik8s-beamline-controller/pkg/logger"
)

const (
	// MaxRecordNameLength is the hard limit for a full record name,
	// prefix and suffix included.
	MaxRecordNameLength = 60

	// longestEntitySuffix is the longest per-entity channel suffix in use.
	// The entity segment is truncated so that prefix + ":" + segment +
	// longestEntitySuffix always fits within MaxRecordNameLength.
	longestEntitySuffix = "_LAST_HEALTH"
)

// Prefix builds the channel prefix for a task: <BEAMLINE>:<NAMESPACE>:<TASK>.
func Prefix(beamline, namespace, task string) string {
	return strings.ToUpper(beamline) + ":" + strings.ToUpper(namespace) + ":" + strings.ToUpper(task)
}

// EntitySegment converts an entity name into its channel-name segment:
// upper-cased, hyphens replaced by underscores, and truncated so every
// channel built from it stays within the record-name budget.
//
// Companion display-generation tools must reproduce this function
// bit-for-bit; channel names are the join key between the two.
//
// The function is idempotent: applying it to its own output returns the
// same segment.
func EntitySegment(prefix, entity string) string {
	segment := strings.ToUpper(strings.ReplaceAll(entity, "-", "_"))

	maxLen := MaxRecordNameLength - len(prefix) - 1 - len(longestEntitySuffix)
	if maxLen > 0 && len(segment) > maxLen {
		original := segment
		segment = segment[:maxLen]
		logger.For(logger.ComponentChannels).Warnf(
			"Entity channel segment %q truncated to %q to fit the %d-char record-name limit",
			original, segment, MaxRecordNameLength)
	}

	return segment
}
