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

// Class distinguishes the two tracked entity kinds. They share the status
// model but differ in their application-name suffix and STOP discipline.
type Class int

const (
	// ClassIOC is a beamline IOC deployed as an application object.
	ClassIOC Class = iota
	// ClassService is a dependent service (e.g. the CA gateway).
	ClassService
)

// String returns the short class tag used in logs and snapshots.
func (c Class) String() string {
	if c == ClassService {
		return "service"
	}
	return "ioc"
}

// appSuffix returns the fixed suffix of the external application
// identifier for this class.
func (c Class) appSuffix() string {
	if c == ClassService {
		return "-svc"
	}
	return "-ioc"
}

// Status is the canonical per-entity status snapshot. The three status
// strings are carried verbatim from the remote object; the timestamps are
// formatted for display, with the "Never" sentinel when unset.
type Status struct {
	AppStatus        string `json:"appStatus"`
	SyncStatus       string `json:"syncStatus"`
	HealthStatus     string `json:"healthStatus"`
	LastSyncTime     string `json:"lastSyncTime"`
	LastHealthChange string `json:"lastHealthChange"`
}

// Entity is one tracked IOC or service. AppName is derived once at task
// initialization and never recomputed: a configuration rename does not
// retroactively change which remote object is polled.
type Entity struct {
	Name     string
	Class    Class
	Devgroup string

	// AppName is the stable external application identifier:
	// <namespace>-<name><class suffix>.
	AppName string

	// Segment is the entity's channel-name segment (upper-cased,
	// hyphen-normalized, truncated to the record-name budget).
	Segment string

	status     Status
	prevHealth string
}

// Snapshot is a detached read-only view of one entity for external consumers.
type Snapshot struct {
	Name     string `json:"name"`
	Class    string `json:"class"`
	Devgroup string `json:"devgroup,omitempty"`
	AppName  string `json:"appName"`
	Status   Status `json:"status"`
}

// Per-entity channel suffixes.
const (
	suffixAppStatus    = "_APP_STATUS"
	suffixSyncStatus   = "_SYNC_STATUS"
	suffixHealthStatus = "_HEALTH_STATUS"
	suffixLastSync     = "_LAST_SYNC"
	suffixLastHealth   = "_LAST_HEALTH"
	suffixStart        = "_START"
	suffixStop         = "_STOP"
	suffixRestart      = "_RESTART"
)

// Aggregate channel names, per entity class.
const (
	ChannelTotalIOCs       = "TOTAL_IOCS"
	ChannelHealthyIOCs     = "HEALTHY_IOCS"
	ChannelProgressingIOCs = "PROGRESSING_IOCS"
	ChannelOtherIOCs       = "OTHER_IOCS"
	ChannelTotalSvcs       = "TOTAL_SVCS"
	ChannelHealthySvcs     = "HEALTHY_SVCS"
	ChannelProgressingSvcs = "PROGRESSING_SVCS"
	ChannelOtherSvcs       = "OTHER_SVCS"
)

// Gateway observation channels.
const (
	ChannelGatewayTotal        = "GATEWAY_TOTAL"
	ChannelGatewayConnected    = "GATEWAY_CONNECTED"
	ChannelGatewayDisconnected = "GATEWAY_DISCONNECTED"
)
