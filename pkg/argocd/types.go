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

// Application is the subset of the remote application object the
// controller reads. Status strings are carried verbatim; interpretation
// happens in the reconciliation task.
type Application struct {
	Metadata ObjectMeta `json:"metadata"`
	Status   AppStatus  `json:"status"`
}

// ObjectMeta identifies an application within its namespace.
type ObjectMeta struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// AppStatus mirrors the status block of the application object.
type AppStatus struct {
	OperationState *OperationState `json:"operationState,omitempty"`
	Sync           SyncStatus      `json:"sync"`
	Health         HealthStatus    `json:"health"`
}

// OperationState reports the phase of the last operation and when it finished.
type OperationState struct {
	Phase      string `json:"phase,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"` // ISO-8601, Z-suffixed
}

// SyncStatus reports the sync field of the application.
type SyncStatus struct {
	Status string `json:"status,omitempty"`
}

// HealthStatus reports the health field of the application.
type HealthStatus struct {
	Status string `json:"status,omitempty"`
}

// applicationList is one page of a paginated listing.
type applicationList struct {
	Metadata listMeta      `json:"metadata"`
	Items    []Application `json:"items"`
}

type listMeta struct {
	Continue string `json:"continue,omitempty"`
}
