/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package task

import (
	"time"
)

// Manifest is the record at sessions/<sid>/manifest.blob. It is the only
// mutable shared object besides per-task statuses; writers serialize through
// ETag compare-and-swap. The Backend block is immutable after creation and
// the Stats counters are advisory; authoritative counts come from
// enumerating status objects.
type Manifest struct {
	SessionID         string          `cbor:"session_id"`
	CreatedAt         time.Time       `cbor:"created_at"`
	LastActivity      time.Time       `cbor:"last_activity"`
	AbsoluteDeadline  time.Time       `cbor:"absolute_deadline"`
	Terminated        bool            `cbor:"terminated,omitempty"`
	Backend           ManifestBackend `cbor:"backend"`
	Stats             ManifestStats   `cbor:"stats"`
	ContainerTaskARNs []string        `cbor:"container_task_arns,omitempty"`
}

// ManifestBackend is the subset of cluster configuration that a detached
// client needs to reattach and launch more workers. Values are wire strings;
// the config package parses them back into typed form.
type ManifestBackend struct {
	Region         string   `cbor:"region"`
	Bucket         string   `cbor:"bucket"`
	ClusterName    string   `cbor:"cluster_name"`
	ImageRef       string   `cbor:"image_ref"`
	CPUUnits       float64  `cbor:"cpu_units"`
	MemoryGB       float64  `cbor:"memory_gb"`
	LaunchKind     string   `cbor:"launch_kind"`
	Architecture   string   `cbor:"architecture"`
	InstanceType   string   `cbor:"instance_type,omitempty"`
	UseSpot        bool     `cbor:"use_spot,omitempty"`
	Workers        int      `cbor:"workers"`
	Subnets        []string `cbor:"subnets,omitempty"`
	SecurityGroups []string `cbor:"security_groups,omitempty"`
	// CapacityProvider names the pool capacity provider for Instance launch
	// so a reattached client can place workers without rebuilding the pool
	// identity.
	CapacityProvider string `cbor:"capacity_provider,omitempty"`
}

// ManifestStats carries advisory task counters, updated by submit and
// terminate through manifest CAS.
type ManifestStats struct {
	Total     int `cbor:"total"`
	Pending   int `cbor:"pending"`
	Claimed   int `cbor:"claimed"`
	Running   int `cbor:"running"`
	Completed int `cbor:"completed"`
	Failed    int `cbor:"failed"`
}

// Expired reports whether the session's absolute deadline has passed.
func (m *Manifest) Expired(now time.Time) bool {
	return now.After(m.AbsoluteDeadline)
}

// Touch advances last_activity, keeping it monotonically non-decreasing even
// when writers race with skewed clocks.
func (m *Manifest) Touch(now time.Time) {
	if now.After(m.LastActivity) {
		m.LastActivity = now
	}
}
