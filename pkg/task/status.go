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

	"github.com/samber/lo"
)

// Status is the per-task record at sessions/<sid>/tasks/<tid>/status.blob.
// Claims are serialized by conditional puts on this object, so a worker owns
// a task exactly when its own identifier landed in ClaimedBy.
type Status struct {
	TaskID      string     `cbor:"task_id"`
	State       State      `cbor:"state"`
	CreatedAt   time.Time  `cbor:"created_at"`
	ClaimedAt   *time.Time `cbor:"claimed_at,omitempty"`
	ClaimedBy   string     `cbor:"claimed_by,omitempty"`
	StartedAt   *time.Time `cbor:"started_at,omitempty"`
	CompletedAt *time.Time `cbor:"completed_at,omitempty"`
	Error       string     `cbor:"error,omitempty"`
}

// NewStatus returns the initial pending record for a freshly submitted task.
func NewStatus(taskID string, now time.Time) *Status {
	return &Status{
		TaskID:    taskID,
		State:     StatePending,
		CreatedAt: now,
	}
}

// Claim marks the status claimed by workerID. The caller must persist the
// mutation with an ETag precondition for the claim to count.
func (s *Status) Claim(workerID string, now time.Time) {
	s.State = StateClaimed
	s.ClaimedAt = lo.ToPtr(now)
	s.ClaimedBy = workerID
}

// Start marks the status running.
func (s *Status) Start(now time.Time) {
	s.State = StateRunning
	s.StartedAt = lo.ToPtr(now)
}

// Finish marks the status terminal. A non-empty errMsg selects failed.
func (s *Status) Finish(errMsg string, now time.Time) {
	s.State = lo.Ternary(errMsg == "", StateCompleted, StateFailed)
	s.CompletedAt = lo.ToPtr(now)
	s.Error = errMsg
}
