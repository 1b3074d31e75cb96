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

package session

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

// AtomicClaim executes the claim protocol on one candidate task: read the
// status with its ETag, skip anything no longer pending, and transition
// pending→claimed with the ETag as precondition. A lost race is not an error;
// it returns ok=false and the winner keeps the task. At most one caller ever
// sees ok=true for a given pending status.
func AtomicClaim(ctx context.Context, store objectstore.Provider, sessionID, taskID, workerID string) (*task.Status, bool, error) {
	key := task.StatusKey(sessionID, taskID)
	data, etag, err := store.Get(ctx, key)
	if err != nil {
		// A vanished status means the session is being cleaned up underneath
		// us; there is nothing to claim.
		if errors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	status := &task.Status{}
	if err := blob.Decode(data, status); err != nil {
		return nil, false, fmt.Errorf("decoding status of task %s, %w", taskID, err)
	}
	if status.State != task.StatePending {
		return nil, false, nil
	}
	status.Claim(workerID, time.Now())
	encoded, err := blob.Encode(status)
	if err != nil {
		return nil, false, err
	}
	if _, err := store.Put(ctx, key, encoded, objectstore.IfMatch(etag)); err != nil {
		if errors.IsPreconditionFailed(err) {
			metrics.ClaimConflicts.Inc()
			logging.FromContext(ctx).With("task-id", taskID, "worker-id", workerID).
				Debugf("lost claim race")
			return nil, false, nil
		}
		return nil, false, err
	}
	return status, true, nil
}

// WriteStatus persists a status mutation after ownership is established. The
// put is unconditional, because only the owning worker writes past claimed,
// but the store policy still retries transient faults so a completed status
// never goes unrecorded.
func WriteStatus(ctx context.Context, store objectstore.Provider, sessionID string, status *task.Status) error {
	data, err := blob.Encode(status)
	if err != nil {
		return err
	}
	_, err = store.Put(ctx, task.StatusKey(sessionID, status.TaskID), data)
	return err
}

// ListTaskIDs enumerates the session's task identifiers from its status keys,
// excluding the reserved bootstrap namespace. Order is unspecified.
func ListTaskIDs(ctx context.Context, store objectstore.Provider, sessionID string) ([]string, error) {
	keys, err := store.List(ctx, task.StatusPrefix(sessionID))
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(keys, func(key string, _ int) (string, bool) {
		tid, ok := task.TaskIDFromStatusKey(key)
		if !ok || task.IsBootstrapID(tid) {
			return "", false
		}
		return tid, true
	}), nil
}

// ReadStatus fetches and decodes one task's status record.
func ReadStatus(ctx context.Context, store objectstore.Provider, sessionID, taskID string) (*task.Status, error) {
	data, _, err := store.Get(ctx, task.StatusKey(sessionID, taskID))
	if err != nil {
		return nil, err
	}
	status := &task.Status{}
	if err := blob.Decode(data, status); err != nil {
		return nil, fmt.Errorf("decoding status of task %s, %w", taskID, err)
	}
	return status, nil
}

// ReadManifest fetches and decodes a session manifest along with its ETag.
func ReadManifest(ctx context.Context, store objectstore.Provider, sessionID string) (*task.Manifest, string, error) {
	data, etag, err := store.Get(ctx, task.ManifestKey(sessionID))
	if err != nil {
		return nil, "", err
	}
	manifest := &task.Manifest{}
	if err := blob.Decode(data, manifest); err != nil {
		return nil, "", fmt.Errorf("decoding manifest of session %s, %w", sessionID, err)
	}
	return manifest, etag, nil
}
