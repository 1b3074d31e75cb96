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

package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/session"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

const (
	// initialBackoff through maxBackoff pace passes that found nothing
	// pending; any claimed task resets the ladder.
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// idleCap ends the worker after this long without claiming anything.
	idleCap = 5 * time.Minute
)

// RunDetached processes the session's pending tasks until work dries up, the
// session's absolute deadline passes, the session is terminated, or ctx is
// done.
//
// Each pass re-reads the manifest (extensions and termination take effect on
// the next pass), lists the session's statuses, keeps the pending ones, and
// tries to claim them in random order so co-workers spread across the head
// of the queue. The claim itself re-reads under an ETag, so the pending
// filter here is only advisory.
func (r *Runtime) RunDetached(ctx context.Context, sessionID string) error {
	log := logging.FromContext(ctx).With("session-id", sessionID, "worker-id", r.workerID)
	log.Infof("joined session")
	backoff := initialBackoff
	idleSince := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		manifest, _, err := session.ReadManifest(ctx, r.store, sessionID)
		if err != nil {
			// A vanished manifest means the session was cleaned up underneath
			// us; the remaining work went with it.
			if errors.IsNotFound(err) {
				log.Infof("session records gone, exiting")
				return nil
			}
			return err
		}
		if manifest.Expired(time.Now()) {
			log.Infof("session deadline passed, exiting")
			return nil
		}
		if manifest.Terminated {
			log.Infof("session terminated, exiting")
			return nil
		}

		candidates, err := r.pendingTasks(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			if time.Since(idleSince) > idleCap {
				log.With("idle-cap", idleCap).Infof("no work, exiting")
				return nil
			}
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = initialBackoff

		rand.Shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
		for _, tid := range candidates {
			status, ok, err := session.AtomicClaim(ctx, r.store, sessionID, tid, r.workerID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			idleSince = time.Now()
			if err := r.process(ctx, sessionID, status); err != nil {
				return err
			}
			break
		}
	}
}

// pendingTasks returns the ids of the session's pending tasks, bootstrap
// namespace excluded.
func (r *Runtime) pendingTasks(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := session.ListTaskIDs(ctx, r.store, sessionID)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, tid := range ids {
		status, err := session.ReadStatus(ctx, r.store, sessionID, tid)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if status.State == task.StatePending {
			pending = append(pending, tid)
		}
	}
	return pending, nil
}

// process runs one claimed task: running status, evaluate, result upload,
// terminal status. Writes after the claim are unconditional, since ownership
// is established, and ride the store retry policy so terminal states are not
// lost to transient faults.
func (r *Runtime) process(ctx context.Context, sessionID string, status *task.Status) error {
	log := logging.FromContext(ctx).With("session-id", sessionID, "task-id", status.TaskID, "worker-id", r.workerID)
	envelope, err := r.fetchEnvelope(ctx, status.TaskID)
	if err != nil {
		// Submit uploads the envelope before the status, so absence means
		// cleanup deleted it between our claim and this read.
		if errors.IsNotFound(err) {
			status.Finish("task envelope missing", time.Now())
			return session.WriteStatus(ctx, r.store, sessionID, status)
		}
		return err
	}
	status.Start(time.Now())
	if err := session.WriteStatus(ctx, r.store, sessionID, status); err != nil {
		return err
	}
	result := r.evaluator.Evaluate(ctx, envelope)
	if err := r.putResult(ctx, status.TaskID, result); err != nil {
		return err
	}
	status.Finish(lo.Ternary(result.IsError(), result.Message, ""), time.Now())
	if err := session.WriteStatus(ctx, r.store, sessionID, status); err != nil {
		return err
	}
	log.With("failed", result.IsError()).Infof("task processed")
	return nil
}

// sleep waits d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
