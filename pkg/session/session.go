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

// Package session implements the detached scheduler. The object store is the
// system of record: clients submit, inspect, collect, and clean up without
// holding authoritative state, workers claim pending tasks through
// conditional writes, and the manifest serializes its writers by ETag
// compare-and-swap. Any process holding the session id can reattach.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

const (
	// collectPollInterval paces Collect's enumeration passes while waiting.
	collectPollInterval = 2 * time.Second
	// collectConcurrency bounds parallel result downloads per pass.
	collectConcurrency = 8
)

// Input is one task submission to a detached session.
type Input struct {
	Expr     blob.Raw
	Globals  blob.Raw
	Packages []string
	Seed     blob.Raw
}

// Tally is the user-facing count of tasks by state, computed by enumerating
// status objects. Claimed tasks are reported as running; the brief window
// between selection and execution is not a state users act on.
type Tally struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
}

// Terminal reports whether every task has finished.
func (t Tally) Terminal() bool {
	return t.Total == t.Completed+t.Failed
}

// Summary is the listing view of one session.
type Summary struct {
	SessionID        string
	CreatedAt        time.Time
	LastActivity     time.Time
	AbsoluteDeadline time.Time
	Terminated       bool
	Stats            task.ManifestStats
	Workers          int
}

// Client performs detached-session operations. It holds no per-session
// state; everything authoritative lives in the bucket.
type Client struct {
	store  objectstore.Provider
	runner containerservice.Provider
	now    func() time.Time
}

func NewClient(store objectstore.Provider, runner containerservice.Provider) *Client {
	return &Client{
		store:  store,
		runner: runner,
		now:    time.Now,
	}
}

// Session is a handle on one detached session. The handle caches the
// manifest snapshot taken at create or attach time and the results it has
// already downloaded; neither cache is authoritative.
type Session struct {
	client *Client
	id     string

	mu        sync.Mutex
	manifest  task.Manifest
	collected map[string]*task.Result
}

// Create writes a fresh session manifest. The create-only put guarantees a
// session id is never reused, even across racing creators.
func (c *Client) Create(ctx context.Context, cfg config.SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := c.now()
	manifest := task.Manifest{
		SessionID:        task.NewSessionID(),
		CreatedAt:        now,
		LastActivity:     now,
		AbsoluteDeadline: now.Add(cfg.AbsoluteTimeout),
		Backend: task.ManifestBackend{
			Region:         cfg.Region,
			Bucket:         cfg.Bucket,
			ClusterName:    cfg.ClusterName,
			ImageRef:       cfg.ImageRef,
			CPUUnits:       cfg.CPUUnits,
			MemoryGB:       cfg.MemoryGB,
			LaunchKind:     string(cfg.LaunchKind),
			Architecture:   string(cfg.Architecture),
			InstanceType:   cfg.InstanceType,
			UseSpot:        cfg.UseSpot,
			Workers:        cfg.Workers,
			Subnets:        cfg.Subnets,
			SecurityGroups: cfg.SecurityGroups,
			// The backend block is immutable after creation, so the pool
			// identity is pinned here rather than rebuilt on reattach, where
			// the hash inputs may no longer be known.
			CapacityProvider: lo.Ternary(cfg.LaunchKind == config.LaunchInstance,
				computepool.SettingsFromConfig(cfg.ClusterConfig).PoolName(), ""),
		},
	}
	data, err := blob.Encode(manifest)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.Put(ctx, task.ManifestKey(manifest.SessionID), data, objectstore.IfNoneMatch()); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With("session-id", manifest.SessionID, "deadline", manifest.AbsoluteDeadline).
		Infof("created detached session")
	return &Session{client: c, id: manifest.SessionID, manifest: manifest, collected: map[string]*task.Result{}}, nil
}

// Attach reattaches to an existing session by id. Terminated sessions and
// sessions past their absolute deadline are refused.
func (c *Client) Attach(ctx context.Context, sessionID string) (*Session, error) {
	manifest, _, err := ReadManifest(ctx, c.store, sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFound(fmt.Errorf("session %s does not exist", sessionID))
		}
		return nil, err
	}
	if manifest.Terminated {
		return nil, fmt.Errorf("session %s is terminated", sessionID)
	}
	if manifest.Expired(c.now()) {
		return nil, fmt.Errorf("session %s expired at %s", sessionID, manifest.AbsoluteDeadline.Format(time.RFC3339))
	}
	return &Session{client: c, id: sessionID, manifest: *manifest, collected: map[string]*task.Result{}}, nil
}

// Cleanup winds down a session by id without the liveness checks Attach
// applies: terminated and expired sessions are exactly the ones cleanup most
// often needs to reach.
func (c *Client) Cleanup(ctx context.Context, sessionID string, stopWorkers, force bool) error {
	manifest, _, err := ReadManifest(ctx, c.store, sessionID)
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewNotFound(fmt.Errorf("session %s does not exist", sessionID))
		}
		return err
	}
	sess := &Session{client: c, id: sessionID, manifest: *manifest, collected: map[string]*task.Result{}}
	return sess.Cleanup(ctx, stopWorkers, force)
}

// List enumerates every session in the bucket.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	keys, err := c.store.List(ctx, task.SessionsPrefix)
	if err != nil {
		return nil, err
	}
	var summaries []Summary
	for _, key := range keys {
		sid, ok := task.SessionIDFromManifestKey(key)
		if !ok {
			continue
		}
		manifest, _, err := ReadManifest(ctx, c.store, sid)
		if err != nil {
			// A manifest deleted between list and read is not worth failing a
			// listing over.
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, Summary{
			SessionID:        manifest.SessionID,
			CreatedAt:        manifest.CreatedAt,
			LastActivity:     manifest.LastActivity,
			AbsoluteDeadline: manifest.AbsoluteDeadline,
			Terminated:       manifest.Terminated,
			Stats:            manifest.Stats,
			Workers:          len(manifest.ContainerTaskARNs),
		})
	}
	return summaries, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Manifest returns the handle's manifest snapshot.
func (s *Session) Manifest() task.Manifest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest
}

// Submit uploads one task and makes it visible to workers. The order is
// deliberate: envelope before status, so no worker can claim a task whose
// envelope is absent, and status before the manifest counter, so the
// advisory stats never exceed the enumerable truth.
func (s *Session) Submit(ctx context.Context, in Input) (string, error) {
	envelope := task.Envelope{
		TaskID:    task.NewID(),
		Expr:      in.Expr,
		Globals:   in.Globals,
		Packages:  in.Packages,
		Seed:      in.Seed,
		SessionID: s.id,
	}
	data, err := blob.Encode(envelope)
	if err != nil {
		return "", fmt.Errorf("encoding envelope for task %s, %w", envelope.TaskID, err)
	}
	if _, err := s.store().Put(ctx, task.EnvelopeKey(envelope.TaskID), data); err != nil {
		return "", err
	}
	status := task.NewStatus(envelope.TaskID, s.client.now())
	encoded, err := blob.Encode(status)
	if err != nil {
		return "", err
	}
	if _, err := s.store().Put(ctx, task.StatusKey(s.id, envelope.TaskID), encoded, objectstore.IfNoneMatch()); err != nil {
		return "", err
	}
	if err := s.updateManifest(ctx, func(m *task.Manifest) error {
		m.Stats.Total++
		m.Stats.Pending++
		return nil
	}); err != nil {
		return "", err
	}
	metrics.TasksSubmitted.WithLabelValues("detached").Inc()
	logging.FromContext(ctx).With("session-id", s.id, "task-id", envelope.TaskID).Debugf("submitted task")
	return envelope.TaskID, nil
}

// Workers launches n worker containers for this session. Each container is
// handed a bootstrap task id whose envelope carries the session id, so the
// launch path is the same one ephemeral clusters use.
func (s *Session) Workers(ctx context.Context, in containerservice.RunInput, n int) ([]containerservice.StartedTask, error) {
	s.mu.Lock()
	offset := len(s.manifest.ContainerTaskARNs)
	s.mu.Unlock()
	bootstrapIDs := make([]string, 0, n)
	for i := 0; i < n; i++ {
		envelope := task.BootstrapEnvelope(s.id, offset+i)
		data, err := blob.Encode(envelope)
		if err != nil {
			return nil, err
		}
		if _, err := s.store().Put(ctx, task.EnvelopeKey(envelope.TaskID), data); err != nil {
			return nil, err
		}
		bootstrapIDs = append(bootstrapIDs, envelope.TaskID)
	}
	started, err := s.client.runner.RunWorkers(ctx, in, bootstrapIDs)
	if len(started) > 0 {
		arns := lo.Map(started, func(st containerservice.StartedTask, _ int) string { return st.ARN })
		if merr := s.updateManifest(ctx, func(m *task.Manifest) error {
			m.ContainerTaskARNs = append(m.ContainerTaskARNs, arns...)
			return nil
		}); merr != nil {
			err = multierr.Append(err, merr)
		}
	}
	if err != nil {
		return started, err
	}
	logging.FromContext(ctx).With("session-id", s.id, "workers", len(started)).Infof("launched session workers")
	return started, nil
}

// Status tallies the session's tasks by enumerating status objects. The
// manifest's counters are advisory only; this enumeration is the truth.
func (s *Session) Status(ctx context.Context) (Tally, error) {
	statuses, err := s.statuses(ctx)
	if err != nil {
		return Tally{}, err
	}
	tally := Tally{Total: len(statuses)}
	for _, status := range statuses {
		switch status.State {
		case task.StatePending:
			tally.Pending++
		case task.StateClaimed, task.StateRunning:
			tally.Running++
		case task.StateCompleted:
			tally.Completed++
		case task.StateFailed:
			tally.Failed++
		}
	}
	return tally, nil
}

// Collect downloads the results of completed tasks. Without wait it makes a
// single pass and returns whatever is already finished; with wait it keeps
// polling until every task is terminal or the timeout elapses. Failed tasks
// are reported through the returned error, one TaskFailed per task, without
// discarding the successfully collected results.
func (s *Session) Collect(ctx context.Context, wait bool, timeout time.Duration) (map[string]*task.Result, error) {
	deadline := s.client.now().Add(timeout)
	for {
		statuses, err := s.statuses(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.download(ctx, statuses); err != nil {
			return nil, err
		}
		tally := lo.CountBy(statuses, func(st *task.Status) bool { return st.State.Terminal() })
		if !wait || tally == len(statuses) {
			return s.gather(statuses)
		}
		if timeout > 0 && s.client.now().After(deadline) {
			results, errs := s.gather(statuses)
			return results, multierr.Append(errs, errors.TimedOutError{
				Op:      fmt.Sprintf("collecting session %s (%d of %d terminal)", s.id, tally, len(statuses)),
				Timeout: timeout,
			})
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(collectPollInterval):
		}
	}
}

// download fetches completed results not yet in the handle's cache. Results
// are write-once, so caching them is sound.
func (s *Session) download(ctx context.Context, statuses []*task.Status) error {
	s.mu.Lock()
	missing := lo.Filter(statuses, func(st *task.Status, _ int) bool {
		_, ok := s.collected[st.TaskID]
		return st.State == task.StateCompleted && !ok
	})
	s.mu.Unlock()
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(collectConcurrency)
	for _, status := range missing {
		tid := status.TaskID
		group.Go(func() error {
			data, _, err := s.store().Get(ctx, task.ResultKey(tid))
			if err != nil {
				return err
			}
			result := &task.Result{}
			if err := blob.Decode(data, result); err != nil {
				return fmt.Errorf("decoding result of task %s, %w", tid, err)
			}
			s.mu.Lock()
			s.collected[tid] = result
			s.mu.Unlock()
			return nil
		})
	}
	return group.Wait()
}

// gather assembles the collected map and folds failed tasks into the error.
func (s *Session) gather(statuses []*task.Status) (map[string]*task.Result, error) {
	s.mu.Lock()
	results := make(map[string]*task.Result, len(s.collected))
	for tid, result := range s.collected {
		results[tid] = result
	}
	s.mu.Unlock()
	var errs error
	for _, status := range statuses {
		if status.State == task.StateFailed {
			errs = multierr.Append(errs, errors.TaskFailedError{TaskID: status.TaskID, Message: status.Error})
		}
	}
	return results, errs
}

// Extend pushes the session's absolute deadline out by d from now.
func (s *Session) Extend(ctx context.Context, d time.Duration) error {
	return s.updateManifest(ctx, func(m *task.Manifest) error {
		if m.Terminated {
			return fmt.Errorf("session %s is terminated", s.id)
		}
		m.AbsoluteDeadline = s.client.now().Add(d)
		return nil
	})
}

// Cleanup winds a session down. With stopWorkers the session's running
// containers are stopped best-effort; with force every object under the
// session plus its envelopes and results are deleted; otherwise the manifest
// is marked terminated so workers drain and refuse new attaches.
func (s *Session) Cleanup(ctx context.Context, stopWorkers, force bool) error {
	log := logging.FromContext(ctx).With("session-id", s.id)
	var errs error
	if stopWorkers {
		workers, err := s.client.runner.ListSessionWorkers(ctx, s.manifest.Backend.ClusterName, s.id)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		for _, worker := range workers {
			if err := s.client.runner.StopTask(ctx, s.manifest.Backend.ClusterName, worker.ARN, "session cleanup"); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		log.With("stopped", len(workers)).Debugf("stopped session workers")
	}
	if !force {
		if err := s.updateManifest(ctx, func(m *task.Manifest) error {
			m.Terminated = true
			return nil
		}); err != nil {
			return multierr.Append(errs, err)
		}
		log.Infof("terminated session")
		return errs
	}

	taskIDs, err := ListTaskIDs(ctx, s.store(), s.id)
	if err != nil {
		return multierr.Append(errs, err)
	}
	keys := lo.FlatMap(taskIDs, func(tid string, _ int) []string {
		return []string{task.EnvelopeKey(tid), task.ResultKey(tid)}
	})
	bootstraps, err := s.store().List(ctx, task.BootstrapEnvelopePrefix(s.id))
	if err != nil {
		return multierr.Append(errs, err)
	}
	keys = append(keys, bootstraps...)
	sessionKeys, err := s.store().List(ctx, task.SessionPrefix(s.id))
	if err != nil {
		return multierr.Append(errs, err)
	}
	keys = append(keys, sessionKeys...)
	deleted, err := s.store().Delete(ctx, keys)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	log.With("deleted", deleted).Infof("deleted session objects")
	return errs
}

// statuses enumerates and decodes every non-bootstrap status object.
func (s *Session) statuses(ctx context.Context) ([]*task.Status, error) {
	taskIDs, err := ListTaskIDs(ctx, s.store(), s.id)
	if err != nil {
		return nil, err
	}
	statuses := make([]*task.Status, 0, len(taskIDs))
	for _, tid := range taskIDs {
		status, err := ReadStatus(ctx, s.store(), s.id, tid)
		if err != nil {
			// Cleaned up mid-enumeration; skip rather than fail the tally.
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// updateManifest applies mutate under ETag compare-and-swap, re-reading and
// reapplying on every lost race until the policy's attempts run out. Writers
// are thereby totally ordered and no update is lost (every application runs
// against the latest manifest).
func (s *Session) updateManifest(ctx context.Context, mutate func(*task.Manifest) error) error {
	var updated *task.Manifest
	err := backoff.Manifest.Do(ctx, func() error {
		manifest, etag, err := ReadManifest(ctx, s.store(), s.id)
		if err != nil {
			return err
		}
		if err := mutate(manifest); err != nil {
			return err
		}
		manifest.Touch(s.client.now())
		data, err := blob.Encode(manifest)
		if err != nil {
			return err
		}
		if _, err := s.store().Put(ctx, task.ManifestKey(s.id), data, objectstore.IfMatch(etag)); err != nil {
			if errors.IsPreconditionFailed(err) {
				metrics.ManifestCASRetries.Inc()
			}
			return err
		}
		updated = manifest
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating manifest of session %s, %w", s.id, err)
	}
	s.mu.Lock()
	s.manifest = *updated
	s.mu.Unlock()
	return nil
}

func (s *Session) store() objectstore.Provider {
	return s.client.store
}
