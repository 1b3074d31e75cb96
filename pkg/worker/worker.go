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

// Package worker is the in-container runtime. A worker learns everything from
// three environment variables and the bucket: it downloads the envelope named
// by TASK_ID, and either evaluates it once (ephemeral) or, for a bootstrap
// envelope, joins the named session's claim loop (detached). Either way the
// container exits zero on evaluation failures; the result envelope is the
// error channel.
package worker

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/env"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/rand"
)

// Config is the environment contract of one worker container.
type Config struct {
	TaskID string
	Bucket string
	Region string
}

// ConfigFromEnv reads the three-variable contract. The launcher sets the
// canonical names; the alias spellings are accepted for images that predate
// them.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		TaskID: os.Getenv(task.EnvTaskID),
		Bucket: env.Fallback("", task.EnvBucket, task.EnvBucketAlias),
		Region: env.Fallback("", task.EnvRegion, task.EnvRegionAlias),
	}
	var errs error
	if cfg.TaskID == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s is required", task.EnvTaskID))
	}
	if cfg.Bucket == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s is required", task.EnvBucket))
	}
	if cfg.Region == "" {
		errs = multierr.Append(errs, fmt.Errorf("%s is required", task.EnvRegion))
	}
	if errs != nil {
		return Config{}, fmt.Errorf("reading worker environment, %w", errs)
	}
	return cfg, nil
}

// Runtime executes envelopes against the object store. One runtime serves
// one container; its worker id is what claims are recorded under.
type Runtime struct {
	store     objectstore.Provider
	evaluator Evaluator
	workerID  string
}

func NewRuntime(store objectstore.Provider, evaluator Evaluator) *Runtime {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Runtime{
		store:     store,
		evaluator: evaluator,
		workerID:  fmt.Sprintf("%s-%s", host, rand.String(8)),
	}
}

// WorkerID returns the identity recorded on claimed statuses.
func (r *Runtime) WorkerID() string {
	return r.workerID
}

// Run fetches the envelope named by taskID and dispatches on its kind: a
// bootstrap envelope switches the runtime into the detached loop, anything
// else is evaluated once.
func (r *Runtime) Run(ctx context.Context, taskID string) error {
	envelope, err := r.fetchEnvelope(ctx, taskID)
	if err != nil {
		return err
	}
	if envelope.IsBootstrap() {
		if envelope.SessionID == "" {
			return fmt.Errorf("bootstrap envelope %s names no session", taskID)
		}
		return r.RunDetached(ctx, envelope.SessionID)
	}
	return r.RunOnce(ctx, envelope)
}

// RunOnce is the ephemeral flow: evaluate the envelope and upload the result.
// A failed evaluation still returns nil, because the result carries the
// error, so the container exits zero and a non-zero exit always means
// infrastructure.
func (r *Runtime) RunOnce(ctx context.Context, envelope *task.Envelope) error {
	result := r.evaluator.Evaluate(ctx, envelope)
	if err := r.putResult(ctx, envelope.TaskID, result); err != nil {
		return err
	}
	logging.FromContext(ctx).With("task-id", envelope.TaskID, "failed", result.IsError()).
		Infof("task evaluated")
	return nil
}

func (r *Runtime) fetchEnvelope(ctx context.Context, taskID string) (*task.Envelope, error) {
	data, _, err := r.store.Get(ctx, task.EnvelopeKey(taskID))
	if err != nil {
		return nil, err
	}
	envelope := &task.Envelope{}
	if err := blob.Decode(data, envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope of task %s, %w", taskID, err)
	}
	return envelope, nil
}

func (r *Runtime) putResult(ctx context.Context, taskID string, result *task.Result) error {
	data, err := blob.Encode(result)
	if err != nil {
		return err
	}
	_, err = r.store.Put(ctx, task.ResultKey(taskID), data)
	return err
}
