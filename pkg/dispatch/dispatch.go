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

// Package dispatch owns the ephemeral cluster: an in-memory table of
// futures, the wave scheduler that keeps concurrent dispatch under the
// observed vCPU quota, result resolution by polling the object store, and
// the warm-pool lifecycle for instance-backed workers. All cluster state is
// process-local; nothing here survives the owning process, which is what
// separates an ephemeral cluster from a detached session.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/interruption"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/pricing"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

const (
	// tickInterval paces the background scheduler in addition to the ticks
	// driven by submits and resolve checks.
	tickInterval = 2 * time.Second
	// resultPollInterval paces Result's existence checks.
	resultPollInterval = 2 * time.Second
	// poolReadyTimeout bounds the first submission's wait for warm capacity.
	poolReadyTimeout = 120 * time.Second
)

// FutureState tracks a future through the ephemeral lifecycle. Queued exists
// only under wave scheduling; claimed belongs to the detached flow and is
// never seen here.
type FutureState string

const (
	FutureCreated   FutureState = "created"
	FutureQueued    FutureState = "queued"
	FutureRunning   FutureState = "running"
	FutureCompleted FutureState = "completed"
)

// Future is one submitted task's handle. Futures live in the cluster's
// index-keyed table and hold no reference back to it; the done channel is
// the only completion signal.
type Future struct {
	TaskID string

	// The remaining fields are guarded by the owning cluster's mutex.
	state        FutureState
	taskARN      string
	dispatchedAt time.Time
	completedAt  time.Time
	result       *task.Result
	err          error
	done         chan struct{}
}

// Done is closed when the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Input is one task submission.
type Input struct {
	Expr     blob.Raw
	Globals  blob.Raw
	Packages []string
	Seed     blob.Raw
}

// Summary reports aggregate dispatch progress and estimated spend.
type Summary struct {
	Mode           string
	WorkersPerWave int
	Submitted      int
	Completed      int
	Failed         int
	Waves          int
	Pending        int
	InFlight       int
	CostUSD        float64
}

// Options wires a cluster. VCPUQuota is the quota observed at construction;
// the scheduling mode is decided here and never revisited.
type Options struct {
	Config     config.ClusterConfig
	RunInput   containerservice.RunInput
	Store      objectstore.Provider
	Runner     containerservice.Provider
	Pool       computepool.Provider
	Interrupts *interruption.Provider
	VCPUQuota  float64
}

// Cluster is the ephemeral dispatcher. One background goroutine drives
// scheduling; public methods mutate state only under the mutex and perform
// store and container-service calls outside it.
type Cluster struct {
	cfg      config.ClusterConfig
	runInput containerservice.RunInput
	store    objectstore.Provider
	runner   containerservice.Provider
	pool     computepool.Provider

	quotaLimited   bool
	workersPerWave int
	taskHourlyUSD  float64

	mu       sync.Mutex
	futures  map[string]*Future
	pending  []string
	inFlight map[string]struct{}
	taskARNs map[string]string
	closed   bool

	waveIndex      int
	submittedCount int
	completedCount int
	failedCount    int
	costUSD        float64

	poolMu        sync.Mutex
	poolStartedAt time.Time

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCluster decides the scheduling mode from the observed quota and starts
// the scheduler. The caller owns the returned cluster and must Close it.
func NewCluster(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Config.LaunchKind == config.LaunchInstance && opts.Pool == nil {
		return nil, errors.NewConfigInvalid(fmt.Errorf("instance launch requires a compute pool"))
	}
	c := &Cluster{
		cfg:           opts.Config,
		runInput:      opts.RunInput,
		store:         opts.Store,
		runner:        opts.Runner,
		pool:          opts.Pool,
		taskHourlyUSD: taskHourlyUSD(opts.Config),
		futures:       map[string]*Future{},
		inFlight:      map[string]struct{}{},
		taskARNs:      map[string]string{},
		kick:          make(chan struct{}, 1),
	}
	log := logging.FromContext(ctx).With("cluster-name", opts.Config.ClusterName)
	requested := opts.Config.CPUUnits * float64(opts.Config.Workers)
	if opts.Config.LaunchKind == config.LaunchServerless && requested > opts.VCPUQuota {
		c.quotaLimited = true
		c.workersPerWave = int(opts.VCPUQuota / opts.Config.CPUUnits)
		if c.workersPerWave < 1 {
			// A single worker per wave still makes progress when even one
			// task exceeds the observed quota.
			c.workersPerWave = 1
		}
		log.With("requested-vcpus", requested, "quota-vcpus", opts.VCPUQuota, "workers-per-wave", c.workersPerWave).
			Infof("requested concurrency exceeds quota, engaging wave scheduling")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(runCtx)
	if opts.Config.LaunchKind == config.LaunchInstance && opts.Config.UseSpot && opts.Interrupts != nil {
		c.wg.Add(1)
		go c.watchInterruptions(runCtx, opts.Interrupts)
	}
	log.With("mode", c.mode(), "workers", opts.Config.Workers).Debugf("created ephemeral cluster")
	return c, nil
}

func (c *Cluster) mode() string {
	return lo.Ternary(c.quotaLimited, "wave", "direct")
}

// Submit uploads the task envelope and either launches a worker immediately
// or queues the task for the next wave.
func (c *Cluster) Submit(ctx context.Context, in Input) (*Future, error) {
	env := task.Envelope{
		TaskID:   task.NewID(),
		Expr:     in.Expr,
		Globals:  in.Globals,
		Packages: in.Packages,
		Seed:     in.Seed,
	}
	data, err := blob.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope for task %s, %w", env.TaskID, err)
	}
	if _, err := c.store.Put(ctx, task.EnvelopeKey(env.TaskID), data); err != nil {
		return nil, err
	}
	f := &Future{TaskID: env.TaskID, state: FutureCreated, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("cluster %q is closed", c.cfg.ClusterName)
	}
	c.futures[f.TaskID] = f
	c.submittedCount++
	c.mu.Unlock()
	metrics.TasksSubmitted.WithLabelValues(c.mode()).Inc()

	if c.quotaLimited {
		c.mu.Lock()
		f.state = FutureQueued
		c.pending = append(c.pending, f.TaskID)
		c.mu.Unlock()
		c.nudge()
		logging.FromContext(ctx).With("task-id", f.TaskID).Debugf("queued task")
		return f, nil
	}

	if err := c.warmPool(ctx); err != nil {
		c.discard(f)
		return nil, err
	}
	started, err := c.runner.RunWorker(ctx, c.runInput, f.TaskID)
	if err != nil {
		c.discard(f)
		return nil, err
	}
	c.mu.Lock()
	f.state = FutureRunning
	f.taskARN = started.ARN
	f.dispatchedAt = time.Now()
	c.taskARNs[f.TaskID] = started.ARN
	c.mu.Unlock()
	metrics.TasksRunning.Inc()
	return f, nil
}

// Map submits every input and blocks for every result, preserving input
// order. The first submission or resolution error aborts the rest.
func (c *Cluster) Map(ctx context.Context, inputs []Input) ([]*task.Result, error) {
	futures := make([]*Future, len(inputs))
	for i, in := range inputs {
		f, err := c.Submit(ctx, in)
		if err != nil {
			return nil, err
		}
		futures[i] = f
	}
	results := make([]*task.Result, len(futures))
	for i, f := range futures {
		result, err := c.Result(ctx, f)
		if err != nil {
			return nil, err
		}
		results[i] = result
	}
	return results, nil
}

// Resolved reports whether f's result exists, without blocking beyond one
// existence check. A positive check also drives the scheduler so wave
// progress does not wait for the next timer tick.
func (c *Cluster) Resolved(ctx context.Context, f *Future) (bool, error) {
	c.mu.Lock()
	state := f.state
	c.mu.Unlock()
	if state == FutureCompleted {
		return true, nil
	}
	ok, _, err := c.store.Head(ctx, task.ResultKey(f.TaskID))
	if err != nil {
		return false, err
	}
	c.nudge()
	if !ok {
		return false, nil
	}
	c.complete(f.TaskID)
	return true, nil
}

// Result blocks until f resolves or the per-task timeout elapses, then
// downloads and decodes the result envelope, caching it on the future. A
// failure envelope surfaces as a TaskFailed error; the container is not
// stopped on timeout.
func (c *Cluster) Result(ctx context.Context, f *Future) (*task.Result, error) {
	c.mu.Lock()
	cached, ferr := f.result, f.err
	c.mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	if cached != nil {
		return resultOrError(f.TaskID, cached)
	}

	timeout := time.NewTimer(c.cfg.Timeout)
	defer timeout.Stop()
	poll := time.NewTicker(resultPollInterval)
	defer poll.Stop()
	for {
		resolved, err := c.Resolved(ctx, f)
		if err != nil {
			return nil, err
		}
		if resolved {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		case <-timeout.C:
			return nil, errors.TimedOutError{Op: fmt.Sprintf("waiting for result of task %s", f.TaskID), Timeout: c.cfg.Timeout}
		case <-poll.C:
		}
	}

	c.mu.Lock()
	ferr = f.err
	c.mu.Unlock()
	if ferr != nil {
		return nil, ferr
	}
	data, _, err := c.store.Get(ctx, task.ResultKey(f.TaskID))
	if err != nil {
		return nil, err
	}
	result := &task.Result{}
	if err := blob.Decode(data, result); err != nil {
		return nil, fmt.Errorf("decoding result of task %s, %w", f.TaskID, err)
	}
	c.mu.Lock()
	first := f.result == nil
	f.result = result
	if first && result.IsError() {
		c.failedCount++
	}
	c.mu.Unlock()
	if first {
		metrics.TasksCompleted.WithLabelValues(c.mode(), lo.Ternary(result.IsError(), "failed", "ok")).Inc()
	}
	return resultOrError(f.TaskID, result)
}

// Summary returns a snapshot of aggregate progress.
func (c *Cluster) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Summary{
		Mode:           c.mode(),
		WorkersPerWave: c.workersPerWave,
		Submitted:      c.submittedCount,
		Completed:      c.completedCount,
		Failed:         c.failedCount,
		Waves:          c.waveIndex,
		Pending:        len(c.pending),
		InFlight:       len(c.inFlight),
		CostUSD:        c.costUSD,
	}
}

// Close stops the scheduler, best-effort stops still-running containers,
// and scales the pool to zero once the warm window has lapsed. Idempotent.
func (c *Cluster) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var running []string
	for tid, f := range c.futures {
		if f.state == FutureRunning {
			running = append(running, c.taskARNs[tid])
		}
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()

	var errs error
	for _, arn := range running {
		if err := c.runner.StopTask(ctx, c.runInput.ClusterName, arn, "cluster closed"); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	log := logging.FromContext(ctx).With("cluster-name", c.cfg.ClusterName)
	c.poolMu.Lock()
	poolStartedAt := c.poolStartedAt
	c.poolMu.Unlock()
	if c.cfg.LaunchKind == config.LaunchInstance && !poolStartedAt.IsZero() {
		if time.Since(poolStartedAt) > c.cfg.WarmPoolTimeout {
			if err := c.pool.ScaleToZero(ctx); err != nil {
				errs = multierr.Append(errs, err)
			} else {
				log.Debugf("scaled compute pool to zero")
			}
		} else {
			log.With("warm-remaining", c.cfg.WarmPoolTimeout-time.Since(poolStartedAt)).
				Debugf("leaving compute pool warm")
		}
	}
	summary := c.Summary()
	log.With("completed", summary.Completed, "failed", summary.Failed, "waves", summary.Waves,
		"cost-usd", fmt.Sprintf("%.4f", summary.CostUSD)).Infof("closed ephemeral cluster")
	return errs
}

// warmPool pays the pool start exactly once, on the first submission.
// Later submissions reuse the warm capacity.
func (c *Cluster) warmPool(ctx context.Context) error {
	if c.cfg.LaunchKind != config.LaunchInstance {
		return nil
	}
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if !c.poolStartedAt.IsZero() {
		return nil
	}
	if err := c.pool.EnsurePool(ctx); err != nil {
		return err
	}
	if err := c.pool.ScaleTo(ctx, c.cfg.Workers); err != nil {
		return err
	}
	if err := c.pool.WaitReady(ctx, c.cfg.Workers, poolReadyTimeout); err != nil {
		return err
	}
	c.poolStartedAt = time.Now()
	logging.FromContext(ctx).With("workers", c.cfg.Workers).Infof("compute pool warmed")
	return nil
}

func (c *Cluster) run(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		c.tick(ctx)
	}
}

func (c *Cluster) watchInterruptions(ctx context.Context, interrupts *interruption.Provider) {
	defer c.wg.Done()
	exists, err := interrupts.QueueExists(ctx)
	if err != nil || !exists {
		if err != nil && ctx.Err() == nil {
			logging.FromContext(ctx).Warnf("checking interruption queue, %s", err)
		}
		return
	}
	// Warnings are advisory; the interrupted task resurfaces through its
	// missing result and the per-task timeout.
	interrupts.Watch(ctx, func(interruption.Warning) {})
}

// nudge schedules a tick without blocking; a tick already pending absorbs
// the signal.
func (c *Cluster) nudge() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// tick prunes resolved in-flight futures, then opens the next wave when the
// current one has fully drained.
func (c *Cluster) tick(ctx context.Context) {
	c.prune(ctx)
	c.dispatchWave(ctx)
}

func (c *Cluster) prune(ctx context.Context) {
	c.mu.Lock()
	inflight := lo.Keys(c.inFlight)
	c.mu.Unlock()
	for _, tid := range inflight {
		ok, _, err := c.store.Head(ctx, task.ResultKey(tid))
		if err != nil {
			// Next tick retries; transient store trouble must not wedge the
			// wave.
			logging.FromContext(ctx).With("task-id", tid).Debugf("checking result, %s", err)
			continue
		}
		if ok {
			c.complete(tid)
		}
	}
}

func (c *Cluster) dispatchWave(ctx context.Context) {
	c.mu.Lock()
	if !c.quotaLimited || c.closed || len(c.inFlight) > 0 || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	n := min(c.workersPerWave, len(c.pending))
	batch := c.pending[:n]
	c.pending = c.pending[n:]
	c.waveIndex++
	wave := c.waveIndex
	// The batch joins in-flight before any launch call so the wave boundary
	// holds even while launches are still in progress.
	for _, tid := range batch {
		c.inFlight[tid] = struct{}{}
	}
	c.mu.Unlock()
	metrics.WavesDispatched.Inc()
	log := logging.FromContext(ctx).With("wave", wave, "size", len(batch))
	log.Infof("dispatching wave")
	for _, tid := range batch {
		started, err := c.runner.RunWorker(ctx, c.runInput, tid)
		c.mu.Lock()
		f := c.futures[tid]
		if err != nil {
			f.err = err
			f.state = FutureCompleted
			delete(c.inFlight, tid)
			c.mu.Unlock()
			close(f.done)
			log.Errorf("launching worker for task %s, %s", tid, err)
			continue
		}
		f.state = FutureRunning
		f.taskARN = started.ARN
		f.dispatchedAt = time.Now()
		c.taskARNs[tid] = started.ARN
		c.mu.Unlock()
		metrics.TasksRunning.Inc()
	}
}

// complete marks a future resolved. Idempotent; callers may race from the
// scheduler and from Resolved.
func (c *Cluster) complete(tid string) {
	c.mu.Lock()
	f := c.futures[tid]
	if f == nil || f.state == FutureCompleted {
		c.mu.Unlock()
		return
	}
	f.state = FutureCompleted
	f.completedAt = time.Now()
	duration := f.completedAt.Sub(f.dispatchedAt)
	cost := pricing.PerTaskCost(c.taskHourlyUSD, duration)
	delete(c.inFlight, tid)
	c.completedCount++
	c.costUSD += cost
	c.mu.Unlock()
	metrics.TasksRunning.Dec()
	metrics.TaskDuration.Observe(duration.Seconds())
	metrics.CostUSD.Add(cost)
	close(f.done)
}

// discard removes a future whose launch never happened.
func (c *Cluster) discard(f *Future) {
	c.mu.Lock()
	delete(c.futures, f.TaskID)
	c.submittedCount--
	c.mu.Unlock()
}

func resultOrError(tid string, r *task.Result) (*task.Result, error) {
	if r.IsError() {
		return nil, errors.TaskFailedError{TaskID: tid, Message: r.Message, Stdout: r.Stdout, Traceback: r.Traceback}
	}
	return r, nil
}

// taskHourlyUSD prices one worker-hour. Instance workers are sized to fill
// their instance, so the instance price stands in for the task price; an
// unlisted type prices at zero rather than guessing.
func taskHourlyUSD(cfg config.ClusterConfig) float64 {
	if cfg.LaunchKind == config.LaunchInstance {
		if cfg.UseSpot {
			if price, ok := pricing.SpotPrice(cfg.InstanceType); ok {
				return price
			}
		}
		price, _ := pricing.OnDemandPrice(cfg.InstanceType)
		return price
	}
	return pricing.FargateTaskPrice(cfg.CPUUnits, cfg.MemoryGB, cfg.Architecture, cfg.UseSpot)
}
