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

// Package plan is the canonical backend factory. New builds the shared SDK
// clients and every provider exactly once; ephemeral clusters and detached
// sessions are thin compositions over the resulting Backend. No state lives
// at package level, so two backends in one process never interfere.
package plan

import (
	"context"
	"fmt"
	"time"

	"github.com/imdario/mergo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	awsclients "github.com/cloudburst-labs/cloudburst/pkg/aws"
	"github.com/cloudburst-labs/cloudburst/pkg/dispatch"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/ami"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/instancetype"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/interruption"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/objectstore"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/quota"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/taskdef"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/workerlog"
	"github.com/cloudburst-labs/cloudburst/pkg/session"
	"github.com/cloudburst-labs/cloudburst/pkg/setup"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

// poolReadyTimeout bounds how long session construction waits for instance
// pool capacity before launching workers.
const poolReadyTimeout = 2 * time.Minute

// Backend bundles the providers every operation shares. It is bound to one
// region and one bucket; per-call configurations may vary sizing and launch
// parameters but not that identity.
type Backend struct {
	Clients       *awsclients.Clients
	Store         objectstore.Provider
	Runner        containerservice.Provider
	TaskDefs      taskdef.Provider
	AMIs          ami.Provider
	InstanceTypes instancetype.Provider
	Quotas        quota.Provider
	Interrupts    *interruption.Provider
	WorkerLogs    workerlog.Provider
	Sessions      *session.Client
	Setup         *setup.Provider

	base config.ClusterConfig
}

// DefaultBucketName is the conventional bucket for an account and region.
// Bucket names are global, so the convention carries both.
func DefaultBucketName(accountID, region string) string {
	return fmt.Sprintf("%s-%s-%s", project.Name, accountID, region)
}

// New validates cfg, connects to its region, and builds a Backend on it.
// Validation runs before any service call, so an invalid configuration never
// touches the account.
func New(ctx context.Context, cfg config.ClusterConfig) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clients, err := awsclients.NewClients(ctx, cfg.Region)
	if err != nil {
		return nil, err
	}
	return NewFromClients(ctx, cfg, clients)
}

// NewFromClients is New with injected service clients. Identity that cfg
// leaves blank is resolved here, once: the account id, the conventional
// bucket and role names that setup mints, and the default worker image.
// Network discovery waits until a launch needs it, so read-only operations
// work in accounts without a default VPC.
func NewFromClients(ctx context.Context, cfg config.ClusterConfig, clients *awsclients.Clients) (*Backend, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupProvider := setup.NewProvider(clients)
	if cfg.AccountID == "" {
		accountID, err := setupProvider.AccountID(ctx)
		if err != nil {
			return nil, err
		}
		cfg.AccountID = accountID
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucketName(cfg.AccountID, cfg.Region)
	}
	if cfg.ExecutionRoleARN == "" {
		cfg.ExecutionRoleARN = roleARN(cfg.AccountID, setup.ExecutionRoleName)
	}
	if cfg.TaskRoleARN == "" {
		cfg.TaskRoleARN = roleARN(cfg.AccountID, setup.TaskRoleName)
	}
	if cfg.LaunchKind == config.LaunchInstance && cfg.InstanceProfile == "" {
		cfg.InstanceProfile = setup.InstanceProfileName
	}
	if cfg.ImageRef == "" {
		cfg.ImageRef = fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com/%s:latest",
			cfg.AccountID, cfg.Region, setup.RepositoryName)
	}
	store := objectstore.NewDefaultProvider(clients.S3, cfg.Bucket)
	runner := containerservice.NewDefaultProvider(clients.ECS)
	logging.FromContext(ctx).With("region", cfg.Region, "bucket", cfg.Bucket).Debugf("constructed backend")
	return &Backend{
		Clients:       clients,
		Store:         store,
		Runner:        runner,
		TaskDefs:      taskdef.NewDefaultProvider(clients.ECS, clients.Logs, cfg.Region, cfg.ExecutionRoleARN, cfg.TaskRoleARN),
		AMIs:          ami.NewDefaultProvider(clients.SSM),
		InstanceTypes: instancetype.NewDefaultProvider(clients.EC2),
		Quotas:        quota.NewDefaultProvider(clients.Quotas),
		Interrupts:    interruption.NewProvider(clients.SQS, ""),
		WorkerLogs:    workerlog.NewDefaultProvider(clients.Logs),
		Sessions:      session.NewClient(store, runner),
		Setup:         setupProvider,
		base:          cfg,
	}, nil
}

// Config returns the backend's resolved base configuration.
func (b *Backend) Config() config.ClusterConfig {
	return b.base
}

// NewCluster builds an ephemeral dispatch cluster. Serverless clusters read
// the observed vCPU quota to pick direct or wave scheduling; Instance
// clusters get a compute pool handle, warmed lazily on first submit. The
// caller owns the cluster and must Close it.
func (b *Backend) NewCluster(ctx context.Context, cfg config.ClusterConfig) (*dispatch.Cluster, error) {
	cfg, err := b.prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}
	opts := dispatch.Options{
		Config: cfg,
		Store:  b.Store,
		Runner: b.Runner,
	}
	var capacityProvider string
	switch cfg.LaunchKind {
	case config.LaunchServerless:
		if opts.VCPUQuota, err = b.Quotas.ObservedVCPUQuota(ctx); err != nil {
			return nil, err
		}
	case config.LaunchInstance:
		pool := b.pool(cfg)
		opts.Pool = pool
		capacityProvider = pool.Name()
		if cfg.UseSpot {
			opts.Interrupts = b.Interrupts
		}
	}
	if opts.RunInput, err = b.runInput(ctx, cfg, capacityProvider); err != nil {
		return nil, err
	}
	return dispatch.NewCluster(ctx, opts)
}

// NewSession creates a detached session and launches its workers. Instance
// sessions warm their pool first so the containers have somewhere to land;
// the session outlives this process either way.
func (b *Backend) NewSession(ctx context.Context, cfg config.SessionConfig) (*session.Session, error) {
	prepared, err := b.prepare(ctx, cfg.ClusterConfig)
	if err != nil {
		return nil, err
	}
	cfg.ClusterConfig = prepared
	if cfg.AbsoluteTimeout == 0 {
		cfg.AbsoluteTimeout = config.DefaultSessionConfig().AbsoluteTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// A session launches all of its workers at once and has no wave scheduler
	// to absorb quota pressure, so an over-quota request fails here instead of
	// at the container service.
	if cfg.LaunchKind == config.LaunchServerless {
		vcpuQuota, err := b.Quotas.ObservedVCPUQuota(ctx)
		if err != nil {
			return nil, err
		}
		if requested := cfg.CPUUnits * float64(cfg.Workers); requested > vcpuQuota {
			return nil, errors.QuotaExceededError{Requested: requested, Quota: vcpuQuota}
		}
	}
	var capacityProvider string
	if cfg.LaunchKind == config.LaunchInstance {
		pool := b.pool(cfg.ClusterConfig)
		if err := pool.EnsurePool(ctx); err != nil {
			return nil, err
		}
		if err := pool.ScaleTo(ctx, cfg.Workers); err != nil {
			return nil, err
		}
		if err := pool.WaitReady(ctx, cfg.Workers, poolReadyTimeout); err != nil {
			return nil, err
		}
		capacityProvider = pool.Name()
	}
	in, err := b.runInput(ctx, cfg.ClusterConfig, capacityProvider)
	if err != nil {
		return nil, err
	}
	sess, err := b.Sessions.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Workers > 0 {
		if _, err := sess.Workers(ctx, in, cfg.Workers); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// Attach reattaches to an existing session by id.
func (b *Backend) Attach(ctx context.Context, sessionID string) (*session.Session, error) {
	return b.Sessions.Attach(ctx, sessionID)
}

// ListSessions enumerates every session in the backend's bucket.
func (b *Backend) ListSessions(ctx context.Context) ([]session.Summary, error) {
	return b.Sessions.List(ctx)
}

// CleanupSession winds down a session by id, including terminated and expired
// sessions that Attach refuses.
func (b *Backend) CleanupSession(ctx context.Context, sessionID string, stopWorkers, force bool) error {
	return b.Sessions.Cleanup(ctx, sessionID, stopWorkers, force)
}

// AddWorkers launches n more workers for an attached session from its
// recorded backend block. Instance sessions place onto the capacity provider
// recorded at creation; the pool itself is not rescaled here, because the
// pool identity is only known to holders of the original configuration.
func (b *Backend) AddWorkers(ctx context.Context, sess *session.Session, n int) ([]containerservice.StartedTask, error) {
	in, err := b.SessionRunInput(ctx, sess.Manifest().Backend)
	if err != nil {
		return nil, err
	}
	return sess.Workers(ctx, in, n)
}

// SessionRunInput rebuilds the worker launch input from a session's recorded
// backend block. The sizing tuple re-resolves to the same task definition
// family, so reattached launches and original launches are indistinguishable.
func (b *Backend) SessionRunInput(ctx context.Context, backend task.ManifestBackend) (containerservice.RunInput, error) {
	if backend.Bucket != b.base.Bucket || backend.Region != b.base.Region {
		return containerservice.RunInput{}, errors.NewConfigInvalid(
			fmt.Errorf("session lives in %s/%s but the backend is bound to %s/%s",
				backend.Region, backend.Bucket, b.base.Region, b.base.Bucket))
	}
	arn, err := b.TaskDefs.ResolveOrCreate(ctx, taskdef.Key{
		ImageRef:     backend.ImageRef,
		CPUUnits:     backend.CPUUnits,
		MemoryGB:     backend.MemoryGB,
		LaunchKind:   config.LaunchKind(backend.LaunchKind),
		Architecture: config.Architecture(backend.Architecture),
	})
	if err != nil {
		return containerservice.RunInput{}, err
	}
	return containerservice.RunInput{
		ClusterName:       backend.ClusterName,
		TaskDefinitionARN: arn,
		LaunchKind:        config.LaunchKind(backend.LaunchKind),
		CapacityProvider:  backend.CapacityProvider,
		Subnets:           backend.Subnets,
		SecurityGroups:    backend.SecurityGroups,
		Bucket:            backend.Bucket,
		Region:            backend.Region,
	}, nil
}

// Pool returns the compute pool handle for cfg's identity, resolved against
// the backend. Only Instance launches have one.
func (b *Backend) Pool(ctx context.Context, cfg config.ClusterConfig) (computepool.Provider, error) {
	cfg, err := b.prepare(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.LaunchKind != config.LaunchInstance {
		return nil, errors.NewConfigInvalid(fmt.Errorf("launch kind %s has no compute pool", cfg.LaunchKind))
	}
	return b.pool(cfg), nil
}

// resolve fills cfg's unset fields from the backend's resolved base and
// rejects identity changes the backend cannot honor.
func (b *Backend) resolve(cfg config.ClusterConfig) (config.ClusterConfig, error) {
	if err := mergo.Merge(&cfg, b.base); err != nil {
		return cfg, fmt.Errorf("merging backend configuration, %w", err)
	}
	if cfg.Region != b.base.Region {
		return cfg, errors.NewConfigInvalid(fmt.Errorf(
			"region %q differs from the backend's %q; construct a new backend to change regions", cfg.Region, b.base.Region))
	}
	if cfg.Bucket != b.base.Bucket {
		return cfg, errors.NewConfigInvalid(fmt.Errorf(
			"bucket %q differs from the backend's %q; construct a new backend to change buckets", cfg.Bucket, b.base.Bucket))
	}
	return cfg, nil
}

// prepare resolves and validates cfg, discovers the network when none is
// configured, and, for Instance launch, derives sizing and architecture from
// the instance type's hardware spec.
func (b *Backend) prepare(ctx context.Context, cfg config.ClusterConfig) (config.ClusterConfig, error) {
	cfg, err := b.resolve(cfg)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if len(cfg.Subnets) == 0 {
		network, err := b.Setup.DiscoverNetwork(ctx)
		if err != nil {
			return cfg, err
		}
		cfg.Subnets = network.Subnets
		if len(cfg.SecurityGroups) == 0 {
			cfg.SecurityGroups = network.SecurityGroups
		}
	}
	if cfg.LaunchKind == config.LaunchInstance {
		spec, err := b.InstanceTypes.Get(ctx, cfg.InstanceType)
		if err != nil {
			return cfg, err
		}
		if cfg.UseSpot && !spec.SpotSupported {
			return cfg, errors.NewConfigInvalid(fmt.Errorf("instance type %s has no spot market", spec.Name))
		}
		cfg.Architecture = spec.Architecture
		cfg.ApplyInstanceSpec(spec.VCPUs, spec.MemoryGiB)
	}
	return cfg, nil
}

// runInput assembles the launch input shared by every worker of one cluster
// or session. The task definition is resolved, registering a revision only
// when no compatible one exists.
func (b *Backend) runInput(ctx context.Context, cfg config.ClusterConfig, capacityProvider string) (containerservice.RunInput, error) {
	arn, err := b.TaskDefs.ResolveOrCreate(ctx, taskdef.Key{
		ImageRef:     cfg.ImageRef,
		CPUUnits:     cfg.CPUUnits,
		MemoryGB:     cfg.MemoryGB,
		LaunchKind:   cfg.LaunchKind,
		Architecture: cfg.Architecture,
	})
	if err != nil {
		return containerservice.RunInput{}, err
	}
	return containerservice.RunInput{
		ClusterName:       cfg.ClusterName,
		TaskDefinitionARN: arn,
		LaunchKind:        cfg.LaunchKind,
		CapacityProvider:  capacityProvider,
		Subnets:           cfg.Subnets,
		SecurityGroups:    cfg.SecurityGroups,
		Bucket:            cfg.Bucket,
		Region:            cfg.Region,
	}, nil
}

func (b *Backend) pool(cfg config.ClusterConfig) computepool.Provider {
	return computepool.NewDefaultProvider(b.Clients.EC2, b.Clients.AutoScaling, b.Clients.ECS, b.AMIs,
		computepool.SettingsFromConfig(cfg))
}

func roleARN(accountID, name string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, name)
}
