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

// Package config defines the cluster and session configuration surface,
// its defaults, parsing, and validation.
package config

import (
	"fmt"
	"time"

	"github.com/imdario/mergo"
	"go.uber.org/multierr"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/env"
)

// MaxWorkers bounds the concurrent worker count of one cluster. Values above
// it are a fatal configuration error, not a clamp.
const MaxWorkers = 500

// LaunchKind selects how worker containers are hosted.
type LaunchKind string

const (
	// LaunchServerless runs workers on the container service's serverless
	// capacity with public egress to the object store.
	LaunchServerless LaunchKind = "Serverless"
	// LaunchInstance runs workers on a warm pool of instances behind a
	// capacity provider, without public addresses.
	LaunchInstance LaunchKind = "Instance"
)

// Architecture names the worker CPU architecture in the container service's
// vocabulary.
type Architecture string

const (
	ArchitectureX8664 Architecture = "X86_64"
	ArchitectureARM64 Architecture = "ARM64"
)

// ClusterConfig describes one ephemeral cluster or the backend block of a
// detached session.
type ClusterConfig struct {
	// Workers is the desired concurrent worker count, 1..MaxWorkers.
	Workers int
	// CPUUnits is the vCPU allotment per worker from the serverless CPU set.
	// For Instance launch it is derived from the instance spec, never
	// user-supplied.
	CPUUnits float64
	// MemoryGB is the memory per worker. For Instance launch it is derived
	// from the instance spec.
	MemoryGB float64
	Region   string
	// Timeout is the per-task end-to-end result wait budget.
	Timeout    time.Duration
	LaunchKind LaunchKind
	// InstanceType is required for Instance launch and determines the
	// architecture and the derived CPU/memory sizing.
	InstanceType string
	UseSpot      bool
	// WarmPoolTimeout is how long an instance pool stays warm after cluster
	// teardown before it is scaled to zero.
	WarmPoolTimeout time.Duration
	Architecture    Architecture
	ImageRef        string
	Bucket          string
	ClusterName     string
	Subnets         []string
	SecurityGroups  []string
	AccountID       string
	// ExecutionRoleARN and TaskRoleARN are taken from configuration and not
	// computed; setup can mint and fill them.
	ExecutionRoleARN string
	TaskRoleARN      string
	// InstanceProfile names the instance profile attached to pool instances.
	// Only Instance launch reads it.
	InstanceProfile string
}

// SessionConfig configures a detached session: a cluster backend plus a
// lifetime cap.
type SessionConfig struct {
	ClusterConfig
	// AbsoluteTimeout caps the session lifetime. Reattaching after the
	// deadline is refused and workers self-exit past it.
	AbsoluteTimeout time.Duration
}

// DefaultConfig returns the configuration used where the caller is silent.
func DefaultConfig() ClusterConfig {
	return ClusterConfig{
		Workers:         2,
		CPUUnits:        1,
		MemoryGB:        2,
		Region:          env.WithDefaultString("AWS_REGION", env.WithDefaultString("AWS_DEFAULT_REGION", "us-east-1")),
		Timeout:         5 * time.Minute,
		LaunchKind:      LaunchServerless,
		WarmPoolTimeout: 10 * time.Minute,
		Architecture:    ArchitectureX8664,
		ClusterName:     "cloudburst",
	}
}

// WithDefaults returns c with unset fields filled from DefaultConfig.
func (c ClusterConfig) WithDefaults() ClusterConfig {
	defaults := DefaultConfig()
	// mergo.Merge only writes zero-valued destination fields.
	if err := mergo.Merge(&c, defaults); err != nil {
		panic(fmt.Sprintf("merging configuration defaults, %s", err))
	}
	return c
}

// Validate enforces the construction invariants. It returns a ConfigInvalid
// error aggregating every violation.
func (c ClusterConfig) Validate() error {
	var errs error
	if c.Workers < 1 || c.Workers > MaxWorkers {
		errs = multierr.Append(errs, fmt.Errorf("workers must be in 1..%d, got %d", MaxWorkers, c.Workers))
	}
	switch c.LaunchKind {
	case LaunchServerless:
		if !ValidCPU(c.CPUUnits) {
			errs = multierr.Append(errs, fmt.Errorf("cpu must be one of %v, got %g", ValidCPUs(), c.CPUUnits))
		} else if err := CheckMemoryCompatible(c.CPUUnits, c.MemoryGB); err != nil {
			errs = multierr.Append(errs, err)
		}
	case LaunchInstance:
		if c.InstanceType == "" {
			errs = multierr.Append(errs, fmt.Errorf("instance launch requires an instance type"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("launch kind must be %s or %s, got %q", LaunchServerless, LaunchInstance, c.LaunchKind))
	}
	if c.Architecture != ArchitectureX8664 && c.Architecture != ArchitectureARM64 {
		errs = multierr.Append(errs, fmt.Errorf("architecture must be %s or %s, got %q", ArchitectureX8664, ArchitectureARM64, c.Architecture))
	}
	return errors.NewConfigInvalid(errs)
}

// ApplyInstanceSpec derives CPUUnits and MemoryGB from an instance spec:
// the largest valid CPU allotment that fits the instance's vCPUs, and the
// instance memory less half a gigabyte reserved for the agent and OS.
func (c *ClusterConfig) ApplyInstanceSpec(vcpus int, memoryGiB float64) {
	c.CPUUnits = LargestCPUWithin(vcpus)
	c.MemoryGB = memoryGiB - 0.5
}

// Validate enforces the session construction invariants.
func (c SessionConfig) Validate() error {
	var errs error
	if err := c.ClusterConfig.Validate(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.AbsoluteTimeout <= 0 {
		errs = multierr.Append(errs, errors.NewConfigInvalid(fmt.Errorf("absolute timeout must be positive, got %s", c.AbsoluteTimeout)))
	}
	return errs
}

// DefaultSessionConfig returns the session configuration used where the
// caller is silent.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ClusterConfig:   DefaultConfig(),
		AbsoluteTimeout: 24 * time.Hour,
	}
}
