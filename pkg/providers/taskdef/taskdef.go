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

// Package taskdef resolves worker task definitions idempotently: identical
// sizing tuples map to one family whose newest compatible revision is reused,
// and a new revision is registered only when nothing compatible exists. The
// vCPU→cpu-unit and GB→MiB encodings live here and nowhere else.
package taskdef

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/mitchellh/hashstructure/v2"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
)

const (
	// LogGroup receives every worker container's output.
	LogGroup = "/cloudburst/tasks"
	// logRetentionDays bounds how long worker output is kept.
	logRetentionDays = 14
	// maxRevisionLookback bounds how many active revisions are checked for
	// compatibility before a new one is registered.
	maxRevisionLookback = 10
)

// Key is the sizing tuple a task definition is resolved by.
type Key struct {
	ImageRef     string
	CPUUnits     float64
	MemoryGB     float64
	LaunchKind   config.LaunchKind
	Architecture config.Architecture
}

// Family returns the definition family name for k. Equal tuples hash to the
// same family.
func (k Key) Family() string {
	hash := lo.Must(hashstructure.Hash(k, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true}))
	return fmt.Sprintf("cloudburst-%d", hash)
}

// Provider resolves sizing tuples to task definition ARNs.
type Provider interface {
	ResolveOrCreate(ctx context.Context, key Key) (string, error)
}

type DefaultProvider struct {
	sync.Mutex
	ecsapi           sdk.ECSAPI
	logsapi          sdk.LogsAPI
	region           string
	executionRoleARN string
	taskRoleARN      string
	cache            *cache.Cache
	policy           backoff.Policy
	logGroupReady    bool
}

func NewDefaultProvider(ecsapi sdk.ECSAPI, logsapi sdk.LogsAPI, region, executionRoleARN, taskRoleARN string) *DefaultProvider {
	return &DefaultProvider{
		ecsapi:           ecsapi,
		logsapi:          logsapi,
		region:           region,
		executionRoleARN: executionRoleARN,
		taskRoleARN:      taskRoleARN,
		cache:            cache.New(time.Hour, 10*time.Minute),
		policy:           backoff.ContainerService,
	}
}

// ResolveOrCreate returns the ARN of a task definition compatible with key,
// registering a new revision only when no active one matches.
func (p *DefaultProvider) ResolveOrCreate(ctx context.Context, key Key) (string, error) {
	p.Lock()
	defer p.Unlock()
	family := key.Family()
	if arn, ok := p.cache.Get(family); ok {
		return arn.(string), nil
	}
	arn, err := p.resolveExisting(ctx, key, family)
	if err != nil {
		return "", err
	}
	if arn == "" {
		if arn, err = p.register(ctx, key, family); err != nil {
			return "", err
		}
		logging.FromContext(ctx).With("family", family, "task-definition-arn", arn).
			Debugf("registered task definition")
	}
	p.cache.SetDefault(family, arn)
	return arn, nil
}

func (p *DefaultProvider) resolveExisting(ctx context.Context, key Key, family string) (string, error) {
	var out *ecs.ListTaskDefinitionsOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ecsapi.ListTaskDefinitions(ctx, &ecs.ListTaskDefinitionsInput{
			FamilyPrefix: aws.String(family),
			Status:       ecstypes.TaskDefinitionStatusActive,
			Sort:         ecstypes.SortOrderDesc,
			MaxResults:   aws.Int32(maxRevisionLookback),
		}); err != nil {
			return fmt.Errorf("listing task definitions for family %q, %w", family, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	for _, arn := range out.TaskDefinitionArns {
		var describe *ecs.DescribeTaskDefinitionOutput
		if err := p.policy.Do(ctx, func() error {
			var err error
			if describe, err = p.ecsapi.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
				TaskDefinition: aws.String(arn),
			}); err != nil {
				return fmt.Errorf("describing task definition %q, %w", arn, err)
			}
			return nil
		}); err != nil {
			return "", err
		}
		if compatible(key, describe.TaskDefinition) {
			return aws.ToString(describe.TaskDefinition.TaskDefinitionArn), nil
		}
	}
	return "", nil
}

func (p *DefaultProvider) register(ctx context.Context, key Key, family string) (string, error) {
	if err := p.ensureLogGroup(ctx); err != nil {
		return "", err
	}
	input := &ecs.RegisterTaskDefinitionInput{
		Family: aws.String(family),
		Cpu:    aws.String(cpuUnitsOf(key.CPUUnits)),
		Memory: aws.String(memoryMiBOf(key.MemoryGB)),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      aws.String("worker"),
			Image:     aws.String(key.ImageRef),
			Essential: aws.Bool(true),
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         LogGroup,
					"awslogs-region":        p.region,
					"awslogs-stream-prefix": family,
				},
			},
		}},
		NetworkMode: ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{
			lo.Ternary(key.LaunchKind == config.LaunchServerless, ecstypes.CompatibilityFargate, ecstypes.CompatibilityEc2),
		},
		RuntimePlatform: &ecstypes.RuntimePlatform{
			CpuArchitecture:       ecstypes.CPUArchitecture(key.Architecture),
			OperatingSystemFamily: ecstypes.OSFamilyLinux,
		},
		ExecutionRoleArn: aws.String(p.executionRoleARN),
		TaskRoleArn:      aws.String(p.taskRoleARN),
	}
	var out *ecs.RegisterTaskDefinitionOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ecsapi.RegisterTaskDefinition(ctx, input); err != nil {
			return fmt.Errorf("registering task definition family %q, %w", family, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	return aws.ToString(out.TaskDefinition.TaskDefinitionArn), nil
}

func (p *DefaultProvider) ensureLogGroup(ctx context.Context) error {
	if p.logGroupReady {
		return nil
	}
	err := p.policy.Do(ctx, func() error {
		if _, err := p.logsapi.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(LogGroup),
		}); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating log group %q, %w", LogGroup, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	err = p.policy.Do(ctx, func() error {
		if _, err := p.logsapi.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(LogGroup),
			RetentionInDays: aws.Int32(logRetentionDays),
		}); err != nil {
			return fmt.Errorf("setting retention on log group %q, %w", LogGroup, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.logGroupReady = true
	return nil
}

// compatible reports whether td can serve key: image, cpu, memory, and
// launch compatibility must match, plus the cpu architecture for Instance
// launches.
func compatible(key Key, td *ecstypes.TaskDefinition) bool {
	if td == nil || len(td.ContainerDefinitions) == 0 {
		return false
	}
	if aws.ToString(td.ContainerDefinitions[0].Image) != key.ImageRef {
		return false
	}
	if aws.ToString(td.Cpu) != cpuUnitsOf(key.CPUUnits) || aws.ToString(td.Memory) != memoryMiBOf(key.MemoryGB) {
		return false
	}
	want := lo.Ternary(key.LaunchKind == config.LaunchServerless, ecstypes.CompatibilityFargate, ecstypes.CompatibilityEc2)
	if !lo.Contains(td.RequiresCompatibilities, want) {
		return false
	}
	if key.LaunchKind == config.LaunchInstance {
		if td.RuntimePlatform == nil || td.RuntimePlatform.CpuArchitecture != ecstypes.CPUArchitecture(key.Architecture) {
			return false
		}
	}
	return true
}

// cpuUnitsOf encodes a vCPU allotment in the service's thousandths-of-a-vCPU
// units (1 vCPU = 1024 units).
func cpuUnitsOf(cpu float64) string {
	return strconv.Itoa(int(cpu * 1024))
}

// memoryMiBOf encodes gigabytes in mebibytes.
func memoryMiBOf(memoryGB float64) string {
	return strconv.Itoa(int(memoryGB * 1024))
}
