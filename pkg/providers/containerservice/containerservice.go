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

// Package containerservice launches and manages worker containers. Ephemeral
// and detached modes share one launch path: every container gets exactly the
// three-entry environment of the contract, and detached workers learn their
// session from a bootstrap envelope rather than a fourth variable.
package containerservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/metrics"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

// ContainerName is the single container of every worker task definition.
const ContainerName = "worker"

// describeBatchSize is the service's cap on task ARNs per describe call.
const describeBatchSize = 100

// RunInput carries everything one worker launch needs besides its task id.
type RunInput struct {
	ClusterName       string
	TaskDefinitionARN string
	LaunchKind        config.LaunchKind
	// CapacityProvider selects the warm pool for Instance launches.
	CapacityProvider string
	Subnets          []string
	SecurityGroups   []string
	Bucket           string
	Region           string
}

// StartedTask identifies one launched container task.
type StartedTask struct {
	ARN    string
	TaskID string
}

// TaskInfo is the describe-time view of a worker container.
type TaskInfo struct {
	ARN        string
	LastStatus string
	TaskID     string
	StoppedAt  string
}

// Provider is the container-service surface the backend runs on.
type Provider interface {
	// RunWorker starts one worker container that will process the given task
	// id. A service-side failure entry is a LaunchRejected error.
	RunWorker(ctx context.Context, in RunInput, taskID string) (StartedTask, error)
	// RunWorkers starts one container per task id.
	RunWorkers(ctx context.Context, in RunInput, taskIDs []string) ([]StartedTask, error)
	// StopTask stops one container task, best-effort.
	StopTask(ctx context.Context, clusterName, arn, reason string) error
	// DescribeTasks returns describe-time info for the given task ARNs.
	DescribeTasks(ctx context.Context, clusterName string, arns []string) ([]TaskInfo, error)
	// ListSessionWorkers returns the running containers whose TASK_ID
	// override contains the session id. The substring filter is a documented
	// consequence of the unified launch path.
	ListSessionWorkers(ctx context.Context, clusterName, sessionID string) ([]TaskInfo, error)
	// FindWorker locates the container whose TASK_ID override equals taskID,
	// checking running containers before stopped ones.
	FindWorker(ctx context.Context, clusterName, taskID string) (*TaskInfo, error)
}

type DefaultProvider struct {
	ecsapi sdk.ECSAPI
	policy backoff.Policy
}

func NewDefaultProvider(ecsapi sdk.ECSAPI) *DefaultProvider {
	return &DefaultProvider{
		ecsapi: ecsapi,
		policy: backoff.ContainerService,
	}
}

func (p *DefaultProvider) RunWorker(ctx context.Context, in RunInput, taskID string) (StartedTask, error) {
	input := &ecs.RunTaskInput{
		Cluster:        aws.String(in.ClusterName),
		TaskDefinition: aws.String(in.TaskDefinitionARN),
		Count:          aws.Int32(1),
		StartedBy:      aws.String(project.Name),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        in.Subnets,
				SecurityGroups: in.SecurityGroups,
				// Serverless workers need a public address for egress to the
				// object store; pool instances route through their VPC.
				AssignPublicIp: lo.Ternary(in.LaunchKind == config.LaunchServerless,
					ecstypes.AssignPublicIpEnabled, ecstypes.AssignPublicIpDisabled),
			},
		},
		Overrides: &ecstypes.TaskOverride{
			ContainerOverrides: []ecstypes.ContainerOverride{{
				Name: aws.String(ContainerName),
				Environment: []ecstypes.KeyValuePair{
					{Name: aws.String(task.EnvTaskID), Value: aws.String(taskID)},
					{Name: aws.String(task.EnvBucket), Value: aws.String(in.Bucket)},
					{Name: aws.String(task.EnvRegion), Value: aws.String(in.Region)},
				},
			}},
		},
	}
	if in.LaunchKind == config.LaunchInstance {
		input.CapacityProviderStrategy = []ecstypes.CapacityProviderStrategyItem{{
			CapacityProvider: aws.String(in.CapacityProvider),
			Weight:           1,
		}}
	} else {
		input.LaunchType = ecstypes.LaunchTypeFargate
	}

	var out *ecs.RunTaskOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ecsapi.RunTask(ctx, input); err != nil {
			return fmt.Errorf("running task %q, %w", taskID, err)
		}
		return nil
	}); err != nil {
		return StartedTask{}, err
	}
	if len(out.Failures) > 0 {
		failure := out.Failures[0]
		return StartedTask{}, errors.LaunchRejectedError{
			Reason: aws.ToString(failure.Reason),
			Detail: aws.ToString(failure.Detail),
		}
	}
	if len(out.Tasks) == 0 {
		return StartedTask{}, errors.LaunchRejectedError{Reason: "no task started"}
	}
	metrics.WorkersLaunched.WithLabelValues(string(in.LaunchKind)).Inc()
	logging.FromContext(ctx).With("task-id", taskID, "container-task-arn", aws.ToString(out.Tasks[0].TaskArn)).
		Debugf("launched worker container")
	return StartedTask{ARN: aws.ToString(out.Tasks[0].TaskArn), TaskID: taskID}, nil
}

func (p *DefaultProvider) RunWorkers(ctx context.Context, in RunInput, taskIDs []string) ([]StartedTask, error) {
	started := make([]StartedTask, 0, len(taskIDs))
	for _, tid := range taskIDs {
		st, err := p.RunWorker(ctx, in, tid)
		if err != nil {
			return started, err
		}
		started = append(started, st)
	}
	return started, nil
}

func (p *DefaultProvider) StopTask(ctx context.Context, clusterName, arn, reason string) error {
	return p.policy.Do(ctx, func() error {
		if _, err := p.ecsapi.StopTask(ctx, &ecs.StopTaskInput{
			Cluster: aws.String(clusterName),
			Task:    aws.String(arn),
			Reason:  aws.String(reason),
		}); err != nil {
			if errors.IsAWSNotFound(err) {
				return nil
			}
			return fmt.Errorf("stopping task %q, %w", arn, err)
		}
		return nil
	})
}

func (p *DefaultProvider) DescribeTasks(ctx context.Context, clusterName string, arns []string) ([]TaskInfo, error) {
	var infos []TaskInfo
	for _, batch := range lo.Chunk(arns, describeBatchSize) {
		var out *ecs.DescribeTasksOutput
		if err := p.policy.Do(ctx, func() error {
			var err error
			if out, err = p.ecsapi.DescribeTasks(ctx, &ecs.DescribeTasksInput{
				Cluster: aws.String(clusterName),
				Tasks:   batch,
			}); err != nil {
				return fmt.Errorf("describing %d tasks, %w", len(batch), err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
		infos = append(infos, lo.Map(out.Tasks, func(t ecstypes.Task, _ int) TaskInfo {
			return toTaskInfo(t)
		})...)
	}
	return infos, nil
}

func (p *DefaultProvider) ListSessionWorkers(ctx context.Context, clusterName, sessionID string) ([]TaskInfo, error) {
	arns, err := p.listTaskARNs(ctx, clusterName, ecstypes.DesiredStatusRunning)
	if err != nil {
		return nil, err
	}
	if len(arns) == 0 {
		return nil, nil
	}
	infos, err := p.DescribeTasks(ctx, clusterName, arns)
	if err != nil {
		return nil, err
	}
	return lo.Filter(infos, func(info TaskInfo, _ int) bool {
		return strings.Contains(info.TaskID, sessionID)
	}), nil
}

func (p *DefaultProvider) FindWorker(ctx context.Context, clusterName, taskID string) (*TaskInfo, error) {
	// Stopped tasks linger in describe results for about an hour, long enough
	// to read the logs of a worker that already exited.
	for _, desired := range []ecstypes.DesiredStatus{ecstypes.DesiredStatusRunning, ecstypes.DesiredStatusStopped} {
		arns, err := p.listTaskARNs(ctx, clusterName, desired)
		if err != nil {
			return nil, err
		}
		if len(arns) == 0 {
			continue
		}
		infos, err := p.DescribeTasks(ctx, clusterName, arns)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if info.TaskID == taskID {
				return lo.ToPtr(info), nil
			}
		}
	}
	return nil, errors.NewNotFound(fmt.Errorf("no worker container for task %s", taskID))
}

func (p *DefaultProvider) listTaskARNs(ctx context.Context, clusterName string, desired ecstypes.DesiredStatus) ([]string, error) {
	var arns []string
	var next *string
	for {
		var out *ecs.ListTasksOutput
		if err := p.policy.Do(ctx, func() error {
			var err error
			if out, err = p.ecsapi.ListTasks(ctx, &ecs.ListTasksInput{
				Cluster:       aws.String(clusterName),
				StartedBy:     aws.String(project.Name),
				DesiredStatus: desired,
				NextToken:     next,
			}); err != nil {
				return fmt.Errorf("listing tasks in cluster %q, %w", clusterName, err)
			}
			return nil
		}); err != nil {
			return nil, err
		}
		arns = append(arns, out.TaskArns...)
		if next = out.NextToken; next == nil {
			break
		}
	}
	return arns, nil
}

func toTaskInfo(t ecstypes.Task) TaskInfo {
	info := TaskInfo{
		ARN:        aws.ToString(t.TaskArn),
		LastStatus: aws.ToString(t.LastStatus),
	}
	if t.StoppedAt != nil {
		info.StoppedAt = t.StoppedAt.String()
	}
	if t.Overrides == nil {
		return info
	}
	for _, override := range t.Overrides.ContainerOverrides {
		for _, kv := range override.Environment {
			if aws.ToString(kv.Name) == task.EnvTaskID {
				info.TaskID = aws.ToString(kv.Value)
			}
		}
	}
	return info
}
