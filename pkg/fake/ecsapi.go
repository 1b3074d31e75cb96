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

package fake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// listTasksPageSize mirrors the service's ListTasks page cap.
const listTasksPageSize = 100

// ECSBehavior exposes per-call overrides for the container service double.
type ECSBehavior struct {
	RegisterTaskDefinitionBehavior      MockedFunction[ecs.RegisterTaskDefinitionInput, ecs.RegisterTaskDefinitionOutput]
	ListTaskDefinitionsBehavior         MockedFunction[ecs.ListTaskDefinitionsInput, ecs.ListTaskDefinitionsOutput]
	DescribeTaskDefinitionBehavior      MockedFunction[ecs.DescribeTaskDefinitionInput, ecs.DescribeTaskDefinitionOutput]
	RunTaskBehavior                     MockedFunction[ecs.RunTaskInput, ecs.RunTaskOutput]
	DescribeTasksBehavior               MockedFunction[ecs.DescribeTasksInput, ecs.DescribeTasksOutput]
	StopTaskBehavior                    MockedFunction[ecs.StopTaskInput, ecs.StopTaskOutput]
	ListTasksBehavior                   MockedFunction[ecs.ListTasksInput, ecs.ListTasksOutput]
	CreateClusterBehavior               MockedFunction[ecs.CreateClusterInput, ecs.CreateClusterOutput]
	DescribeClustersBehavior            MockedFunction[ecs.DescribeClustersInput, ecs.DescribeClustersOutput]
	CreateCapacityProviderBehavior      MockedFunction[ecs.CreateCapacityProviderInput, ecs.CreateCapacityProviderOutput]
	DescribeCapacityProvidersBehavior   MockedFunction[ecs.DescribeCapacityProvidersInput, ecs.DescribeCapacityProvidersOutput]
	PutClusterCapacityProvidersBehavior MockedFunction[ecs.PutClusterCapacityProvidersInput, ecs.PutClusterCapacityProvidersOutput]
}

// ECSAPI is an in-memory container service. Task definitions accumulate
// revisions per family, RunTask materializes PROVISIONING tasks that tests
// advance with MarkRunning and MarkStopped, and clusters carry their capacity
// providers and registered instance counts.
type ECSAPI struct {
	sdk.ECSAPI
	ECSBehavior

	mu                sync.Mutex
	taskDefs          map[string][]ecstypes.TaskDefinition
	tasks             map[string]*ecstypes.Task
	taskOrder         []string
	clusters          map[string]*ecstypes.Cluster
	capacityProviders map[string]ecstypes.CapacityProvider
}

// NewECSAPI returns a container service double with the default test cluster
// already provisioned.
func NewECSAPI() *ECSAPI {
	e := &ECSAPI{}
	e.resetState()
	return e
}

// Reset must be called between tests. The default cluster survives.
func (e *ECSAPI) Reset() {
	e.RegisterTaskDefinitionBehavior.Reset()
	e.ListTaskDefinitionsBehavior.Reset()
	e.DescribeTaskDefinitionBehavior.Reset()
	e.RunTaskBehavior.Reset()
	e.DescribeTasksBehavior.Reset()
	e.StopTaskBehavior.Reset()
	e.ListTasksBehavior.Reset()
	e.CreateClusterBehavior.Reset()
	e.DescribeClustersBehavior.Reset()
	e.CreateCapacityProviderBehavior.Reset()
	e.DescribeCapacityProvidersBehavior.Reset()
	e.PutClusterCapacityProvidersBehavior.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetState()
}

func (e *ECSAPI) resetState() {
	e.taskDefs = map[string][]ecstypes.TaskDefinition{}
	e.tasks = map[string]*ecstypes.Task{}
	e.taskOrder = nil
	e.clusters = map[string]*ecstypes.Cluster{}
	e.capacityProviders = map[string]ecstypes.CapacityProvider{}
	e.clusters[DefaultCluster] = &ecstypes.Cluster{
		ClusterArn:  aws.String(ClusterARN(DefaultCluster)),
		ClusterName: aws.String(DefaultCluster),
		Status:      aws.String("ACTIVE"),
	}
}

// Task returns the stored container task for arn.
func (e *ECSAPI) Task(arn string) (ecstypes.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[arn]
	if !ok {
		return ecstypes.Task{}, false
	}
	return *t, true
}

// TaskEnv returns the environment overrides a task was launched with.
func (e *ECSAPI) TaskEnv(arn string) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	env := map[string]string{}
	t, ok := e.tasks[arn]
	if !ok || t.Overrides == nil {
		return env
	}
	for _, override := range t.Overrides.ContainerOverrides {
		for _, kv := range override.Environment {
			env[aws.ToString(kv.Name)] = aws.ToString(kv.Value)
		}
	}
	return env
}

// StartedTaskARNs returns every launched task ARN in start order.
func (e *ECSAPI) StartedTaskARNs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.taskOrder...)
}

// MarkRunning advances tasks to RUNNING the way the service does once their
// containers start.
func (e *ECSAPI) MarkRunning(arns ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, arn := range arns {
		if t, ok := e.tasks[arn]; ok {
			t.LastStatus = aws.String("RUNNING")
			t.StartedAt = aws.Time(time.Now())
		}
	}
}

// MarkStopped retires tasks with the given reason, as the service does when
// their containers exit.
func (e *ECSAPI) MarkStopped(reason string, arns ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, arn := range arns {
		if t, ok := e.tasks[arn]; ok {
			t.LastStatus = aws.String("STOPPED")
			t.DesiredStatus = aws.String("STOPPED")
			t.StoppedReason = aws.String(reason)
			t.StoppedAt = aws.Time(time.Now())
		}
	}
}

// SetRegisteredInstances sets a cluster's registered container instance
// count, standing in for agents joining from pool instances.
func (e *ECSAPI) SetRegisteredInstances(cluster string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clusters[cluster]; ok {
		c.RegisteredContainerInstancesCount = int32(n)
	}
}

func (e *ECSAPI) RegisterTaskDefinition(_ context.Context, input *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	return e.RegisterTaskDefinitionBehavior.Invoke(input, func(input *ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		family := aws.ToString(input.Family)
		if family == "" {
			return nil, apiError("ClientException", "Family can not be blank.")
		}
		revision := len(e.taskDefs[family]) + 1
		td := ecstypes.TaskDefinition{
			TaskDefinitionArn:       aws.String(TaskDefinitionARN(family, revision)),
			Family:                  aws.String(family),
			Revision:                int32(revision),
			Status:                  ecstypes.TaskDefinitionStatusActive,
			ContainerDefinitions:    input.ContainerDefinitions,
			Cpu:                     input.Cpu,
			Memory:                  input.Memory,
			NetworkMode:             input.NetworkMode,
			RequiresCompatibilities: input.RequiresCompatibilities,
			RuntimePlatform:         input.RuntimePlatform,
			ExecutionRoleArn:        input.ExecutionRoleArn,
			TaskRoleArn:             input.TaskRoleArn,
			RegisteredAt:            aws.Time(time.Now()),
		}
		e.taskDefs[family] = append(e.taskDefs[family], td)
		return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &td}, nil
	})
}

func (e *ECSAPI) ListTaskDefinitions(_ context.Context, input *ecs.ListTaskDefinitionsInput, _ ...func(*ecs.Options)) (*ecs.ListTaskDefinitionsOutput, error) {
	return e.ListTaskDefinitionsBehavior.Invoke(input, func(input *ecs.ListTaskDefinitionsInput) (*ecs.ListTaskDefinitionsOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		status := input.Status
		if status == "" {
			status = ecstypes.TaskDefinitionStatusActive
		}
		families := lo.Keys(e.taskDefs)
		sort.Strings(families)
		var arns []string
		for _, family := range families {
			if prefix := aws.ToString(input.FamilyPrefix); prefix != "" && !strings.HasPrefix(family, prefix) {
				continue
			}
			for _, td := range e.taskDefs[family] {
				if td.Status == status {
					arns = append(arns, aws.ToString(td.TaskDefinitionArn))
				}
			}
		}
		if input.Sort == ecstypes.SortOrderDesc {
			arns = lo.Reverse(arns)
		}
		if max := int(aws.ToInt32(input.MaxResults)); max > 0 && len(arns) > max {
			arns = arns[:max]
		}
		return &ecs.ListTaskDefinitionsOutput{TaskDefinitionArns: arns}, nil
	})
}

func (e *ECSAPI) DescribeTaskDefinition(_ context.Context, input *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	return e.DescribeTaskDefinitionBehavior.Invoke(input, func(input *ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		td, ok := e.lookupTaskDefinition(aws.ToString(input.TaskDefinition))
		if !ok {
			return nil, apiError("ClientException", "Unable to describe task definition.")
		}
		return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: &td}, nil
	})
}

// lookupTaskDefinition resolves an ARN, family:revision, or bare family
// reference. Callers hold e.mu.
func (e *ECSAPI) lookupTaskDefinition(ref string) (ecstypes.TaskDefinition, bool) {
	name := ref
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	family, revision := name, 0
	if idx := strings.LastIndex(name, ":"); idx >= 0 {
		if rev, err := strconv.Atoi(name[idx+1:]); err == nil {
			family, revision = name[:idx], rev
		}
	}
	revs := e.taskDefs[family]
	if len(revs) == 0 {
		return ecstypes.TaskDefinition{}, false
	}
	if revision == 0 {
		return revs[len(revs)-1], true
	}
	if revision < 1 || revision > len(revs) {
		return ecstypes.TaskDefinition{}, false
	}
	return revs[revision-1], true
}

func (e *ECSAPI) RunTask(_ context.Context, input *ecs.RunTaskInput, _ ...func(*ecs.Options)) (*ecs.RunTaskOutput, error) {
	return e.RunTaskBehavior.Invoke(input, func(input *ecs.RunTaskInput) (*ecs.RunTaskOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		cluster := clusterNameOf(aws.ToString(input.Cluster))
		if cluster == "" {
			cluster = "default"
		}
		if _, ok := e.clusters[cluster]; !ok {
			return nil, apiError("ClusterNotFoundException", fmt.Sprintf("Cluster not found: %s", cluster))
		}
		count := int(aws.ToInt32(input.Count))
		if count <= 0 {
			count = 1
		}
		now := time.Now()
		out := &ecs.RunTaskOutput{}
		for i := 0; i < count; i++ {
			t := ecstypes.Task{
				TaskArn:           aws.String(ContainerTaskARN(cluster)),
				ClusterArn:        aws.String(ClusterARN(cluster)),
				TaskDefinitionArn: input.TaskDefinition,
				LastStatus:        aws.String("PROVISIONING"),
				DesiredStatus:     aws.String("RUNNING"),
				StartedBy:         input.StartedBy,
				Overrides:         input.Overrides,
				LaunchType:        input.LaunchType,
				CreatedAt:         aws.Time(now),
			}
			if len(input.CapacityProviderStrategy) > 0 {
				t.CapacityProviderName = input.CapacityProviderStrategy[0].CapacityProvider
			}
			stored := t
			e.tasks[aws.ToString(t.TaskArn)] = &stored
			e.taskOrder = append(e.taskOrder, aws.ToString(t.TaskArn))
			out.Tasks = append(out.Tasks, t)
		}
		return out, nil
	})
}

func (e *ECSAPI) DescribeTasks(_ context.Context, input *ecs.DescribeTasksInput, _ ...func(*ecs.Options)) (*ecs.DescribeTasksOutput, error) {
	return e.DescribeTasksBehavior.Invoke(input, func(input *ecs.DescribeTasksInput) (*ecs.DescribeTasksOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		out := &ecs.DescribeTasksOutput{}
		for _, ref := range input.Tasks {
			t, ok := e.tasks[ref]
			if !ok {
				out.Failures = append(out.Failures, ecstypes.Failure{
					Arn:    aws.String(ref),
					Reason: aws.String("MISSING"),
				})
				continue
			}
			out.Tasks = append(out.Tasks, *t)
		}
		return out, nil
	})
}

func (e *ECSAPI) StopTask(_ context.Context, input *ecs.StopTaskInput, _ ...func(*ecs.Options)) (*ecs.StopTaskOutput, error) {
	return e.StopTaskBehavior.Invoke(input, func(input *ecs.StopTaskInput) (*ecs.StopTaskOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		t, ok := e.tasks[aws.ToString(input.Task)]
		if !ok {
			return nil, apiError("ResourceNotFoundException", "The referenced task was not found.")
		}
		t.LastStatus = aws.String("STOPPED")
		t.DesiredStatus = aws.String("STOPPED")
		t.StoppedReason = input.Reason
		t.StoppedAt = aws.Time(time.Now())
		stopped := *t
		return &ecs.StopTaskOutput{Task: &stopped}, nil
	})
}

func (e *ECSAPI) ListTasks(_ context.Context, input *ecs.ListTasksInput, _ ...func(*ecs.Options)) (*ecs.ListTasksOutput, error) {
	return e.ListTasksBehavior.Invoke(input, func(input *ecs.ListTasksInput) (*ecs.ListTasksOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		cluster := clusterNameOf(aws.ToString(input.Cluster))
		if cluster == "" {
			cluster = "default"
		}
		var arns []string
		for _, arn := range e.taskOrder {
			t := e.tasks[arn]
			if aws.ToString(t.ClusterArn) != ClusterARN(cluster) {
				continue
			}
			if input.StartedBy != nil && aws.ToString(t.StartedBy) != aws.ToString(input.StartedBy) {
				continue
			}
			if input.DesiredStatus != "" && !strings.EqualFold(aws.ToString(t.DesiredStatus), string(input.DesiredStatus)) {
				continue
			}
			arns = append(arns, arn)
		}
		start := 0
		if input.NextToken != nil {
			start, _ = strconv.Atoi(aws.ToString(input.NextToken))
		}
		if start > len(arns) {
			start = len(arns)
		}
		size := listTasksPageSize
		if max := int(aws.ToInt32(input.MaxResults)); max > 0 && max < size {
			size = max
		}
		end := start + size
		out := &ecs.ListTasksOutput{}
		if end < len(arns) {
			out.NextToken = aws.String(strconv.Itoa(end))
		} else {
			end = len(arns)
		}
		out.TaskArns = arns[start:end]
		return out, nil
	})
}

func (e *ECSAPI) CreateCluster(_ context.Context, input *ecs.CreateClusterInput, _ ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error) {
	return e.CreateClusterBehavior.Invoke(input, func(input *ecs.CreateClusterInput) (*ecs.CreateClusterOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := aws.ToString(input.ClusterName)
		if name == "" {
			name = "default"
		}
		// Creating an existing cluster returns it unchanged.
		if c, ok := e.clusters[name]; ok {
			existing := *c
			return &ecs.CreateClusterOutput{Cluster: &existing}, nil
		}
		c := &ecstypes.Cluster{
			ClusterArn:  aws.String(ClusterARN(name)),
			ClusterName: aws.String(name),
			Status:      aws.String("ACTIVE"),
		}
		e.clusters[name] = c
		created := *c
		return &ecs.CreateClusterOutput{Cluster: &created}, nil
	})
}

func (e *ECSAPI) DescribeClusters(_ context.Context, input *ecs.DescribeClustersInput, _ ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	return e.DescribeClustersBehavior.Invoke(input, func(input *ecs.DescribeClustersInput) (*ecs.DescribeClustersOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		out := &ecs.DescribeClustersOutput{}
		for _, ref := range input.Clusters {
			c, ok := e.clusters[clusterNameOf(ref)]
			if !ok {
				out.Failures = append(out.Failures, ecstypes.Failure{
					Arn:    aws.String(ref),
					Reason: aws.String("MISSING"),
				})
				continue
			}
			cluster := *c
			cluster.RunningTasksCount = e.countTasks(clusterNameOf(ref), "RUNNING")
			cluster.PendingTasksCount = e.countTasks(clusterNameOf(ref), "PROVISIONING", "PENDING")
			out.Clusters = append(out.Clusters, cluster)
		}
		return out, nil
	})
}

// countTasks tallies tasks in a cluster by last status. Callers hold e.mu.
func (e *ECSAPI) countTasks(cluster string, statuses ...string) int32 {
	var n int32
	for _, t := range e.tasks {
		if aws.ToString(t.ClusterArn) != ClusterARN(cluster) {
			continue
		}
		if lo.Contains(statuses, aws.ToString(t.LastStatus)) {
			n++
		}
	}
	return n
}

func (e *ECSAPI) CreateCapacityProvider(_ context.Context, input *ecs.CreateCapacityProviderInput, _ ...func(*ecs.Options)) (*ecs.CreateCapacityProviderOutput, error) {
	return e.CreateCapacityProviderBehavior.Invoke(input, func(input *ecs.CreateCapacityProviderInput) (*ecs.CreateCapacityProviderOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		name := aws.ToString(input.Name)
		if _, ok := e.capacityProviders[name]; ok {
			return nil, apiError("ClientException", "The specified capacity provider already exists.")
		}
		cp := ecstypes.CapacityProvider{
			CapacityProviderArn:      aws.String(CapacityProviderARN(name)),
			Name:                     aws.String(name),
			Status:                   ecstypes.CapacityProviderStatusActive,
			AutoScalingGroupProvider: input.AutoScalingGroupProvider,
		}
		e.capacityProviders[name] = cp
		return &ecs.CreateCapacityProviderOutput{CapacityProvider: &cp}, nil
	})
}

func (e *ECSAPI) DescribeCapacityProviders(_ context.Context, input *ecs.DescribeCapacityProvidersInput, _ ...func(*ecs.Options)) (*ecs.DescribeCapacityProvidersOutput, error) {
	return e.DescribeCapacityProvidersBehavior.Invoke(input, func(input *ecs.DescribeCapacityProvidersInput) (*ecs.DescribeCapacityProvidersOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		names := input.CapacityProviders
		if len(names) == 0 {
			names = lo.Keys(e.capacityProviders)
			sort.Strings(names)
		}
		out := &ecs.DescribeCapacityProvidersOutput{}
		for _, name := range names {
			cp, ok := e.capacityProviders[name]
			if !ok {
				out.Failures = append(out.Failures, ecstypes.Failure{
					Arn:    aws.String(name),
					Reason: aws.String("MISSING"),
				})
				continue
			}
			out.CapacityProviders = append(out.CapacityProviders, cp)
		}
		return out, nil
	})
}

func (e *ECSAPI) PutClusterCapacityProviders(_ context.Context, input *ecs.PutClusterCapacityProvidersInput, _ ...func(*ecs.Options)) (*ecs.PutClusterCapacityProvidersOutput, error) {
	return e.PutClusterCapacityProvidersBehavior.Invoke(input, func(input *ecs.PutClusterCapacityProvidersInput) (*ecs.PutClusterCapacityProvidersOutput, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		c, ok := e.clusters[clusterNameOf(aws.ToString(input.Cluster))]
		if !ok {
			return nil, apiError("ClusterNotFoundException", "Cluster not found.")
		}
		for _, name := range input.CapacityProviders {
			if _, ok := e.capacityProviders[name]; !ok {
				return nil, apiError("InvalidParameterException",
					fmt.Sprintf("The capacity provider %q does not exist.", name))
			}
		}
		c.CapacityProviders = input.CapacityProviders
		cluster := *c
		return &ecs.PutClusterCapacityProvidersOutput{Cluster: &cluster}, nil
	})
}

// clusterNameOf accepts either a cluster name or its ARN.
func clusterNameOf(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}
