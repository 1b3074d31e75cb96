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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
)

// AutoScalingBehavior exposes per-call overrides for the scaling group double.
type AutoScalingBehavior struct {
	CreateAutoScalingGroupBehavior    MockedFunction[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateAutoScalingGroupBehavior    MockedFunction[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DescribeAutoScalingGroupsBehavior MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	SetDesiredCapacityBehavior        MockedFunction[autoscaling.SetDesiredCapacityInput, autoscaling.SetDesiredCapacityOutput]
	DeleteAutoScalingGroupBehavior    MockedFunction[autoscaling.DeleteAutoScalingGroupInput, autoscaling.DeleteAutoScalingGroupOutput]
}

// AutoScalingAPI is an in-memory scaling group service. Capacity changes
// materialize instantly: setting desired capacity fills or trims the group's
// InService instances in the same call.
type AutoScalingAPI struct {
	sdk.AutoScalingAPI
	AutoScalingBehavior

	mu     sync.Mutex
	groups map[string]*asgtypes.AutoScalingGroup
}

func NewAutoScalingAPI() *AutoScalingAPI {
	return &AutoScalingAPI{groups: map[string]*asgtypes.AutoScalingGroup{}}
}

// Reset must be called between tests.
func (a *AutoScalingAPI) Reset() {
	a.CreateAutoScalingGroupBehavior.Reset()
	a.UpdateAutoScalingGroupBehavior.Reset()
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.SetDesiredCapacityBehavior.Reset()
	a.DeleteAutoScalingGroupBehavior.Reset()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = map[string]*asgtypes.AutoScalingGroup{}
}

// Group returns the stored scaling group by name.
func (a *AutoScalingAPI) Group(name string) (asgtypes.AutoScalingGroup, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	group, ok := a.groups[name]
	if !ok {
		return asgtypes.AutoScalingGroup{}, false
	}
	return *group, true
}

func (a *AutoScalingAPI) CreateAutoScalingGroup(_ context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	return a.CreateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		name := aws.ToString(input.AutoScalingGroupName)
		if _, ok := a.groups[name]; ok {
			return nil, apiError("AlreadyExists", fmt.Sprintf("AutoScalingGroup by this name already exists - A group with the name %s already exists", name))
		}
		group := &asgtypes.AutoScalingGroup{
			AutoScalingGroupName: input.AutoScalingGroupName,
			AutoScalingGroupARN:  aws.String(AutoScalingGroupARN(name)),
			MinSize:              input.MinSize,
			MaxSize:              input.MaxSize,
			DesiredCapacity:      input.DesiredCapacity,
			LaunchTemplate:       input.LaunchTemplate,
			VPCZoneIdentifier:    input.VPCZoneIdentifier,
			CreatedTime:          aws.Time(time.Now()),
		}
		fillInstances(group)
		a.groups[name] = group
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) UpdateAutoScalingGroup(_ context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	return a.UpdateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		group, ok := a.groups[aws.ToString(input.AutoScalingGroupName)]
		if !ok {
			return nil, groupNotFoundError(aws.ToString(input.AutoScalingGroupName))
		}
		if input.MinSize != nil {
			group.MinSize = input.MinSize
		}
		if input.MaxSize != nil {
			group.MaxSize = input.MaxSize
		}
		if input.DesiredCapacity != nil {
			group.DesiredCapacity = input.DesiredCapacity
		}
		// The service keeps desired within the updated bounds.
		if aws.ToInt32(group.DesiredCapacity) > aws.ToInt32(group.MaxSize) {
			group.DesiredCapacity = group.MaxSize
		}
		if aws.ToInt32(group.DesiredCapacity) < aws.ToInt32(group.MinSize) {
			group.DesiredCapacity = group.MinSize
		}
		fillInstances(group)
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	})
}

func (a *AutoScalingAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		names := input.AutoScalingGroupNames
		if len(names) == 0 {
			for name := range a.groups {
				names = append(names, name)
			}
			sort.Strings(names)
		}
		out := &autoscaling.DescribeAutoScalingGroupsOutput{}
		// Unknown names are skipped, not failed; the service returns an
		// empty list for groups that do not exist.
		for _, name := range names {
			if group, ok := a.groups[name]; ok {
				out.AutoScalingGroups = append(out.AutoScalingGroups, *group)
			}
		}
		return out, nil
	})
}

func (a *AutoScalingAPI) SetDesiredCapacity(_ context.Context, input *autoscaling.SetDesiredCapacityInput, _ ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error) {
	return a.SetDesiredCapacityBehavior.Invoke(input, func(input *autoscaling.SetDesiredCapacityInput) (*autoscaling.SetDesiredCapacityOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		group, ok := a.groups[aws.ToString(input.AutoScalingGroupName)]
		if !ok {
			return nil, groupNotFoundError(aws.ToString(input.AutoScalingGroupName))
		}
		desired := aws.ToInt32(input.DesiredCapacity)
		if desired < aws.ToInt32(group.MinSize) || desired > aws.ToInt32(group.MaxSize) {
			return nil, apiError("ValidationError", fmt.Sprintf(
				"New SetDesiredCapacity value %d is outside min %d and max %d",
				desired, aws.ToInt32(group.MinSize), aws.ToInt32(group.MaxSize)))
		}
		group.DesiredCapacity = input.DesiredCapacity
		fillInstances(group)
		return &autoscaling.SetDesiredCapacityOutput{}, nil
	})
}

func (a *AutoScalingAPI) DeleteAutoScalingGroup(_ context.Context, input *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	return a.DeleteAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		name := aws.ToString(input.AutoScalingGroupName)
		group, ok := a.groups[name]
		if !ok {
			return nil, groupNotFoundError(name)
		}
		if !aws.ToBool(input.ForceDelete) && len(group.Instances) > 0 {
			return nil, apiError("ResourceInUse", fmt.Sprintf(
				"You cannot delete an AutoScalingGroup while there are instances still in the group - %s", name))
		}
		delete(a.groups, name)
		return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
	})
}

// groupNotFoundError is the ValidationError shape the service reports missing
// groups with.
func groupNotFoundError(name string) error {
	return apiError("ValidationError", fmt.Sprintf("AutoScalingGroup name not found - %s", name))
}

// fillInstances converges a group's instance list on its desired capacity,
// all InService. Callers hold the owning mutex.
func fillInstances(group *asgtypes.AutoScalingGroup) {
	desired := int(aws.ToInt32(group.DesiredCapacity))
	for len(group.Instances) < desired {
		group.Instances = append(group.Instances, asgtypes.Instance{
			InstanceId:       aws.String("i-" + randomHex(17)),
			LifecycleState:   asgtypes.LifecycleStateInService,
			HealthStatus:     aws.String("Healthy"),
			AvailabilityZone: aws.String(DefaultRegion + "a"),
		})
	}
	if len(group.Instances) > desired {
		group.Instances = group.Instances[:desired]
	}
}
