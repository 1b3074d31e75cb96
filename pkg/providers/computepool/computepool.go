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

// Package computepool manages the EC2 capacity behind Instance-backed
// clusters: a launch template, an auto scaling group bounded at the worker
// count, and a capacity provider associated with the cluster. All ensure
// operations are idempotent so repeated cluster construction converges on
// the same pool.
package computepool

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/aws/sdk"
	"github.com/cloudburst-labs/cloudburst/pkg/backoff"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/ami"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

const (
	// pollInterval paces readiness checks against both the scaling group and
	// the cluster's agent registrations.
	pollInterval = 5 * time.Second
	// poolTagKey marks resources owned by a pool so they can be found and
	// cleaned up out of band.
	poolTagKey = project.Name + "/cluster"
)

// Settings pins a pool's identity. Two configurations with equal settings
// share one pool.
type Settings struct {
	ClusterName     string
	InstanceType    string
	UseSpot         bool
	Architecture    config.Architecture
	MaxWorkers      int
	Subnets         []string
	SecurityGroups  []string
	InstanceProfile string
}

// PoolName derives the shared name of the launch template, scaling group,
// and capacity provider from the settings hash.
func (s Settings) PoolName() string {
	hash := lo.Must(hashstructure.Hash(s, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true}))
	return fmt.Sprintf("cloudburst-pool-%d", hash)
}

// SettingsFromConfig maps a cluster configuration onto a pool identity. Only
// Instance launches have one.
func SettingsFromConfig(cfg config.ClusterConfig) Settings {
	return Settings{
		ClusterName:     cfg.ClusterName,
		InstanceType:    cfg.InstanceType,
		UseSpot:         cfg.UseSpot,
		Architecture:    cfg.Architecture,
		MaxWorkers:      cfg.Workers,
		Subnets:         cfg.Subnets,
		SecurityGroups:  cfg.SecurityGroups,
		InstanceProfile: cfg.InstanceProfile,
	}
}

// PoolStatus is a point-in-time view of pool capacity.
type PoolStatus struct {
	Desired    int
	InService  int
	Registered int
}

// Provider manages instance capacity for one pool.
type Provider interface {
	// Name returns the pool's capacity provider name, valid before EnsurePool.
	Name() string
	EnsurePool(ctx context.Context) error
	ScaleTo(ctx context.Context, n int) error
	ScaleToZero(ctx context.Context) error
	Status(ctx context.Context) (*PoolStatus, error)
	WaitReady(ctx context.Context, n int, timeout time.Duration) error
	// Decommission removes the pool's scaling group and launch template.
	// Missing resources are tolerated, so it is safe to repeat.
	Decommission(ctx context.Context) error
}

type DefaultProvider struct {
	sync.Mutex
	ec2api      sdk.EC2API
	asgapi      sdk.AutoScalingAPI
	ecsapi      sdk.ECSAPI
	amiProvider ami.Provider
	settings    Settings
	policy      backoff.Policy
	ensured     bool
}

func NewDefaultProvider(ec2api sdk.EC2API, asgapi sdk.AutoScalingAPI, ecsapi sdk.ECSAPI, amiProvider ami.Provider, settings Settings) *DefaultProvider {
	return &DefaultProvider{
		ec2api:      ec2api,
		asgapi:      asgapi,
		ecsapi:      ecsapi,
		amiProvider: amiProvider,
		settings:    settings,
		policy:      backoff.ContainerService,
	}
}

func (p *DefaultProvider) Name() string {
	return p.settings.PoolName()
}

// EnsurePool converges the launch template, scaling group, and capacity
// provider. Safe to call repeatedly; existing resources are discovered, not
// recreated.
func (p *DefaultProvider) EnsurePool(ctx context.Context) error {
	p.Lock()
	defer p.Unlock()
	if p.ensured {
		return nil
	}
	name := p.settings.PoolName()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("pool-name", name))
	if err := p.ensureLaunchTemplate(ctx, name); err != nil {
		return err
	}
	asgARN, err := p.ensureAutoScalingGroup(ctx, name)
	if err != nil {
		return err
	}
	if err := p.ensureCapacityProvider(ctx, name, asgARN); err != nil {
		return err
	}
	p.ensured = true
	return nil
}

func (p *DefaultProvider) ensureLaunchTemplate(ctx context.Context, name string) error {
	out, err := p.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil && !errors.IsAWSNotFound(err) {
		return fmt.Errorf("describing launch template %q, %w", name, err)
	}
	if err == nil && len(out.LaunchTemplates) > 0 {
		logging.FromContext(ctx).Debugf("discovered launch template")
		return nil
	}
	return p.createLaunchTemplate(ctx, name)
}

func (p *DefaultProvider) createLaunchTemplate(ctx context.Context, name string) error {
	imageID, err := p.amiProvider.Resolve(ctx, p.settings.Architecture)
	if err != nil {
		return err
	}
	// The container agent joins the cluster named in its config file.
	userData := fmt.Sprintf("#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", p.settings.ClusterName)
	data := &ec2types.RequestLaunchTemplateData{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(p.settings.InstanceType),
		IamInstanceProfile: &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Name: aws.String(p.settings.InstanceProfile),
		},
		SecurityGroupIds: p.settings.SecurityGroups,
		UserData:         aws.String(base64.StdEncoding.EncodeToString([]byte(userData))),
	}
	if p.settings.UseSpot {
		data.InstanceMarketOptions = &ec2types.LaunchTemplateInstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.LaunchTemplateSpotMarketOptionsRequest{
				SpotInstanceType: ec2types.SpotInstanceTypeOneTime,
			},
		}
	}
	var out *ec2.CreateLaunchTemplateOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ec2api.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
			LaunchTemplateData: data,
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeLaunchTemplate,
				Tags:         []ec2types.Tag{{Key: aws.String(poolTagKey), Value: aws.String(p.settings.ClusterName)}},
			}},
		}); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating launch template %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	if out != nil && out.LaunchTemplate != nil {
		logging.FromContext(ctx).With("id", aws.ToString(out.LaunchTemplate.LaunchTemplateId)).
			Debugf("created launch template")
	}
	return nil
}

func (p *DefaultProvider) ensureAutoScalingGroup(ctx context.Context, name string) (string, error) {
	group, err := p.describeGroup(ctx, name)
	if err != nil {
		return "", err
	}
	if group != nil {
		logging.FromContext(ctx).Debugf("discovered auto scaling group")
		return aws.ToString(group.AutoScalingGroupARN), nil
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.asgapi.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			LaunchTemplate: &asgtypes.LaunchTemplateSpecification{
				LaunchTemplateName: aws.String(name),
				Version:            aws.String("$Latest"),
			},
			MinSize:           aws.Int32(0),
			MaxSize:           aws.Int32(int32(p.settings.MaxWorkers)),
			DesiredCapacity:   aws.Int32(0),
			VPCZoneIdentifier: aws.String(strings.Join(p.settings.Subnets, ",")),
			Tags: []asgtypes.Tag{{
				Key:               aws.String(poolTagKey),
				Value:             aws.String(p.settings.ClusterName),
				PropagateAtLaunch: aws.Bool(true),
			}},
		}); err != nil && !errors.IsAWSAlreadyExists(err) {
			return fmt.Errorf("creating auto scaling group %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return "", err
	}
	logging.FromContext(ctx).Debugf("created auto scaling group")
	// Create returns no body, so read the ARN back.
	if group, err = p.describeGroup(ctx, name); err != nil {
		return "", err
	}
	if group == nil {
		return "", fmt.Errorf("auto scaling group %q missing after create", name)
	}
	return aws.ToString(group.AutoScalingGroupARN), nil
}

func (p *DefaultProvider) describeGroup(ctx context.Context, name string) (*asgtypes.AutoScalingGroup, error) {
	var out *autoscaling.DescribeAutoScalingGroupsOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
			AutoScalingGroupNames: []string{name},
		}); err != nil {
			return fmt.Errorf("describing auto scaling group %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, nil
	}
	return &out.AutoScalingGroups[0], nil
}

func (p *DefaultProvider) ensureCapacityProvider(ctx context.Context, name, asgARN string) error {
	var out *ecs.DescribeCapacityProvidersOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if out, err = p.ecsapi.DescribeCapacityProviders(ctx, &ecs.DescribeCapacityProvidersInput{
			CapacityProviders: []string{name},
		}); err != nil {
			return fmt.Errorf("describing capacity provider %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	active := lo.ContainsBy(out.CapacityProviders, func(cp ecstypes.CapacityProvider) bool {
		return aws.ToString(cp.Name) == name && cp.Status == ecstypes.CapacityProviderStatusActive
	})
	if !active {
		if err := p.policy.Do(ctx, func() error {
			// Scaling stays under ScaleTo, not the service's managed scaling.
			if _, err := p.ecsapi.CreateCapacityProvider(ctx, &ecs.CreateCapacityProviderInput{
				Name: aws.String(name),
				AutoScalingGroupProvider: &ecstypes.AutoScalingGroupProvider{
					AutoScalingGroupArn:          aws.String(asgARN),
					ManagedScaling:               &ecstypes.ManagedScaling{Status: ecstypes.ManagedScalingStatusDisabled},
					ManagedTerminationProtection: ecstypes.ManagedTerminationProtectionDisabled,
				},
			}); err != nil && !errors.IsAWSAlreadyExists(err) {
				return fmt.Errorf("creating capacity provider %q, %w", name, err)
			}
			return nil
		}); err != nil {
			return err
		}
		logging.FromContext(ctx).Debugf("created capacity provider")
	}
	return p.policy.Do(ctx, func() error {
		if _, err := p.ecsapi.PutClusterCapacityProviders(ctx, &ecs.PutClusterCapacityProvidersInput{
			Cluster:           aws.String(p.settings.ClusterName),
			CapacityProviders: []string{name},
			DefaultCapacityProviderStrategy: []ecstypes.CapacityProviderStrategyItem{{
				CapacityProvider: aws.String(name),
				Weight:           1,
			}},
		}); err != nil {
			return fmt.Errorf("associating capacity provider %q with cluster %q, %w", name, p.settings.ClusterName, err)
		}
		return nil
	})
}

func (p *DefaultProvider) ScaleTo(ctx context.Context, n int) error {
	name := p.settings.PoolName()
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.asgapi.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
			AutoScalingGroupName: aws.String(name),
			DesiredCapacity:      aws.Int32(int32(n)),
			HonorCooldown:        aws.Bool(false),
		}); err != nil {
			return fmt.Errorf("scaling pool %q to %d, %w", name, n, err)
		}
		return nil
	}); err != nil {
		return err
	}
	logging.FromContext(ctx).With("pool-name", name, "desired", n).Debugf("scaled compute pool")
	return nil
}

func (p *DefaultProvider) ScaleToZero(ctx context.Context) error {
	return p.ScaleTo(ctx, 0)
}

func (p *DefaultProvider) Status(ctx context.Context) (*PoolStatus, error) {
	group, err := p.describeGroup(ctx, p.settings.PoolName())
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, errors.NewNotFound(fmt.Errorf("pool %q does not exist", p.settings.PoolName()))
	}
	var clusters *ecs.DescribeClustersOutput
	if err := p.policy.Do(ctx, func() error {
		var err error
		if clusters, err = p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{
			Clusters: []string{p.settings.ClusterName},
		}); err != nil {
			return fmt.Errorf("describing cluster %q, %w", p.settings.ClusterName, err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	registered := 0
	if len(clusters.Clusters) > 0 {
		registered = int(clusters.Clusters[0].RegisteredContainerInstancesCount)
	}
	return &PoolStatus{
		Desired: int(lo.FromPtr(group.DesiredCapacity)),
		InService: lo.CountBy(group.Instances, func(i asgtypes.Instance) bool {
			return i.LifecycleState == asgtypes.LifecycleStateInService
		}),
		Registered: registered,
	}, nil
}

// Decommission shrinks the pool to zero and deletes its scaling group and
// launch template. The capacity provider is left behind: the service has no
// unconditional delete for providers still referenced by a cluster, and an
// orphaned provider with no group is inert and free.
func (p *DefaultProvider) Decommission(ctx context.Context) error {
	p.Lock()
	defer p.Unlock()
	name := p.settings.PoolName()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With("pool-name", name))
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			MinSize:              aws.Int32(0),
			MaxSize:              aws.Int32(0),
			DesiredCapacity:      aws.Int32(0),
		}); err != nil && !errors.IsAWSNotFound(err) {
			return fmt.Errorf("shrinking auto scaling group %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.asgapi.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(name),
			ForceDelete:          aws.Bool(true),
		}); err != nil && !errors.IsAWSNotFound(err) {
			return fmt.Errorf("deleting auto scaling group %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	if err := p.policy.Do(ctx, func() error {
		if _, err := p.ec2api.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
			LaunchTemplateName: aws.String(name),
		}); err != nil && !errors.IsAWSNotFound(err) {
			return fmt.Errorf("deleting launch template %q, %w", name, err)
		}
		return nil
	}); err != nil {
		return err
	}
	p.ensured = false
	logging.FromContext(ctx).Infof("decommissioned compute pool")
	return nil
}

// WaitReady blocks until at least n instances are both in service in the
// scaling group and registered with the cluster's container agent pool.
func (p *DefaultProvider) WaitReady(ctx context.Context, n int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, err := p.Status(ctx)
		if err == nil && status.InService >= n && status.Registered >= n {
			logging.FromContext(ctx).With("pool-name", p.settings.PoolName(), "instances", n).
				Debugf("compute pool ready")
			return nil
		}
		// Instances registering for the first time report NotFound until the
		// group exists; anything else non-contextual is a real failure.
		if err != nil && ctx.Err() == nil && !errors.IsNotFound(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.TimedOutError{Op: fmt.Sprintf("waiting for %d pool instances", n), Timeout: timeout}
		case <-ticker.C:
		}
	}
}
