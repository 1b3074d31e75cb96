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

package computepool_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
)

var (
	ctx      context.Context
	env      *test.Environment
	settings computepool.Settings
	pool     *computepool.DefaultProvider
)

func TestComputePool(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "ComputePool")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
	settings = computepool.Settings{
		ClusterName:     fake.DefaultCluster,
		InstanceType:    "m5.large",
		Architecture:    config.ArchitectureX8664,
		MaxWorkers:      10,
		Subnets:         fake.DefaultSubnets(),
		SecurityGroups:  []string{fake.DefaultSecurityGroup},
		InstanceProfile: "cloudburst-instance",
	}
	pool = env.ComputePool(settings)
})

var _ = Describe("Pool Names", func() {
	It("should give equal settings the same pool", func() {
		other := env.ComputePool(settings)
		Expect(other.Name()).To(Equal(pool.Name()))
		Expect(pool.Name()).To(HavePrefix("cloudburst-pool-"))
	})
	It("should give different settings different pools", func() {
		bigger := settings
		bigger.InstanceType = "m5.xlarge"
		Expect(bigger.PoolName()).ToNot(Equal(settings.PoolName()))

		spot := settings
		spot.UseSpot = true
		Expect(spot.PoolName()).ToNot(Equal(settings.PoolName()))
	})
	It("should derive pool identity from the cluster configuration", func() {
		cfg := test.ClusterConfig(config.ClusterConfig{
			LaunchKind:   config.LaunchInstance,
			InstanceType: "m5.large",
			Workers:      10,
		})
		derived := computepool.SettingsFromConfig(cfg)
		Expect(derived).To(Equal(computepool.Settings{
			ClusterName:     fake.DefaultCluster,
			InstanceType:    "m5.large",
			Architecture:    config.ArchitectureX8664,
			MaxWorkers:      10,
			Subnets:         fake.DefaultSubnets(),
			SecurityGroups:  []string{fake.DefaultSecurityGroup},
			InstanceProfile: "cloudburst-instance",
		}))
	})
})

var _ = Describe("Ensuring Pools", func() {
	It("should create the launch template for the pool instances", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		data, ok := env.EC2API.LaunchTemplateData(pool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToString(data.ImageId)).To(Equal(fake.DefaultImageX8664))
		Expect(string(data.InstanceType)).To(Equal("m5.large"))
		Expect(aws.ToString(data.IamInstanceProfile.Name)).To(Equal("cloudburst-instance"))
		Expect(data.SecurityGroupIds).To(Equal([]string{fake.DefaultSecurityGroup}))
		Expect(data.InstanceMarketOptions).To(BeNil())

		userData, err := base64.StdEncoding.DecodeString(aws.ToString(data.UserData))
		Expect(err).ToNot(HaveOccurred())
		Expect(string(userData)).To(Equal(fmt.Sprintf("#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", fake.DefaultCluster)))
	})
	It("should request the spot market when the pool runs on spot", func() {
		settings.UseSpot = true
		spotPool := env.ComputePool(settings)
		Expect(spotPool.EnsurePool(ctx)).To(Succeed())

		data, ok := env.EC2API.LaunchTemplateData(spotPool.Name())
		Expect(ok).To(BeTrue())
		Expect(data.InstanceMarketOptions.MarketType).To(Equal(ec2types.MarketTypeSpot))
		Expect(data.InstanceMarketOptions.SpotOptions.SpotInstanceType).To(Equal(ec2types.SpotInstanceTypeOneTime))
	})
	It("should resolve the pool image for the pool architecture", func() {
		settings.InstanceType = "m7g.large"
		settings.Architecture = config.ArchitectureARM64
		armPool := env.ComputePool(settings)
		Expect(armPool.EnsurePool(ctx)).To(Succeed())

		data, ok := env.EC2API.LaunchTemplateData(armPool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToString(data.ImageId)).To(Equal(fake.DefaultImageARM64))
	})
	It("should create the scaling group empty and bounded at the worker count", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		group, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToInt32(group.MinSize)).To(Equal(int32(0)))
		Expect(aws.ToInt32(group.MaxSize)).To(Equal(int32(10)))
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(0)))
		Expect(aws.ToString(group.VPCZoneIdentifier)).To(Equal("subnet-test1,subnet-test2"))
		Expect(aws.ToString(group.LaunchTemplate.LaunchTemplateName)).To(Equal(pool.Name()))
		Expect(aws.ToString(group.LaunchTemplate.Version)).To(Equal("$Latest"))
	})
	It("should associate the capacity provider with the cluster", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		out, err := env.ECSAPI.DescribeClusters(ctx, &ecs.DescribeClustersInput{
			Clusters: []string{fake.DefaultCluster},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.Clusters).To(HaveLen(1))
		Expect(out.Clusters[0].CapacityProviders).To(Equal([]string{pool.Name()}))
	})
	It("should not recreate anything on repeated ensures", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(1))
		Expect(env.AutoScalingAPI.CreateAutoScalingGroupBehavior.Calls()).To(Equal(1))
		Expect(env.ECSAPI.CreateCapacityProviderBehavior.Calls()).To(Equal(1))
	})
	It("should discover resources another dispatcher already created", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		fresh := env.ComputePool(settings)
		Expect(fresh.EnsurePool(ctx)).To(Succeed())

		Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(1))
		Expect(env.AutoScalingAPI.CreateAutoScalingGroupBehavior.Calls()).To(Equal(1))
		Expect(env.ECSAPI.CreateCapacityProviderBehavior.Calls()).To(Equal(1))
	})
})

var _ = Describe("Scaling", func() {
	BeforeEach(func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
	})

	It("should scale the group to the requested capacity", func() {
		Expect(pool.ScaleTo(ctx, 3)).To(Succeed())

		group, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(3)))
		Expect(group.Instances).To(HaveLen(3))
	})
	It("should refuse to scale past the pool bound", func() {
		err := pool.ScaleTo(ctx, 11)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(ContainSubstring("outside min")))
	})
	It("should release all capacity on scale to zero", func() {
		Expect(pool.ScaleTo(ctx, 3)).To(Succeed())
		Expect(pool.ScaleToZero(ctx)).To(Succeed())

		group, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(0)))
		Expect(group.Instances).To(BeEmpty())
	})
})

var _ = Describe("Status", func() {
	It("should fail NotFound before the pool exists", func() {
		_, err := pool.Status(ctx)
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should report desired, in-service, and registered capacity", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.ScaleTo(ctx, 3)).To(Succeed())
		env.ECSAPI.SetRegisteredInstances(fake.DefaultCluster, 2)

		status, err := pool.Status(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(*status).To(Equal(computepool.PoolStatus{Desired: 3, InService: 3, Registered: 2}))
	})
})

var _ = Describe("Waiting For Readiness", func() {
	It("should return once enough instances are in service and registered", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.ScaleTo(ctx, 2)).To(Succeed())
		env.ECSAPI.SetRegisteredInstances(fake.DefaultCluster, 2)

		Expect(pool.WaitReady(ctx, 2, time.Minute)).To(Succeed())
	})
	It("should time out when agents never register", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.ScaleTo(ctx, 1)).To(Succeed())

		err := pool.WaitReady(ctx, 1, 150*time.Millisecond)
		Expect(errors.IsTimedOut(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("waiting for 1 pool instances")))
	})
	It("should keep waiting while the pool does not exist yet", func() {
		err := pool.WaitReady(ctx, 1, 150*time.Millisecond)
		Expect(errors.IsTimedOut(err)).To(BeTrue())
	})
})

var _ = Describe("Decommissioning", func() {
	It("should remove the scaling group and launch template", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.ScaleTo(ctx, 2)).To(Succeed())

		Expect(pool.Decommission(ctx)).To(Succeed())

		_, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeFalse())
		_, ok = env.EC2API.LaunchTemplateData(pool.Name())
		Expect(ok).To(BeFalse())

		deleted := env.AutoScalingAPI.DeleteAutoScalingGroupBehavior.CalledWithInput.At(0)
		Expect(aws.ToBool(deleted.ForceDelete)).To(BeTrue())
	})
	It("should tolerate decommissioning twice", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.Decommission(ctx)).To(Succeed())
		Expect(pool.Decommission(ctx)).To(Succeed())
	})
	It("should allow the pool to be rebuilt afterwards", func() {
		Expect(pool.EnsurePool(ctx)).To(Succeed())
		Expect(pool.Decommission(ctx)).To(Succeed())
		Expect(pool.EnsurePool(ctx)).To(Succeed())

		Expect(env.EC2API.CreateLaunchTemplateBehavior.Calls()).To(Equal(2))
		_, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeTrue())
	})
})
