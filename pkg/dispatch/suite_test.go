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

package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/dispatch"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
)

var (
	ctx     context.Context
	env     *test.Environment
	cluster *dispatch.Cluster
)

func TestDispatch(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dispatch")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
	cluster = nil
})

var _ = AfterEach(func() {
	if cluster != nil {
		Expect(cluster.Close(ctx)).To(Succeed())
	}
})

func runInput(cfg config.ClusterConfig, capacityProvider string) containerservice.RunInput {
	return containerservice.RunInput{
		ClusterName:       cfg.ClusterName,
		TaskDefinitionARN: fake.TaskDefinitionARN("cloudburst-worker", 1),
		LaunchKind:        cfg.LaunchKind,
		CapacityProvider:  capacityProvider,
		Subnets:           cfg.Subnets,
		SecurityGroups:    cfg.SecurityGroups,
		Bucket:            cfg.Bucket,
		Region:            cfg.Region,
	}
}

func newCluster(cfg config.ClusterConfig, vcpuQuota float64, pool *computepool.DefaultProvider) *dispatch.Cluster {
	opts := dispatch.Options{
		Config:    cfg,
		RunInput:  runInput(cfg, ""),
		Store:     env.Store,
		Runner:    env.ContainerService,
		VCPUQuota: vcpuQuota,
	}
	if pool != nil {
		opts.Pool = pool
		opts.RunInput = runInput(cfg, pool.Name())
	}
	c, err := dispatch.NewCluster(ctx, opts)
	Expect(err).ToNot(HaveOccurred())
	return c
}

// finishTask plays the worker's part: it uploads a success result for tid.
func finishTask(tid string, value any) {
	data, err := blob.Encode(task.OK(blob.MustEncode(value), ""))
	Expect(err).ToNot(HaveOccurred())
	_, err = env.Store.Put(ctx, task.ResultKey(tid), data)
	Expect(err).ToNot(HaveOccurred())
}

// launchedTaskID extracts the TASK_ID override of one recorded launch.
func launchedTaskID(input *ecs.RunTaskInput) string {
	for _, override := range input.Overrides.ContainerOverrides {
		for _, kv := range override.Environment {
			if aws.ToString(kv.Name) == task.EnvTaskID {
				return aws.ToString(kv.Value)
			}
		}
	}
	return ""
}

var _ = Describe("Direct Scheduling", func() {
	var cfg config.ClusterConfig

	BeforeEach(func() {
		cfg = test.ClusterConfig(config.ClusterConfig{Workers: 2})
		cluster = newCluster(cfg, fake.DefaultFargateVCPUQuota, nil)
	})

	It("should launch a worker on every submit", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())
		Expect(env.ECSAPI.RunTaskBehavior.Calls()).To(Equal(1))

		recorded := env.ECSAPI.RunTaskBehavior.CalledWithInput.At(0)
		Expect(launchedTaskID(recorded)).To(Equal(future.TaskID))
		Expect(recorded.LaunchType).To(Equal(ecstypes.LaunchTypeFargate))
		Expect(recorded.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp).To(Equal(ecstypes.AssignPublicIpEnabled))

		_, ok := env.S3API.Object(fake.DefaultBucket, task.EnvelopeKey(future.TaskID))
		Expect(ok).To(BeTrue())
	})
	It("should hand the worker exactly the three contract variables", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())
		arn := env.ECSAPI.StartedTaskARNs()[0]
		Expect(env.ECSAPI.TaskEnv(arn)).To(Equal(map[string]string{
			task.EnvTaskID: future.TaskID,
			task.EnvBucket: fake.DefaultBucket,
			task.EnvRegion: fake.DefaultRegion,
		}))
	})
	It("should resolve futures once their results exist", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())

		resolved, err := cluster.Resolved(ctx, future)
		Expect(err).ToNot(HaveOccurred())
		Expect(resolved).To(BeFalse())

		finishTask(future.TaskID, 42)
		resolved, err = cluster.Resolved(ctx, future)
		Expect(err).ToNot(HaveOccurred())
		Expect(resolved).To(BeTrue())
	})
	It("should return each submitted task's own result", func() {
		futures := make([]*dispatch.Future, 0, 4)
		for i := 1; i <= 4; i++ {
			future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("square", i)})
			Expect(err).ToNot(HaveOccurred())
			futures = append(futures, future)
		}
		for i, future := range futures {
			finishTask(future.TaskID, (i+1)*(i+1))
		}
		for i, future := range futures {
			result, err := cluster.Result(ctx, future)
			Expect(err).ToNot(HaveOccurred())
			var n int
			Expect(result.DecodeValue(&n)).To(Succeed())
			Expect(n).To(Equal((i + 1) * (i + 1)))
		}
		summary := cluster.Summary()
		Expect(summary.Mode).To(Equal("direct"))
		Expect(summary.Submitted).To(Equal(4))
		Expect(summary.Completed).To(Equal(4))
		Expect(summary.Failed).To(Equal(0))
	})
	It("should cache results on the future", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", "x")})
		Expect(err).ToNot(HaveOccurred())
		finishTask(future.TaskID, "x")

		first, err := cluster.Result(ctx, future)
		Expect(err).ToNot(HaveOccurred())
		downloads := env.S3API.GetObjectBehavior.Calls()

		second, err := cluster.Result(ctx, future)
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(BeIdenticalTo(first))
		Expect(env.S3API.GetObjectBehavior.Calls()).To(Equal(downloads))
	})
	It("should surface a failure envelope as a task failure", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("explode")})
		Expect(err).ToNot(HaveOccurred())
		data, err := blob.Encode(task.Failed("division by zero", "partial output", "stack"))
		Expect(err).ToNot(HaveOccurred())
		_, err = env.Store.Put(ctx, task.ResultKey(future.TaskID), data)
		Expect(err).ToNot(HaveOccurred())

		_, err = cluster.Result(ctx, future)
		Expect(errors.IsTaskFailed(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("division by zero")))

		failure, ok := errors.As[errors.TaskFailedError](err)
		Expect(ok).To(BeTrue())
		Expect(failure.TaskID).To(Equal(future.TaskID))
		Expect(failure.Stdout).To(Equal("partial output"))
		Expect(cluster.Summary().Failed).To(Equal(1))
	})
	It("should time out a result that never arrives", func() {
		cfg.Timeout = 50 * time.Millisecond
		impatient := newCluster(cfg, fake.DefaultFargateVCPUQuota, nil)
		defer func() {
			Expect(impatient.Close(ctx)).To(Succeed())
		}()
		future, err := impatient.Submit(ctx, dispatch.Input{Expr: test.Expr("sleep", 3600)})
		Expect(err).ToNot(HaveOccurred())

		_, err = impatient.Result(ctx, future)
		Expect(errors.IsTimedOut(err)).To(BeTrue())
	})
	It("should report a rejected launch with the service's reason", func() {
		env.ECSAPI.RunTaskBehavior.Output.Set(&ecs.RunTaskOutput{
			Failures: []ecstypes.Failure{{
				Reason: aws.String("RESOURCE:MEMORY"),
				Detail: aws.String("insufficient memory on cluster"),
			}},
		})
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(errors.IsLaunchRejected(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("RESOURCE:MEMORY")))
		Expect(cluster.Summary().Submitted).To(Equal(0))
	})
	It("should map inputs to results in input order", func() {
		go func() {
			defer GinkgoRecover()
			// Play the workers: finish every launched task with its index.
			Eventually(func() int {
				return env.ECSAPI.RunTaskBehavior.Calls()
			}).Should(Equal(3))
			for i := 0; i < 3; i++ {
				finishTask(launchedTaskID(env.ECSAPI.RunTaskBehavior.CalledWithInput.At(i)), i*10)
			}
		}()
		results, err := cluster.Map(ctx, []dispatch.Input{
			{Expr: test.Expr("echo", 0)},
			{Expr: test.Expr("echo", 10)},
			{Expr: test.Expr("echo", 20)},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(results).To(HaveLen(3))
		for i, result := range results {
			var n int
			Expect(result.DecodeValue(&n)).To(Succeed())
			Expect(n).To(Equal(i * 10))
		}
	})
	It("should refuse submits after close", func() {
		Expect(cluster.Close(ctx)).To(Succeed())
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).To(MatchError(ContainSubstring("closed")))
	})
	It("should stop still-running workers on close", func() {
		future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("sleep", 3600)})
		Expect(err).ToNot(HaveOccurred())
		Expect(future).ToNot(BeNil())

		Expect(cluster.Close(ctx)).To(Succeed())
		Expect(env.ECSAPI.StopTaskBehavior.Calls()).To(Equal(1))
		// Close again is a no-op.
		Expect(cluster.Close(ctx)).To(Succeed())
		Expect(env.ECSAPI.StopTaskBehavior.Calls()).To(Equal(1))
		cluster = nil
	})
})

var _ = Describe("Wave Scheduling", func() {
	var sentinel *dispatch.Future
	var futures []*dispatch.Future

	// nudge drives the scheduler the way a polling caller would, so specs
	// never wait out the background tick. It returns the launch count.
	nudge := func() int {
		_, _ = cluster.Resolved(ctx, sentinel)
		for _, f := range futures {
			_, _ = cluster.Resolved(ctx, f)
		}
		return env.ECSAPI.RunTaskBehavior.Calls()
	}

	// 10 queued workers of 4 vCPUs against a 16 vCPU quota: waves of 4. The
	// sentinel task is submitted alone so it forms a one-task first wave;
	// while it is in flight the batch of 10 queues behind the wave boundary,
	// which makes the later wave sizes deterministic.
	BeforeEach(func() {
		cfg := test.ClusterConfig(config.ClusterConfig{Workers: 10, CPUUnits: 4, MemoryGB: 8})
		cluster = newCluster(cfg, 16, nil)
		var err error
		sentinel, err = cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", "sentinel")})
		Expect(err).ToNot(HaveOccurred())
		Eventually(func() int {
			return env.ECSAPI.RunTaskBehavior.Calls()
		}).Should(Equal(1))

		futures = nil
		for i := 0; i < 10; i++ {
			future, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", i)})
			Expect(err).ToNot(HaveOccurred())
			futures = append(futures, future)
		}
	})

	It("should engage wave mode when demand exceeds the quota", func() {
		summary := cluster.Summary()
		Expect(summary.Mode).To(Equal("wave"))
		Expect(summary.WorkersPerWave).To(Equal(4))
	})
	It("should not launch queued tasks while a wave is in flight", func() {
		Consistently(nudge, "300ms").Should(Equal(1))

		summary := cluster.Summary()
		Expect(summary.InFlight).To(Equal(1))
		Expect(summary.Pending).To(Equal(10))
	})
	It("should cap the next wave at the quota's worth of workers", func() {
		finishTask(sentinel.TaskID, 0)
		Eventually(nudge).Should(Equal(5))
		Consistently(nudge, "300ms").Should(Equal(5))

		summary := cluster.Summary()
		Expect(summary.InFlight).To(Equal(4))
		Expect(summary.Pending).To(Equal(6))
	})
	It("should hold the next wave until the previous one fully drains", func() {
		finishTask(sentinel.TaskID, 0)
		Eventually(nudge).Should(Equal(5))

		// Two stragglers keep the wave open.
		finishTask(futures[0].TaskID, 0)
		finishTask(futures[1].TaskID, 0)
		Consistently(nudge, "300ms").Should(Equal(5))

		finishTask(futures[2].TaskID, 0)
		finishTask(futures[3].TaskID, 0)
		Eventually(nudge).Should(Equal(9))
	})
	It("should drain ten queued tasks as waves of four, four, and two in submission order", func() {
		finishTask(sentinel.TaskID, 0)
		Eventually(nudge).Should(Equal(5))
		for _, f := range futures[:4] {
			finishTask(f.TaskID, 0)
		}
		Eventually(nudge).Should(Equal(9))
		for _, f := range futures[4:8] {
			finishTask(f.TaskID, 0)
		}
		Eventually(nudge).Should(Equal(11))
		for _, f := range futures[8:] {
			finishTask(f.TaskID, 0)
		}
		Eventually(func() int {
			nudge()
			return cluster.Summary().Completed
		}).Should(Equal(11))

		summary := cluster.Summary()
		Expect(summary.Waves).To(Equal(4))
		Expect(summary.Pending).To(BeZero())
		Expect(summary.InFlight).To(BeZero())

		launched := lo.Times(10, func(i int) string {
			return launchedTaskID(env.ECSAPI.RunTaskBehavior.CalledWithInput.At(i + 1))
		})
		Expect(launched).To(Equal(lo.Map(futures, func(f *dispatch.Future, _ int) string { return f.TaskID })))
	})
	It("should grant one worker per wave when a single task exceeds the quota", func() {
		starved := newCluster(test.ClusterConfig(config.ClusterConfig{Workers: 4, CPUUnits: 4, MemoryGB: 8}), 2, nil)
		defer func() {
			Expect(starved.Close(ctx)).To(Succeed())
		}()
		Expect(starved.Summary().WorkersPerWave).To(Equal(1))
	})
})

var _ = Describe("Warm Pools", func() {
	var pool *computepool.DefaultProvider

	newInstanceCluster := func(warmPoolTimeout time.Duration) {
		cfg := test.ClusterConfig(config.ClusterConfig{
			Workers:         2,
			LaunchKind:      config.LaunchInstance,
			InstanceType:    "m5.large",
			CPUUnits:        2,
			MemoryGB:        7.5,
			WarmPoolTimeout: warmPoolTimeout,
		})
		pool = env.ComputePool(computepool.SettingsFromConfig(cfg))
		env.ECSAPI.SetRegisteredInstances(fake.DefaultCluster, cfg.Workers)
		cluster = newCluster(cfg, fake.DefaultFargateVCPUQuota, pool)
	}

	It("should warm the pool on the first submission only", func() {
		newInstanceCluster(time.Hour)
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())

		group, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeTrue())
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(2)))
		scaleCalls := env.AutoScalingAPI.SetDesiredCapacityBehavior.Calls()
		createCalls := env.AutoScalingAPI.CreateAutoScalingGroupBehavior.Calls()

		_, err = cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 2)})
		Expect(err).ToNot(HaveOccurred())
		Expect(env.AutoScalingAPI.SetDesiredCapacityBehavior.Calls()).To(Equal(scaleCalls))
		Expect(env.AutoScalingAPI.CreateAutoScalingGroupBehavior.Calls()).To(Equal(createCalls))
	})
	It("should place instance workers on the capacity provider without a public address", func() {
		newInstanceCluster(time.Hour)
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())

		recorded := env.ECSAPI.RunTaskBehavior.CalledWithInput.At(0)
		Expect(recorded.LaunchType).To(BeEmpty())
		Expect(recorded.CapacityProviderStrategy).To(HaveLen(1))
		Expect(aws.ToString(recorded.CapacityProviderStrategy[0].CapacityProvider)).To(Equal(pool.Name()))
		Expect(recorded.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp).To(Equal(ecstypes.AssignPublicIpDisabled))
	})
	It("should leave the pool warm when closed inside the warm window", func() {
		newInstanceCluster(time.Hour)
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())

		Expect(cluster.Close(ctx)).To(Succeed())
		cluster = nil
		group, _ := env.AutoScalingAPI.Group(pool.Name())
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(2)))
	})
	It("should scale the pool to zero when the warm window has lapsed", func() {
		newInstanceCluster(time.Nanosecond)
		_, err := cluster.Submit(ctx, dispatch.Input{Expr: test.Expr("echo", 1)})
		Expect(err).ToNot(HaveOccurred())

		Expect(cluster.Close(ctx)).To(Succeed())
		cluster = nil
		group, _ := env.AutoScalingAPI.Group(pool.Name())
		Expect(aws.ToInt32(group.DesiredCapacity)).To(Equal(int32(0)))
	})
	It("should not touch the pool when nothing was ever submitted", func() {
		newInstanceCluster(time.Nanosecond)
		Expect(cluster.Close(ctx)).To(Succeed())
		cluster = nil
		_, ok := env.AutoScalingAPI.Group(pool.Name())
		Expect(ok).To(BeFalse())
	})
	It("should require a pool for instance launches", func() {
		cfg := test.ClusterConfig(config.ClusterConfig{
			Workers: 2, LaunchKind: config.LaunchInstance, InstanceType: "m5.large", CPUUnits: 2, MemoryGB: 7.5,
		})
		_, err := dispatch.NewCluster(ctx, dispatch.Options{
			Config:   cfg,
			RunInput: runInput(cfg, ""),
			Store:    env.Store,
			Runner:   env.ContainerService,
		})
		Expect(errors.IsConfigInvalid(err)).To(BeTrue())
	})
})
