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

package containerservice_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/containerservice"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

var (
	ctx      context.Context
	env      *test.Environment
	runner   *containerservice.DefaultProvider
	runInput containerservice.RunInput
)

func TestContainerService(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "ContainerService")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
	runner = env.ContainerService
	runInput = containerservice.RunInput{
		ClusterName:       fake.DefaultCluster,
		TaskDefinitionARN: fake.TaskDefinitionARN("cloudburst-test-family", 1),
		LaunchKind:        config.LaunchServerless,
		Subnets:           fake.DefaultSubnets(),
		SecurityGroups:    []string{fake.DefaultSecurityGroup},
		Bucket:            fake.DefaultBucket,
		Region:            fake.DefaultRegion,
	}
})

var _ = Describe("Launching Workers", func() {
	It("should hand the worker exactly the three-entry environment", func() {
		taskID := task.NewID()
		started, err := runner.RunWorker(ctx, runInput, taskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(started.TaskID).To(Equal(taskID))
		Expect(started.ARN).ToNot(BeEmpty())

		Expect(env.ECSAPI.TaskEnv(started.ARN)).To(Equal(map[string]string{
			task.EnvTaskID: taskID,
			task.EnvBucket: fake.DefaultBucket,
			task.EnvRegion: fake.DefaultRegion,
		}))
	})
	It("should mark launches so they can be found again", func() {
		_, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())
		recorded := env.ECSAPI.RunTaskBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(recorded.StartedBy)).To(Equal(project.Name))
		Expect(aws.ToInt32(recorded.Count)).To(Equal(int32(1)))
	})
	It("should launch serverless workers on Fargate with a public address", func() {
		started, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())

		stored, ok := env.ECSAPI.Task(started.ARN)
		Expect(ok).To(BeTrue())
		Expect(stored.LaunchType).To(Equal(ecstypes.LaunchTypeFargate))

		recorded := env.ECSAPI.RunTaskBehavior.CalledWithInput.At(0)
		vpcConfig := recorded.NetworkConfiguration.AwsvpcConfiguration
		Expect(vpcConfig.AssignPublicIp).To(Equal(ecstypes.AssignPublicIpEnabled))
		Expect(vpcConfig.Subnets).To(Equal(fake.DefaultSubnets()))
		Expect(vpcConfig.SecurityGroups).To(Equal([]string{fake.DefaultSecurityGroup}))
	})
	It("should launch instance workers through their capacity provider", func() {
		runInput.LaunchKind = config.LaunchInstance
		runInput.CapacityProvider = "cloudburst-pool-test"

		started, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())

		stored, ok := env.ECSAPI.Task(started.ARN)
		Expect(ok).To(BeTrue())
		Expect(aws.ToString(stored.CapacityProviderName)).To(Equal("cloudburst-pool-test"))

		recorded := env.ECSAPI.RunTaskBehavior.CalledWithInput.At(0)
		Expect(recorded.LaunchType).To(BeEmpty())
		Expect(recorded.CapacityProviderStrategy).To(HaveLen(1))
		Expect(recorded.NetworkConfiguration.AwsvpcConfiguration.AssignPublicIp).
			To(Equal(ecstypes.AssignPublicIpDisabled))
	})
	It("should surface a service-side failure entry as a rejected launch", func() {
		env.ECSAPI.RunTaskBehavior.Output.Set(&ecs.RunTaskOutput{
			Failures: []ecstypes.Failure{{
				Reason: aws.String("RESOURCE:MEMORY"),
				Detail: aws.String("no container instance met the memory requirement"),
			}},
		})
		_, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(errors.IsLaunchRejected(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("RESOURCE:MEMORY")))
		Expect(err).To(MatchError(ContainSubstring("memory requirement")))
	})
	It("should reject a launch that started nothing", func() {
		env.ECSAPI.RunTaskBehavior.Output.Set(&ecs.RunTaskOutput{})
		_, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(errors.IsLaunchRejected(err)).To(BeTrue())
		Expect(err).To(MatchError(ContainSubstring("no task started")))
	})
	It("should fail when the cluster does not exist", func() {
		runInput.ClusterName = "never-created"
		_, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).To(HaveOccurred())
		Expect(errors.IsAWSNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("Launching Waves", func() {
	It("should start one container per task id in order", func() {
		taskIDs := []string{task.NewID(), task.NewID(), task.NewID()}
		started, err := runner.RunWorkers(ctx, runInput, taskIDs)
		Expect(err).ToNot(HaveOccurred())
		Expect(started).To(HaveLen(3))
		Expect(lo.Map(started, func(st containerservice.StartedTask, _ int) string {
			return st.TaskID
		})).To(Equal(taskIDs))
		Expect(env.ECSAPI.StartedTaskARNs()).To(HaveLen(3))
	})
	It("should return what started before a mid-wave rejection", func() {
		// Popped in reverse: the first launch succeeds, the second is refused.
		env.ECSAPI.RunTaskBehavior.MultiOut.Add(&ecs.RunTaskOutput{
			Failures: []ecstypes.Failure{{Reason: aws.String("RESOURCE:CPU")}},
		})
		env.ECSAPI.RunTaskBehavior.MultiOut.Add(&ecs.RunTaskOutput{
			Tasks: []ecstypes.Task{{TaskArn: aws.String(fake.ContainerTaskARN(fake.DefaultCluster))}},
		})

		taskIDs := []string{task.NewID(), task.NewID(), task.NewID()}
		started, err := runner.RunWorkers(ctx, runInput, taskIDs)
		Expect(errors.IsLaunchRejected(err)).To(BeTrue())
		Expect(started).To(HaveLen(1))
		Expect(started[0].TaskID).To(Equal(taskIDs[0]))
		Expect(env.ECSAPI.RunTaskBehavior.Calls()).To(Equal(2))
	})
})

var _ = Describe("Stopping Workers", func() {
	It("should stop a running container with the reason", func() {
		started, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())

		Expect(runner.StopTask(ctx, fake.DefaultCluster, started.ARN, "session terminated")).To(Succeed())

		stored, ok := env.ECSAPI.Task(started.ARN)
		Expect(ok).To(BeTrue())
		Expect(aws.ToString(stored.LastStatus)).To(Equal("STOPPED"))
		Expect(aws.ToString(stored.StoppedReason)).To(Equal("session terminated"))
	})
	It("should treat a container that is already gone as stopped", func() {
		arn := fake.ContainerTaskARN(fake.DefaultCluster)
		Expect(runner.StopTask(ctx, fake.DefaultCluster, arn, "cleanup")).To(Succeed())
	})
})

var _ = Describe("Describing Workers", func() {
	It("should report status and the task id each worker was launched for", func() {
		taskID := task.NewID()
		started, err := runner.RunWorker(ctx, runInput, taskID)
		Expect(err).ToNot(HaveOccurred())
		env.ECSAPI.MarkRunning(started.ARN)

		infos, err := runner.DescribeTasks(ctx, fake.DefaultCluster, []string{started.ARN})
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ARN).To(Equal(started.ARN))
		Expect(infos[0].TaskID).To(Equal(taskID))
		Expect(infos[0].LastStatus).To(Equal("RUNNING"))
		Expect(infos[0].StoppedAt).To(BeEmpty())
	})
	It("should split large describes into service-sized batches", func() {
		taskIDs := make([]string, 0, 101)
		for i := 0; i < 101; i++ {
			taskIDs = append(taskIDs, task.NewID())
		}
		started, err := runner.RunWorkers(ctx, runInput, taskIDs)
		Expect(err).ToNot(HaveOccurred())

		arns := lo.Map(started, func(st containerservice.StartedTask, _ int) string { return st.ARN })
		infos, err := runner.DescribeTasks(ctx, fake.DefaultCluster, arns)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(101))
		Expect(env.ECSAPI.DescribeTasksBehavior.Calls()).To(Equal(2))
	})
	It("should record when a worker stopped", func() {
		started, err := runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())
		env.ECSAPI.MarkStopped("Essential container in task exited", started.ARN)

		infos, err := runner.DescribeTasks(ctx, fake.DefaultCluster, []string{started.ARN})
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].LastStatus).To(Equal("STOPPED"))
		Expect(infos[0].StoppedAt).ToNot(BeEmpty())
	})
})

var _ = Describe("Finding Session Workers", func() {
	var sessionID string

	BeforeEach(func() {
		sessionID = task.NewSessionID()
	})

	It("should list only the running workers of the session", func() {
		mine, err := runner.RunWorkers(ctx, runInput, []string{
			task.BootstrapID(sessionID, 0),
			task.BootstrapID(sessionID, 1),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = runner.RunWorker(ctx, runInput, task.BootstrapID(task.NewSessionID(), 0))
		Expect(err).ToNot(HaveOccurred())
		_, err = runner.RunWorker(ctx, runInput, task.NewID())
		Expect(err).ToNot(HaveOccurred())

		infos, err := runner.ListSessionWorkers(ctx, fake.DefaultCluster, sessionID)
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(infos, func(info containerservice.TaskInfo, _ int) string {
			return info.ARN
		})).To(ConsistOf(mine[0].ARN, mine[1].ARN))
	})
	It("should drop workers that have since stopped", func() {
		mine, err := runner.RunWorkers(ctx, runInput, []string{
			task.BootstrapID(sessionID, 0),
			task.BootstrapID(sessionID, 1),
		})
		Expect(err).ToNot(HaveOccurred())
		env.ECSAPI.MarkStopped("worker drained", mine[0].ARN)

		infos, err := runner.ListSessionWorkers(ctx, fake.DefaultCluster, sessionID)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].ARN).To(Equal(mine[1].ARN))
	})
	It("should return nothing for a session with no workers", func() {
		infos, err := runner.ListSessionWorkers(ctx, fake.DefaultCluster, sessionID)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(BeEmpty())
	})
	It("should page through clusters busier than one list call", func() {
		taskIDs := make([]string, 0, 101)
		for i := 0; i < 101; i++ {
			taskIDs = append(taskIDs, task.BootstrapID(sessionID, i))
		}
		_, err := runner.RunWorkers(ctx, runInput, taskIDs)
		Expect(err).ToNot(HaveOccurred())

		infos, err := runner.ListSessionWorkers(ctx, fake.DefaultCluster, sessionID)
		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(101))
		Expect(env.ECSAPI.ListTasksBehavior.Calls()).To(Equal(2))
	})
})

var _ = Describe("Finding One Worker", func() {
	It("should find a running worker by its task id", func() {
		taskID := task.NewID()
		started, err := runner.RunWorker(ctx, runInput, taskID)
		Expect(err).ToNot(HaveOccurred())
		env.ECSAPI.MarkRunning(started.ARN)

		info, err := runner.FindWorker(ctx, fake.DefaultCluster, taskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.ARN).To(Equal(started.ARN))
		Expect(info.LastStatus).To(Equal("RUNNING"))
	})
	It("should fall back to stopped workers", func() {
		taskID := task.NewID()
		started, err := runner.RunWorker(ctx, runInput, taskID)
		Expect(err).ToNot(HaveOccurred())
		env.ECSAPI.MarkStopped("Essential container in task exited", started.ARN)

		info, err := runner.FindWorker(ctx, fake.DefaultCluster, taskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(info.ARN).To(Equal(started.ARN))
		Expect(info.LastStatus).To(Equal("STOPPED"))
	})
	It("should fail NotFound when no container ever ran the task", func() {
		taskID := task.NewID()
		_, err := runner.FindWorker(ctx, fake.DefaultCluster, taskID)
		Expect(errors.IsNotFound(err)).To(BeTrue())
		Expect(err).To(MatchError(fmt.Sprintf("no worker container for task %s", taskID)))
	})
})
