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

package setup_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/taskdef"
	"github.com/cloudburst-labs/cloudburst/pkg/setup"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
)

var (
	ctx      context.Context
	env      *test.Environment
	provider *setup.Provider
)

func TestSetup(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Setup")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
	provider = setup.NewProvider(env.Clients())
})

var _ = Describe("Provisioning", func() {
	It("should create the bucket once and converge on reruns", func() {
		Expect(provider.EnsureBucket(ctx, "cloudburst-prod")).To(Succeed())
		Expect(env.S3API.CreateBucketBehavior.Calls()).To(Equal(1))
		created := env.S3API.CreateBucketBehavior.CalledWithInput.At(0)
		Expect(string(created.CreateBucketConfiguration.LocationConstraint)).To(Equal(fake.DefaultRegion))

		Expect(provider.EnsureBucket(ctx, "cloudburst-prod")).To(Succeed())
		Expect(env.S3API.CreateBucketBehavior.Calls()).To(Equal(1))
	})
	It("should create the log group with its retention policy", func() {
		Expect(provider.EnsureLogGroup(ctx)).To(Succeed())
		Expect(env.LogsAPI.Retention(taskdef.LogGroup)).To(Equal(int32(14)))

		// Rerunning tolerates the existing group and re-asserts retention.
		Expect(provider.EnsureLogGroup(ctx)).To(Succeed())
		Expect(env.LogsAPI.PutRetentionPolicyBehavior.Calls()).To(Equal(2))
	})
	It("should create the cluster once and converge on reruns", func() {
		Expect(provider.EnsureCluster(ctx, "cloudburst-prod")).To(Succeed())
		Expect(env.ECSAPI.CreateClusterBehavior.Calls()).To(Equal(1))

		Expect(provider.EnsureCluster(ctx, "cloudburst-prod")).To(Succeed())
		Expect(env.ECSAPI.CreateClusterBehavior.Calls()).To(Equal(1))
	})
	It("should leave an active cluster alone", func() {
		Expect(provider.EnsureCluster(ctx, fake.DefaultCluster)).To(Succeed())
		Expect(env.ECSAPI.CreateClusterBehavior.Calls()).To(BeZero())
	})
	It("should create the repository and return its URI", func() {
		uri, err := provider.EnsureRepository(ctx, setup.RepositoryName)
		Expect(err).ToNot(HaveOccurred())
		Expect(uri).To(Equal(fake.RepositoryURI(setup.RepositoryName)))
		Expect(env.ECRAPI.CreateRepositoryBehavior.Calls()).To(Equal(1))

		again, err := provider.EnsureRepository(ctx, setup.RepositoryName)
		Expect(err).ToNot(HaveOccurred())
		Expect(again).To(Equal(uri))
		Expect(env.ECRAPI.CreateRepositoryBehavior.Calls()).To(Equal(1))
	})
})

var _ = Describe("Roles", func() {
	It("should create the execution and task roles with their policies", func() {
		roles, err := provider.EnsureTaskRoles(ctx, fake.DefaultBucket)
		Expect(err).ToNot(HaveOccurred())
		Expect(roles.ExecutionRoleARN).To(Equal(fake.RoleARN(setup.ExecutionRoleName)))
		Expect(roles.TaskRoleARN).To(Equal(fake.RoleARN(setup.TaskRoleName)))

		Expect(env.IAMAPI.AttachedPolicies(setup.ExecutionRoleName)).
			To(ContainElement("arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"))
		inline, ok := env.IAMAPI.InlinePolicy(setup.TaskRoleName, "bucket-access")
		Expect(ok).To(BeTrue())
		Expect(inline).To(ContainSubstring(fake.DefaultBucket))
	})
	It("should converge on existing roles without recreating them", func() {
		_, err := provider.EnsureTaskRoles(ctx, fake.DefaultBucket)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.IAMAPI.CreateRoleBehavior.Calls()).To(Equal(2))

		_, err = provider.EnsureTaskRoles(ctx, fake.DefaultBucket)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.IAMAPI.CreateRoleBehavior.Calls()).To(Equal(2))
	})
	It("should create the instance role and its wrapping profile", func() {
		name, err := provider.EnsureInstanceProfile(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(name).To(Equal(setup.InstanceProfileName))
		Expect(env.IAMAPI.CreateInstanceProfileBehavior.Calls()).To(Equal(1))
		Expect(env.IAMAPI.AddRoleToInstanceProfileBehavior.Calls()).To(Equal(1))

		_, err = provider.EnsureInstanceProfile(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.IAMAPI.CreateInstanceProfileBehavior.Calls()).To(Equal(1))
		Expect(env.IAMAPI.AddRoleToInstanceProfileBehavior.Calls()).To(Equal(1))
	})
	It("should refuse a profile carrying a foreign role", func() {
		_, err := env.IAMAPI.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String("intruder"),
			AssumeRolePolicyDocument: aws.String("{}"),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = env.IAMAPI.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
			InstanceProfileName: aws.String(setup.InstanceProfileName),
		})
		Expect(err).ToNot(HaveOccurred())
		_, err = env.IAMAPI.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
			InstanceProfileName: aws.String(setup.InstanceProfileName),
			RoleName:            aws.String("intruder"),
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = provider.EnsureInstanceProfile(ctx)
		Expect(err).To(MatchError(ContainSubstring("foreign role")))
	})
})

var _ = Describe("Discovery", func() {
	It("should discover the default network and cache it", func() {
		network, err := provider.DiscoverNetwork(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(network.VPCID).ToNot(BeEmpty())
		Expect(network.Subnets).To(Equal(fake.DefaultSubnets()))
		Expect(network.SecurityGroups).To(Equal([]string{fake.DefaultSecurityGroup}))

		_, err = provider.DiscoverNetwork(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(env.EC2API.DescribeVpcsBehavior.Calls()).To(Equal(1))
	})
	It("should resolve the calling account", func() {
		account, err := provider.AccountID(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(account).To(Equal(fake.DefaultAccount))
	})
})
