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

package quota_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/quota"
	"github.com/cloudburst-labs/cloudburst/pkg/test"
)

var (
	ctx context.Context
	env *test.Environment
)

func TestQuota(t *testing.T) {
	ctx = context.Background()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quota")
}

var _ = BeforeEach(func() {
	env = test.NewEnvironment()
})

var _ = Describe("Observing The vCPU Quota", func() {
	It("should observe the account's quota", func() {
		observed, err := env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(float64(fake.DefaultFargateVCPUQuota)))
	})
	It("should observe a raised quota", func() {
		env.QuotasAPI.SetQuota("fargate", "L-3032A538", 256)
		observed, err := env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(256.0))
	})
	It("should cache observations for the scheduling window", func() {
		observed, err := env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(float64(fake.DefaultFargateVCPUQuota)))

		// A service-side change is not observed while the cache holds.
		env.QuotasAPI.SetQuota("fargate", "L-3032A538", 8000)
		observed, err = env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(float64(fake.DefaultFargateVCPUQuota)))
		Expect(env.QuotasAPI.GetServiceQuotaBehavior.Calls()).To(Equal(1))
	})
	It("should assume the account default when the service is unreachable", func() {
		env.QuotasAPI.GetServiceQuotaBehavior.Error.Set(
			&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"})

		observed, err := env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(float64(quota.DefaultVCPUQuota)))
	})
	It("should not let an assumed default mask the real quota", func() {
		env.QuotasAPI.GetServiceQuotaBehavior.Error.Set(
			&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"})
		env.QuotasAPI.SetQuota("fargate", "L-3032A538", 512)

		observed, err := env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(float64(quota.DefaultVCPUQuota)))

		// The degraded answer was not cached; the next observation sees the
		// service again.
		observed, err = env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(512.0))

		observed, err = env.QuotaProvider.ObservedVCPUQuota(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(observed).To(Equal(512.0))
		Expect(env.QuotasAPI.GetServiceQuotaBehavior.Calls()).To(Equal(2))
	})
})

var _ = Describe("Requesting Increases", func() {
	It("should file the increase and return its request id", func() {
		id, err := env.QuotaProvider.RequestIncrease(ctx, 8000)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).ToNot(BeEmpty())

		recorded := env.QuotasAPI.RequestServiceQuotaIncreaseBehavior.CalledWithInput.At(0)
		Expect(aws.ToString(recorded.ServiceCode)).To(Equal("fargate"))
		Expect(aws.ToString(recorded.QuotaCode)).To(Equal("L-3032A538"))
		Expect(aws.ToFloat64(recorded.DesiredValue)).To(Equal(8000.0))
	})
})
