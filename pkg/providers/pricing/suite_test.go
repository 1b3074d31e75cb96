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

package pricing_test

import (
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/pricing"
)

func TestPricing(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pricing")
}

var _ = Describe("On-Demand Prices", func() {
	It("should price listed instance types", func() {
		price, ok := pricing.OnDemandPrice("m5.large")
		Expect(ok).To(BeTrue())
		Expect(price).To(BeNumerically("~", 0.096, 1e-9))
	})
	It("should report no price for unlisted instance types", func() {
		price, ok := pricing.OnDemandPrice("z99.mega")
		Expect(ok).To(BeFalse())
		Expect(price).To(BeZero())
	})
})

var _ = Describe("Spot Prices", func() {
	It("should discount on-demand by the family fraction", func() {
		price, ok := pricing.SpotPrice("m5.large")
		Expect(ok).To(BeTrue())
		Expect(price).To(BeNumerically("~", 0.096*0.38, 1e-9))
	})
	It("should apply per-family fractions independently", func() {
		m5, ok := pricing.SpotPrice("m5.xlarge")
		Expect(ok).To(BeTrue())
		c7g, ok := pricing.SpotPrice("c7g.large")
		Expect(ok).To(BeTrue())
		Expect(m5).To(BeNumerically("~", 0.192*0.38, 1e-9))
		Expect(c7g).To(BeNumerically("~", 0.0725*0.33, 1e-9))
	})
	It("should report no price for unlisted instance types", func() {
		price, ok := pricing.SpotPrice("z99.mega")
		Expect(ok).To(BeFalse())
		Expect(price).To(BeZero())
	})
})

var _ = Describe("Serverless Task Prices", func() {
	It("should price a task from its cpu and memory", func() {
		price := pricing.FargateTaskPrice(4, 8, config.ArchitectureX8664, false)
		Expect(price).To(BeNumerically("~", 4*0.04048+8*0.004445, 1e-9))
	})
	It("should price arm64 below x86_64 at the same size", func() {
		x86 := pricing.FargateTaskPrice(4, 8, config.ArchitectureX8664, false)
		arm := pricing.FargateTaskPrice(4, 8, config.ArchitectureARM64, false)
		Expect(arm).To(BeNumerically("~", 4*0.03238+8*0.003556, 1e-9))
		Expect(arm).To(BeNumerically("<", x86))
	})
	It("should discount spot tasks to a fraction of on-demand", func() {
		onDemand := pricing.FargateTaskPrice(1, 2, config.ArchitectureX8664, false)
		spot := pricing.FargateTaskPrice(1, 2, config.ArchitectureX8664, true)
		Expect(spot).To(BeNumerically("~", onDemand*0.30, 1e-9))
	})
})

var _ = Describe("Per-Task Costs", func() {
	It("should convert an hourly price and duration to dollars", func() {
		Expect(pricing.PerTaskCost(0.2, 30*time.Minute)).To(BeNumerically("~", 0.1, 1e-9))
		Expect(pricing.PerTaskCost(0.2, 2*time.Hour)).To(BeNumerically("~", 0.4, 1e-9))
	})
	It("should cost nothing for zero duration", func() {
		Expect(pricing.PerTaskCost(0.5, 0)).To(BeZero())
	})
})
