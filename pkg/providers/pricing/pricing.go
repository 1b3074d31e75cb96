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

// Package pricing estimates run cost from static price tables. Estimates
// feed the cost summary only; nothing in scheduling depends on them, and no
// pricing APIs are called.
package pricing

import (
	"strings"
	"time"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
)

// Serverless per-resource-hour rates, us-east-1 reference.
const (
	fargateVCPUHourX8664 = 0.04048
	fargateGBHourX8664   = 0.004445
	fargateVCPUHourARM64 = 0.03238
	fargateGBHourARM64   = 0.003556
	// fargateSpotFraction is the fraction of the on-demand rate paid for
	// spot capacity.
	fargateSpotFraction = 0.30
)

// onDemandPrices holds reference on-demand instance prices per hour,
// us-east-1. Unlisted types report no price rather than a guess.
var onDemandPrices = map[string]float64{
	"t3.medium":   0.0416,
	"t3.large":    0.0832,
	"t3.xlarge":   0.1664,
	"m5.large":    0.096,
	"m5.xlarge":   0.192,
	"m5.2xlarge":  0.384,
	"m5.4xlarge":  0.768,
	"m6i.large":   0.096,
	"m6i.xlarge":  0.192,
	"m6i.2xlarge": 0.384,
	"m6i.4xlarge": 0.768,
	"m7g.large":   0.0816,
	"m7g.xlarge":  0.1632,
	"m7g.2xlarge": 0.3264,
	"c5.large":    0.085,
	"c5.xlarge":   0.17,
	"c5.2xlarge":  0.34,
	"c5.4xlarge":  0.68,
	"c6i.large":   0.085,
	"c6i.xlarge":  0.17,
	"c6i.2xlarge": 0.34,
	"c7g.large":   0.0725,
	"c7g.xlarge":  0.145,
	"c7g.2xlarge": 0.29,
	"r5.large":    0.126,
	"r5.xlarge":   0.252,
	"r5.2xlarge":  0.504,
	"r6i.large":   0.126,
	"r6i.xlarge":  0.252,
	"r7g.large":   0.1071,
	"r7g.xlarge":  0.2142,
}

// spotFractions holds the fraction of the on-demand price paid for spot
// capacity, per instance family. Long-run averages, not live quotes.
var spotFractions = map[string]float64{
	"t3":  0.31,
	"m5":  0.38,
	"m6i": 0.36,
	"m7g": 0.32,
	"c5":  0.40,
	"c6i": 0.39,
	"c7g": 0.33,
	"r5":  0.35,
	"r6i": 0.34,
	"r7g": 0.31,
}

const defaultSpotFraction = 0.35

// OnDemandPrice returns the reference on-demand price for a given instance
// type, reporting false when the type is not in the table.
func OnDemandPrice(instanceType string) (float64, bool) {
	price, ok := onDemandPrices[instanceType]
	return price, ok
}

// SpotPrice returns the estimated spot price for a given instance type,
// derived from the on-demand price and the family's spot fraction.
func SpotPrice(instanceType string) (float64, bool) {
	price, ok := onDemandPrices[instanceType]
	if !ok {
		return 0.0, false
	}
	family, _, _ := strings.Cut(instanceType, ".")
	fraction, ok := spotFractions[family]
	if !ok {
		fraction = defaultSpotFraction
	}
	return price * fraction, true
}

// FargateTaskPrice returns the hourly price of one serverless task sized at
// cpu vCPUs and memoryGB gigabytes.
func FargateTaskPrice(cpu, memoryGB float64, arch config.Architecture, spot bool) float64 {
	vcpuHour, gbHour := fargateVCPUHourX8664, fargateGBHourX8664
	if arch == config.ArchitectureARM64 {
		vcpuHour, gbHour = fargateVCPUHourARM64, fargateGBHourARM64
	}
	price := cpu*vcpuHour + memoryGB*gbHour
	if spot {
		price *= fargateSpotFraction
	}
	return price
}

// PerTaskCost converts an hourly price and a wall duration into dollars.
func PerTaskCost(pricePerHour float64, d time.Duration) float64 {
	return pricePerHour * d.Hours()
}
