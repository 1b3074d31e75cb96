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

package config

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
)

// memoryRange is the serverless memory envelope for one CPU allotment:
// either an explicit set of values, or [MinGB, MaxGB] in StepGB multiples.
type memoryRange struct {
	AllowedGB []float64
	MinGB     float64
	MaxGB     float64
	StepGB    float64
}

func (r memoryRange) contains(memoryGB float64) bool {
	if len(r.AllowedGB) > 0 {
		return lo.Contains(r.AllowedGB, memoryGB)
	}
	if memoryGB < r.MinGB || memoryGB > r.MaxGB {
		return false
	}
	steps := memoryGB / r.StepGB
	return math.Abs(steps-math.Round(steps)) < 1e-9
}

// cpuMemoryMatrix is the serverless platform's fixed CPU/memory compatibility
// table, keyed by vCPU allotment.
var cpuMemoryMatrix = map[float64]memoryRange{
	0.25: {AllowedGB: []float64{0.5, 1, 2}},
	0.5:  {MinGB: 1, MaxGB: 4, StepGB: 1},
	1:    {MinGB: 2, MaxGB: 8, StepGB: 1},
	2:    {MinGB: 4, MaxGB: 16, StepGB: 1},
	4:    {MinGB: 8, MaxGB: 30, StepGB: 1},
	8:    {MinGB: 16, MaxGB: 60, StepGB: 4},
	16:   {MinGB: 32, MaxGB: 120, StepGB: 8},
}

// ValidCPUs returns the fixed set of serverless vCPU allotments in ascending
// order.
func ValidCPUs() []float64 {
	cpus := lo.Keys(cpuMemoryMatrix)
	sort.Float64s(cpus)
	return cpus
}

// ValidCPU reports whether cpu is one of the fixed allotments.
func ValidCPU(cpu float64) bool {
	_, ok := cpuMemoryMatrix[cpu]
	return ok
}

// CheckMemoryCompatible reports whether memoryGB is a valid pairing for cpu
// under the serverless compatibility table.
func CheckMemoryCompatible(cpu, memoryGB float64) error {
	r, ok := cpuMemoryMatrix[cpu]
	if !ok {
		return fmt.Errorf("cpu must be one of %v, got %g", ValidCPUs(), cpu)
	}
	if !r.contains(memoryGB) {
		if len(r.AllowedGB) > 0 {
			return fmt.Errorf("memory for %g vCPUs must be one of %v GB, got %g", cpu, r.AllowedGB, memoryGB)
		}
		return fmt.Errorf("memory for %g vCPUs must be in %g..%g GB in %g GB steps, got %g", cpu, r.MinGB, r.MaxGB, r.StepGB, memoryGB)
	}
	return nil
}

// DefaultMemoryFor returns the smallest valid memory for cpu.
func DefaultMemoryFor(cpu float64) (float64, bool) {
	r, ok := cpuMemoryMatrix[cpu]
	if !ok {
		return 0, false
	}
	if len(r.AllowedGB) > 0 {
		return r.AllowedGB[0], true
	}
	return r.MinGB, true
}

// LargestCPUWithin returns the largest valid CPU allotment that does not
// exceed the given vCPU count, used when sizing is derived from an instance
// spec.
func LargestCPUWithin(vcpus int) float64 {
	best := 0.25
	for _, cpu := range ValidCPUs() {
		if cpu <= float64(vcpus) {
			best = cpu
		}
	}
	return best
}
