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
	"strconv"
	"strings"
)

// ParseMemoryGB parses a memory option. Accepted forms: "8GB", "8gb",
// "8192MB", and bare numerics interpreted as GB. MB values divide by 1024.
func ParseMemoryGB(s string) (float64, error) {
	trimmed := strings.TrimSpace(s)
	upper := strings.ToUpper(trimmed)
	divisor := 1.0
	switch {
	case strings.HasSuffix(upper, "GB"):
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-2])
	case strings.HasSuffix(upper, "MB"):
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-2])
		divisor = 1024.0
	}
	value, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing memory %q, %w", s, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("parsing memory %q, value must be positive", s)
	}
	return value / divisor, nil
}

// ParseCPU parses a cpu option into a vCPU allotment. It accepts the fixed
// set spelled as numerics ("0.25", "4").
func ParseCPU(s string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing cpu %q, %w", s, err)
	}
	if !ValidCPU(value) {
		return 0, fmt.Errorf("cpu must be one of %v, got %q", ValidCPUs(), s)
	}
	return value, nil
}

// ParseLaunchKind parses a launch_type option, case-insensitively.
func ParseLaunchKind(s string) (LaunchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "serverless", "fargate":
		return LaunchServerless, nil
	case "instance", "ec2":
		return LaunchInstance, nil
	default:
		return "", fmt.Errorf("launch type must be %s or %s, got %q", LaunchServerless, LaunchInstance, s)
	}
}

// ParseArchitecture parses an architecture option, case-insensitively.
func ParseArchitecture(s string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_64", "amd64", "x86":
		return ArchitectureX8664, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	default:
		return "", fmt.Errorf("architecture must be %s or %s, got %q", ArchitectureX8664, ArchitectureARM64, s)
	}
}
