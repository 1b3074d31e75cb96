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

package cli

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
)

// addClusterFlags registers the sizing and placement flags shared by run and
// sessions create. Values left unset stay zero and are filled by the backend.
func addClusterFlags(fs *pflag.FlagSet) {
	fs.Int("workers", 0, "concurrent worker count")
	fs.String("cpu", "", "vCPUs per worker, from the serverless set (0.25..16)")
	fs.String("memory", "", `memory per worker, e.g. "8GB" or "512MB"`)
	fs.String("launch-type", "", "worker placement, serverless or instance")
	fs.String("instance-type", "", "instance type for instance launch")
	fs.Bool("spot", false, "use spot capacity for instance launch")
	fs.Duration("task-timeout", 0, "per-task result wait budget")
	fs.Duration("warm-pool-timeout", 0, "idle pool lifetime after teardown")
	fs.String("image", "", "worker container image reference")
	fs.StringSlice("subnets", nil, "subnets for worker placement")
	fs.StringSlice("security-groups", nil, "security groups for worker placement")
	fs.String("execution-role", "", "task execution role ARN")
	fs.String("task-role", "", "task role ARN")
	fs.String("instance-profile", "", "instance profile for pool instances")
	fs.String("architecture", "", "worker CPU architecture, x86_64 or arm64")
}

// clusterConfig assembles a ClusterConfig from the invocation's bound flags,
// environment, and config file. Every parse failure is reported, not just the
// first.
func clusterConfig(v *viper.Viper) (config.ClusterConfig, error) {
	cfg := config.ClusterConfig{
		Workers:          v.GetInt("workers"),
		Region:           v.GetString("region"),
		Bucket:           v.GetString("bucket"),
		ClusterName:      v.GetString("cluster-name"),
		Timeout:          v.GetDuration("task-timeout"),
		WarmPoolTimeout:  v.GetDuration("warm-pool-timeout"),
		InstanceType:     v.GetString("instance-type"),
		UseSpot:          v.GetBool("spot"),
		ImageRef:         v.GetString("image"),
		Subnets:          v.GetStringSlice("subnets"),
		SecurityGroups:   v.GetStringSlice("security-groups"),
		ExecutionRoleARN: v.GetString("execution-role"),
		TaskRoleARN:      v.GetString("task-role"),
		InstanceProfile:  v.GetString("instance-profile"),
	}
	var errs error
	if raw := v.GetString("cpu"); raw != "" {
		cpu, err := config.ParseCPU(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		cfg.CPUUnits = cpu
	}
	if raw := v.GetString("memory"); raw != "" {
		memory, err := config.ParseMemoryGB(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		cfg.MemoryGB = memory
	}
	if raw := v.GetString("launch-type"); raw != "" {
		kind, err := config.ParseLaunchKind(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		cfg.LaunchKind = kind
	}
	if raw := v.GetString("architecture"); raw != "" {
		arch, err := config.ParseArchitecture(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		cfg.Architecture = arch
	}
	if errs != nil {
		return config.ClusterConfig{}, errors.NewConfigInvalid(errs)
	}
	return cfg, nil
}
