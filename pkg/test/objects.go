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

package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/blob"
	"github.com/cloudburst-labs/cloudburst/pkg/fake"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

// ClusterConfig returns a fully-populated configuration wired to the fake
// account, merged with any overrides. Overrides win field-by-field.
func ClusterConfig(overrides ...config.ClusterConfig) config.ClusterConfig {
	cfg := config.ClusterConfig{
		Region:           fake.DefaultRegion,
		Bucket:           fake.DefaultBucket,
		ClusterName:      fake.DefaultCluster,
		ImageRef:         fake.RepositoryURI("cloudburst-worker") + ":latest",
		Subnets:          fake.DefaultSubnets(),
		SecurityGroups:   []string{fake.DefaultSecurityGroup},
		AccountID:        fake.DefaultAccount,
		ExecutionRoleARN: fake.RoleARN("cloudburst-execution"),
		TaskRoleARN:      fake.RoleARN("cloudburst-task"),
		InstanceProfile:  "cloudburst-instance",
	}
	for _, override := range overrides {
		lo.Must0(mergo.Merge(&cfg, override, mergo.WithOverride))
	}
	return cfg.WithDefaults()
}

// SessionConfig is ClusterConfig for detached sessions.
func SessionConfig(overrides ...config.SessionConfig) config.SessionConfig {
	cfg := config.SessionConfig{ClusterConfig: ClusterConfig()}
	for _, override := range overrides {
		lo.Must0(mergo.Merge(&cfg, override, mergo.WithOverride))
	}
	if cfg.AbsoluteTimeout == 0 {
		cfg.AbsoluteTimeout = config.DefaultSessionConfig().AbsoluteTimeout
	}
	return cfg
}

// Envelope returns a work envelope with a fresh task identifier and a
// trivially decodable expression.
func Envelope(overrides ...task.Envelope) *task.Envelope {
	envelope := task.Envelope{
		TaskID: task.NewID(),
		Expr:   blob.MustEncode(strings.ToLower(randomdata.SillyName())),
	}
	for _, override := range overrides {
		lo.Must0(mergo.Merge(&envelope, override, mergo.WithOverride))
	}
	return &envelope
}

// Expr encodes a named call for the worker registry runtime.
func Expr(fn string, args ...any) blob.Raw {
	return blob.MustEncode(map[string]any{"fn": fn, "args": args})
}

// SessionName returns a random human-friendly session label.
func SessionName() string {
	return fmt.Sprintf("%s-%s", strings.ToLower(randomdata.SillyName()), strings.ToLower(randomdata.Adjective()))
}
