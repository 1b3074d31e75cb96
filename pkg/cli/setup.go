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
	"context"
	"strings"

	"github.com/spf13/cobra"

	awsclients "github.com/cloudburst-labs/cloudburst/pkg/aws"
	"github.com/cloudburst-labs/cloudburst/pkg/plan"
	"github.com/cloudburst-labs/cloudburst/pkg/setup"
)

func newSetupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision the account resources every command assumes",
		Long: `Setup makes the bucket, log group, container cluster, image repository,
and IAM roles exist, converging on anything already there. Run it once per
account and region; running it again is a no-op.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetup(cmd.Context(), g)
		},
	}
	addClusterFlags(cmd.Flags())
	return cmd
}

// runSetup provisions directly on the setup provider rather than through a
// backend: the backend assumes the very resources being created here.
func runSetup(ctx context.Context, g *globals) error {
	cfg, err := clusterConfig(g.v)
	if err != nil {
		return err
	}
	cfg = cfg.WithDefaults()
	clients, err := awsclients.NewClients(ctx, cfg.Region)
	if err != nil {
		return err
	}
	provider := setup.NewProvider(clients)
	accountID, err := provider.AccountID(ctx)
	if err != nil {
		return err
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = plan.DefaultBucketName(accountID, cfg.Region)
	}

	if err := provider.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	if err := provider.EnsureLogGroup(ctx); err != nil {
		return err
	}
	if err := provider.EnsureCluster(ctx, cfg.ClusterName); err != nil {
		return err
	}
	repositoryURI, err := provider.EnsureRepository(ctx, setup.RepositoryName)
	if err != nil {
		return err
	}
	roles, err := provider.EnsureTaskRoles(ctx, bucket)
	if err != nil {
		return err
	}
	instanceProfile, err := provider.EnsureInstanceProfile(ctx)
	if err != nil {
		return err
	}

	p := newPrinter(g.v)
	network, err := provider.DiscoverNetwork(ctx)
	if err != nil {
		// Explicit placement makes the default VPC optional; without it the
		// account cannot launch anything, so the failure is real.
		if len(cfg.Subnets) == 0 {
			return err
		}
		p.Line("%s: %s", p.colors.warn("no default network"), err)
		network = setup.Network{Subnets: cfg.Subnets, SecurityGroups: cfg.SecurityGroups}
	}

	if p.json {
		return p.JSON(map[string]any{
			"account_id":       accountID,
			"region":           cfg.Region,
			"bucket":           bucket,
			"cluster_name":     cfg.ClusterName,
			"repository_uri":   repositoryURI,
			"execution_role":   roles.ExecutionRoleARN,
			"task_role":        roles.TaskRoleARN,
			"instance_profile": instanceProfile,
			"subnets":          network.Subnets,
			"security_groups":  network.SecurityGroups,
		})
	}
	p.Table([]string{"RESOURCE", "VALUE"}, [][]string{
		{"account", accountID},
		{"region", cfg.Region},
		{"bucket", bucket},
		{"cluster", cfg.ClusterName},
		{"repository", repositoryURI},
		{"execution role", roles.ExecutionRoleARN},
		{"task role", roles.TaskRoleARN},
		{"instance profile", instanceProfile},
		{"subnets", strings.Join(network.Subnets, ",")},
		{"security groups", strings.Join(network.SecurityGroups, ",")},
	})
	p.Line("")
	p.Line("push your worker image to %s", p.colors.accent("%s", repositoryURI))
	p.Line("then: cloudburst run --fn echo --args '[\"hello\"]'")
	return nil
}
