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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/plan"
	"github.com/cloudburst-labs/cloudburst/pkg/providers/computepool"
)

func newPoolCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and tear down instance compute pools",
		Long: `Pools are the warm instance capacity behind --launch-type instance. A
pool's identity is derived from its sizing and placement, so pass the same
flags here that launched it.`,
	}
	cmd.AddCommand(newPoolStatusCmd(g), newPoolDownCmd(g))
	return cmd
}

func newPoolStatusCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a pool's capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoolStatus(cmd.Context(), g)
		},
	}
	addClusterFlags(cmd.Flags())
	return cmd
}

func runPoolStatus(ctx context.Context, g *globals) error {
	pool, err := resolvePool(ctx, g)
	if err != nil {
		return err
	}
	status, err := pool.Status(ctx)
	if err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"pool": pool.Name(), "status": status})
	}
	p.Line("pool %s", pool.Name())
	p.Table(
		[]string{"DESIRED", "IN SERVICE", "REGISTERED"},
		[][]string{{
			strconv.Itoa(status.Desired),
			strconv.Itoa(status.InService),
			strconv.Itoa(status.Registered),
		}},
	)
	return nil
}

func newPoolDownCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Scale a pool to zero and remove its scaling group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPoolDown(cmd.Context(), g)
		},
	}
	addClusterFlags(cmd.Flags())
	return cmd
}

func runPoolDown(ctx context.Context, g *globals) error {
	pool, err := resolvePool(ctx, g)
	if err != nil {
		return err
	}
	if err := pool.Decommission(ctx); err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"pool": pool.Name(), "decommissioned": true})
	}
	p.Line("pool %s decommissioned", pool.Name())
	return nil
}

// resolvePool builds the pool handle for the invocation's configuration.
// Asking about a pool implies instance launch, so the kind is forced rather
// than demanding the flag.
func resolvePool(ctx context.Context, g *globals) (computepool.Provider, error) {
	cfg, err := clusterConfig(g.v)
	if err != nil {
		return nil, err
	}
	cfg.LaunchKind = config.LaunchInstance
	backend, err := plan.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return backend.Pool(ctx, cfg)
}
