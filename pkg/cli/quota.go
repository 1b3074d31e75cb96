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
	"fmt"

	"github.com/spf13/cobra"
)

func newQuotaCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and raise the serverless vCPU quota",
	}
	cmd.AddCommand(newQuotaShowCmd(g), newQuotaRequestCmd(g))
	return cmd
}

func newQuotaShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the observed serverless vCPU quota",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuotaShow(cmd.Context(), g)
		},
	}
}

func runQuotaShow(ctx context.Context, g *globals) error {
	backend, err := newBackend(ctx, g)
	if err != nil {
		return err
	}
	quota, err := backend.Quotas.ObservedVCPUQuota(ctx)
	if err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"vcpu_quota": quota})
	}
	p.Line("observed serverless vCPU quota: %g", quota)
	return nil
}

func newQuotaRequestCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a serverless vCPU quota increase",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuotaRequest(cmd.Context(), g)
		},
	}
	cmd.Flags().Float64("vcpus", 0, "desired vCPU quota")
	return cmd
}

func runQuotaRequest(ctx context.Context, g *globals) error {
	desired := g.v.GetFloat64("vcpus")
	if desired <= 0 {
		return fmt.Errorf("--vcpus must be positive, got %g", desired)
	}
	backend, err := newBackend(ctx, g)
	if err != nil {
		return err
	}
	requestID, err := backend.Quotas.RequestIncrease(ctx, desired)
	if err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"request_id": requestID, "vcpus": desired})
	}
	p.Line("requested quota of %g vCPUs, request id %s", desired, requestID)
	p.Line("increases are reviewed by the provider and may take days")
	return nil
}
