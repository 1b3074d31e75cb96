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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cloudburst-labs/cloudburst/pkg/dispatch"
	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
	"github.com/cloudburst-labs/cloudburst/pkg/plan"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

// taskReport is one task's outcome as the run command prints it.
type taskReport struct {
	Index   int    `json:"index"`
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Value   any    `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
}

// runReport is the run command's machine output.
type runReport struct {
	Tasks          []taskReport `json:"tasks"`
	Mode           string       `json:"mode"`
	WorkersPerWave int          `json:"workers_per_wave,omitempty"`
	Waves          int          `json:"waves,omitempty"`
	Completed      int          `json:"completed"`
	Failed         int          `json:"failed"`
	CostUSD        float64      `json:"cost_usd"`
}

func newRunCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run tasks on an ephemeral cluster and wait for results",
		Long: `Run submits tasks to a cluster that lives exactly as long as this
command, waits for every result, and prints them in submission order. Tasks
come from a task file or from --fn and --args.`,
		Example: `  # Call a registered function once
  cloudburst run --fn echo --args '["hello"]'

  # Fan the same call out 20 ways on 10 workers
  cloudburst run --fn simulate --args '[42]' --count 20 --workers 10

  # Run a task file on spot instances
  cloudburst run -f tasks.yaml --launch-type instance --instance-type c5.xlarge --spot`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd.Context(), g)
		},
	}
	cmd.Flags().StringP("file", "f", "", "task file (yaml)")
	cmd.Flags().String("fn", "", "registered function to call")
	cmd.Flags().String("args", "", "function arguments as a json array")
	cmd.Flags().Int("count", 1, "copies of the --fn call to submit")
	addClusterFlags(cmd.Flags())
	return cmd
}

func runRun(ctx context.Context, g *globals) error {
	inputs, err := resolveInputs(g.v)
	if err != nil {
		return err
	}
	cfg, err := clusterConfig(g.v)
	if err != nil {
		return err
	}
	backend, err := plan.New(ctx, cfg)
	if err != nil {
		return err
	}
	cluster, err := backend.NewCluster(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cluster.Close(ctx); cerr != nil {
			logging.FromContext(ctx).Errorf("closing cluster: %s", cerr)
		}
	}()

	futures := make([]*dispatch.Future, len(inputs))
	for i, in := range inputs {
		f, err := cluster.Submit(ctx, in)
		if err != nil {
			return err
		}
		futures[i] = f
	}

	// Task failures become rows so a single bad task cannot hide the other
	// results; anything else is an infrastructure fault and aborts.
	reports := make([]taskReport, len(futures))
	var firstFailure error
	for i, f := range futures {
		report := taskReport{Index: i, TaskID: f.TaskID}
		result, err := cluster.Result(ctx, f)
		switch {
		case err == nil:
			report.Status = "ok"
			report.Value = decodedValue(result)
			report.Stdout = result.Stdout
		case errors.IsTaskFailed(err):
			failure, _ := errors.As[errors.TaskFailedError](err)
			report.Status = "failed"
			report.Message = failure.Message
			report.Stdout = failure.Stdout
			if firstFailure == nil {
				firstFailure = err
			}
		default:
			return err
		}
		reports[i] = report
	}

	summary := cluster.Summary()
	p := newPrinter(g.v)
	if p.json {
		if err := p.JSON(runReport{
			Tasks:          reports,
			Mode:           summary.Mode,
			WorkersPerWave: summary.WorkersPerWave,
			Waves:          summary.Waves,
			Completed:      summary.Completed,
			Failed:         summary.Failed,
			CostUSD:        summary.CostUSD,
		}); err != nil {
			return err
		}
		return firstFailure
	}
	rows := make([][]string, 0, len(reports))
	for _, report := range reports {
		value := report.Message
		if report.Status == "ok" {
			value = renderValue(report.Value)
		}
		rows = append(rows, []string{
			strconv.Itoa(report.Index), report.TaskID, p.colors.state(report.Status), value,
		})
	}
	p.Table([]string{"#", "TASK", "STATUS", "VALUE"}, rows)
	p.Line("")
	p.Line("%s mode, %d completed, %d failed, estimated $%.4f",
		summary.Mode, summary.Completed, summary.Failed, summary.CostUSD)
	if summary.Mode == "wave" {
		p.Line("%d waves of up to %d workers", summary.Waves, summary.WorkersPerWave)
	}
	return firstFailure
}

// decodedValue decodes a success value for display, tolerating values the
// codec cannot round-trip into plain interfaces.
func decodedValue(result *task.Result) any {
	var v any
	if err := result.DecodeValue(&v); err != nil {
		return fmt.Sprintf("<%d bytes>", len(result.Value))
	}
	return v
}

// renderValue renders a decoded value compactly for the table. JSON covers
// the common shapes; anything it refuses falls back to Go formatting.
func renderValue(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
