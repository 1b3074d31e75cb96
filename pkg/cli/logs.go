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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

func newLogsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <task-id>",
		Short: "Show the container output of a task's worker",
		Long: `Logs locates the worker container that ran (or is running) the task and
prints its container log stream. Stopped workers stay locatable for about an
hour after exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd.Context(), g, args[0])
		},
	}
	cmd.Flags().Int("tail", 100, "maximum number of lines")
	return cmd
}

func runLogs(ctx context.Context, g *globals, taskID string) error {
	if !task.IsValidID(taskID) {
		return fmt.Errorf("%q is not a task id", taskID)
	}
	backend, err := newBackend(ctx, g)
	if err != nil {
		return err
	}
	worker, err := backend.Runner.FindWorker(ctx, backend.Config().ClusterName, taskID)
	if err != nil {
		return err
	}
	// The stream is named by the container service's task id, the ARN's last
	// path segment.
	segments := strings.Split(worker.ARN, "/")
	ecsTaskID := segments[len(segments)-1]
	lines, err := backend.WorkerLogs.Tail(ctx, ecsTaskID, g.v.GetInt("tail"))
	if err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(lines)
	}
	for _, line := range lines {
		p.Line("%s  %s", p.colors.accent("%s", line.Timestamp.Format(time.RFC3339)), line.Message)
	}
	return nil
}
