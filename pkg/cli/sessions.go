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
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudburst-labs/cloudburst/pkg/apis/config"
	"github.com/cloudburst-labs/cloudburst/pkg/plan"
	"github.com/cloudburst-labs/cloudburst/pkg/session"
	"github.com/cloudburst-labs/cloudburst/pkg/task"
)

func newSessionsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage detached sessions",
		Long: `Sessions keep workers pulling tasks after the client exits. Create one,
submit work to it from anywhere, and collect results whenever they are done;
the session lives in the object store, not in any process.`,
	}
	cmd.AddCommand(
		newSessionsCreateCmd(g),
		newSessionsSubmitCmd(g),
		newSessionsListCmd(g),
		newSessionsStatusCmd(g),
		newSessionsCollectCmd(g),
		newSessionsCleanupCmd(g),
		newSessionsExtendCmd(g),
	)
	return cmd
}

func newSessionsCreateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a detached session with standing workers",
		Example: `  # Four standing serverless workers for up to 24 hours
  cloudburst sessions create --workers 4

  # A week-long spot-instance session
  cloudburst sessions create --workers 8 --launch-type instance \
    --instance-type c5.xlarge --spot --absolute-timeout 168h`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsCreate(cmd.Context(), g)
		},
	}
	cmd.Flags().Duration("absolute-timeout", 0, "session lifetime cap (default 24h)")
	addClusterFlags(cmd.Flags())
	return cmd
}

func runSessionsCreate(ctx context.Context, g *globals) error {
	cfg, err := clusterConfig(g.v)
	if err != nil {
		return err
	}
	backend, err := plan.New(ctx, cfg)
	if err != nil {
		return err
	}
	sess, err := backend.NewSession(ctx, config.SessionConfig{
		ClusterConfig:   cfg,
		AbsoluteTimeout: g.v.GetDuration("absolute-timeout"),
	})
	p := newPrinter(g.v)
	if err != nil {
		// A non-nil handle means the manifest exists but workers failed to
		// launch; surface the id so the partial session can be cleaned up.
		if sess != nil {
			p.Line("session %s created but worker launch failed; clean it up with:", sess.ID())
			p.Line("  cloudburst sessions cleanup %s --force", sess.ID())
		}
		return err
	}
	manifest := sess.Manifest()
	if p.json {
		return p.JSON(map[string]any{
			"session_id": sess.ID(),
			"workers":    len(manifest.ContainerTaskARNs),
			"deadline":   manifest.AbsoluteDeadline,
		})
	}
	p.Line("session %s", p.colors.accent("%s", sess.ID()))
	p.Line("%d workers launched, deadline %s",
		len(manifest.ContainerTaskARNs), manifest.AbsoluteDeadline.Format(time.RFC3339))
	p.Line("submit work with: cloudburst sessions submit %s --fn <name>", sess.ID())
	return nil
}

func newSessionsSubmitCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <session-id>",
		Short: "Submit tasks to a session",
		Args:  cobra.ExactArgs(1),
		Example: `  cloudburst sessions submit session-0123456789abcdef --fn simulate --args '[42]' --count 100
  cloudburst sessions submit session-0123456789abcdef -f tasks.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsSubmit(cmd.Context(), g, args[0])
		},
	}
	cmd.Flags().StringP("file", "f", "", "task file (yaml)")
	cmd.Flags().String("fn", "", "registered function to call")
	cmd.Flags().String("args", "", "function arguments as a json array")
	cmd.Flags().Int("count", 1, "copies of the --fn call to submit")
	return cmd
}

func runSessionsSubmit(ctx context.Context, g *globals, sessionID string) error {
	inputs, err := resolveInputs(g.v)
	if err != nil {
		return err
	}
	_, sess, err := attach(ctx, g, sessionID)
	if err != nil {
		return err
	}
	taskIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		tid, err := sess.Submit(ctx, session.Input{
			Expr: in.Expr, Globals: in.Globals, Packages: in.Packages, Seed: in.Seed,
		})
		if err != nil {
			return err
		}
		taskIDs = append(taskIDs, tid)
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"session_id": sessionID, "task_ids": taskIDs})
	}
	p.Line("submitted %d tasks to %s", len(taskIDs), sessionID)
	for _, tid := range taskIDs {
		p.Line("  %s", tid)
	}
	return nil
}

func newSessionsListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every session in the bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsList(cmd.Context(), g)
		},
	}
}

func runSessionsList(ctx context.Context, g *globals) error {
	backend, err := newBackend(ctx, g)
	if err != nil {
		return err
	}
	summaries, err := backend.ListSessions(ctx)
	if err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(summaries)
	}
	if len(summaries) == 0 {
		p.Line("no sessions")
		return nil
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		state := "active"
		if s.Terminated {
			state = "terminated"
		} else if time.Now().After(s.AbsoluteDeadline) {
			state = "expired"
		}
		rows = append(rows, []string{
			s.SessionID,
			strconv.Itoa(s.Workers),
			strconv.Itoa(s.Stats.Total),
			strconv.Itoa(s.Stats.Completed),
			strconv.Itoa(s.Stats.Failed),
			age(s.LastActivity),
			s.AbsoluteDeadline.Format(time.RFC3339),
			p.colors.state(state),
		})
	}
	p.Table([]string{"SESSION", "WORKERS", "TASKS", "DONE", "FAILED", "ACTIVE", "DEADLINE", "STATE"}, rows)
	return nil
}

func newSessionsStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show a session's task tally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsStatus(cmd.Context(), g, args[0])
		},
	}
}

func runSessionsStatus(ctx context.Context, g *globals, sessionID string) error {
	_, sess, err := attach(ctx, g, sessionID)
	if err != nil {
		return err
	}
	tally, err := sess.Status(ctx)
	if err != nil {
		return err
	}
	manifest := sess.Manifest()
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{
			"session_id": sessionID,
			"tally":      tally,
			"workers":    len(manifest.ContainerTaskARNs),
			"deadline":   manifest.AbsoluteDeadline,
		})
	}
	p.Line("session %s, %d workers launched, deadline %s",
		sessionID, len(manifest.ContainerTaskARNs), manifest.AbsoluteDeadline.Format(time.RFC3339))
	p.Table(
		[]string{"TOTAL", "PENDING", "RUNNING", "COMPLETED", "FAILED"},
		[][]string{{
			strconv.Itoa(tally.Total),
			strconv.Itoa(tally.Pending),
			strconv.Itoa(tally.Running),
			p.colors.success("%d", tally.Completed),
			p.colors.failure("%d", tally.Failed),
		}},
	)
	return nil
}

func newSessionsCollectCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect <session-id>",
		Short: "Download a session's results",
		Long: `Collect downloads every finished result. With --wait it polls until all
tasks reach a terminal state or the timeout elapses; without it, whatever is
finished right now is returned.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsCollect(cmd.Context(), g, args[0])
		},
	}
	cmd.Flags().Bool("wait", false, "block until every task is terminal")
	cmd.Flags().Duration("timeout", 10*time.Minute, "wait budget when --wait is set")
	return cmd
}

func runSessionsCollect(ctx context.Context, g *globals, sessionID string) error {
	_, sess, err := attach(ctx, g, sessionID)
	if err != nil {
		return err
	}
	results, collectErr := sess.Collect(ctx, g.v.GetBool("wait"), g.v.GetDuration("timeout"))
	if results == nil && collectErr != nil {
		return collectErr
	}
	// Failed tasks ride along in collectErr; render what arrived first so a
	// few failures never hide the rest.
	p := newPrinter(g.v)
	if p.json {
		payload := make(map[string]taskReport, len(results))
		for tid, result := range results {
			report := taskReport{TaskID: tid, Status: "ok"}
			if result.IsError() {
				report.Status = "failed"
				report.Message = result.Message
			} else {
				report.Value = decodedValue(result)
			}
			report.Stdout = result.Stdout
			payload[tid] = report
		}
		if err := p.JSON(payload); err != nil {
			return err
		}
		return collectErr
	}
	rows := make([][]string, 0, len(results))
	for tid, result := range results {
		status, value := "ok", renderValue(decodedValue(result))
		if result.IsError() {
			status, value = "failed", result.Message
		}
		rows = append(rows, []string{tid, p.colors.state(status), value})
	}
	p.Table([]string{"TASK", "STATUS", "VALUE"}, rows)
	return collectErr
}

func newSessionsCleanupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Terminate a session and optionally delete its objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsCleanup(cmd.Context(), g, args[0])
		},
	}
	cmd.Flags().Bool("stop-workers", false, "stop the session's running containers")
	cmd.Flags().Bool("force", false, "delete every object belonging to the session")
	return cmd
}

func runSessionsCleanup(ctx context.Context, g *globals, sessionID string) error {
	backend, err := newBackend(ctx, g)
	if err != nil {
		return err
	}
	force := g.v.GetBool("force")
	if err := backend.CleanupSession(ctx, sessionID, g.v.GetBool("stop-workers"), force); err != nil {
		return err
	}
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"session_id": sessionID, "deleted": force})
	}
	if force {
		p.Line("session %s deleted", sessionID)
	} else {
		p.Line("session %s terminated; workers drain and exit", sessionID)
	}
	return nil
}

func newSessionsExtendCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extend <session-id>",
		Short: "Push a session's deadline out from now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsExtend(cmd.Context(), g, args[0])
		},
	}
	cmd.Flags().Duration("by", 24*time.Hour, "new lifetime, measured from now")
	return cmd
}

func runSessionsExtend(ctx context.Context, g *globals, sessionID string) error {
	_, sess, err := attach(ctx, g, sessionID)
	if err != nil {
		return err
	}
	d := g.v.GetDuration("by")
	if d <= 0 {
		return fmt.Errorf("extension must be positive, got %s", d)
	}
	if err := sess.Extend(ctx, d); err != nil {
		return err
	}
	deadline := sess.Manifest().AbsoluteDeadline
	p := newPrinter(g.v)
	if p.json {
		return p.JSON(map[string]any{"session_id": sessionID, "deadline": deadline})
	}
	p.Line("session %s deadline is now %s", sessionID, deadline.Format(time.RFC3339))
	return nil
}

// newBackend builds a backend from the invocation's configuration.
func newBackend(ctx context.Context, g *globals) (*plan.Backend, error) {
	cfg, err := clusterConfig(g.v)
	if err != nil {
		return nil, err
	}
	return plan.New(ctx, cfg)
}

// attach builds a backend and reattaches to the named session.
func attach(ctx context.Context, g *globals, sessionID string) (*plan.Backend, *session.Session, error) {
	if !task.IsValidSessionID(sessionID) {
		return nil, nil, fmt.Errorf("%q is not a session id", sessionID)
	}
	backend, err := newBackend(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	sess, err := backend.Attach(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return backend, sess, nil
}

// age renders how long ago t was, kubectl-style.
func age(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
