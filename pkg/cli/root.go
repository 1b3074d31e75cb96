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

// Package cli is the cloudburst command tree. Every command resolves its
// configuration through one viper instance owned by the invocation, builds a
// backend, and renders through a shared printer; exit codes are mapped from
// error kinds in exactly one place.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudburst-labs/cloudburst/pkg/errors"
	"github.com/cloudburst-labs/cloudburst/pkg/logging"
)

// globals threads per-invocation state through the command tree. Each root
// command owns its viper instance, so two invocations in one process never
// share configuration.
type globals struct {
	v *viper.Viper
}

// Execute runs the root command under ctx and returns the process exit code.
// Errors are printed here, once, so commands never print their own.
func Execute(ctx context.Context) int {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		errWord := "error"
		if f := os.Stderr; isTTY(f) {
			errWord = color.New(color.FgRed, color.Bold).Sprint(errWord)
		}
		fmt.Fprintf(os.Stderr, "%s: %s\n", errWord, err)
		return ExitCode(err)
	}
	return 0
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{v: viper.New()}
	root := &cobra.Command{
		Use:   "cloudburst",
		Short: "Burst compute tasks onto ephemeral cloud workers",
		Long: `Cloudburst runs batches of independent tasks on ephemeral container
workers, exchanging work and results through an object store. Ephemeral
clusters live for one command; detached sessions keep workers pulling tasks
after the client exits and can be reattached from anywhere.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.init(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "config file (default $HOME/.cloudburst.yaml)")
	root.PersistentFlags().String("region", "", "region override (default from AWS_REGION)")
	root.PersistentFlags().String("bucket", "", "object store bucket (default derived from the account)")
	root.PersistentFlags().String("cluster-name", "", "container cluster name")
	root.PersistentFlags().StringP("output", "o", "table", "output format, table or json")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")
	root.PersistentFlags().Bool("no-color", false, "disable colored output")

	root.AddCommand(
		newRunCmd(g),
		newSessionsCmd(g),
		newPoolCmd(g),
		newQuotaCmd(g),
		newLogsCmd(g),
		newSetupCmd(g),
		newVersionCmd(g),
	)
	return root
}

// init loads configuration and installs the logger before any RunE fires.
// Flag values and CLOUDBURST_* environment variables override the file.
func (g *globals) init(cmd *cobra.Command) error {
	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		g.v.SetConfigFile(cfgFile)
		if err := g.v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q, %w", cfgFile, err)
		}
	} else if home, err := os.UserHomeDir(); err == nil {
		g.v.AddConfigPath(home)
		g.v.SetConfigType("yaml")
		g.v.SetConfigName(".cloudburst")
		if err := g.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("reading config file, %w", err)
			}
		}
	}
	g.v.SetEnvPrefix("CLOUDBURST")
	g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	g.v.AutomaticEnv()
	if err := g.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags, %w", err)
	}
	logger := logging.NewLogger(g.v.GetBool("debug"))
	cmd.SetContext(logging.WithLogger(cmd.Context(), logger))
	return nil
}

// ExitCode maps an error to the process exit status. Scripts depend on these
// staying put as internals move.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsConfigInvalid(err):
		return 2
	case errors.IsNotFound(err):
		return 3
	case errors.IsTimedOut(err):
		return 4
	case errors.IsTaskFailed(err):
		return 5
	case errors.IsLaunchRejected(err):
		return 6
	case errors.IsQuotaExceeded(err):
		return 7
	default:
		return 1
	}
}
