// Package cli defines the arena-deploy command tree: deploy, rollback and
// serve. commands stay thin; they load configuration, wire the controllers,
// and hand off. all policy lives in the packages they call.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arena-platform/arena-deploy/errdefs"
)

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "arena-deploy",
	Short: "Deployment and rollback controller for arena environments",
	Long: `arena-deploy ships a tagged release to an environment and verifies it,
rolling back automatically when verification fails. it also exposes a
read-only status API over the recorded attempt history.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"explicit config file (default configs/<environment>.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"human-readable debug logging")

	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the command tree and exits with the code the error taxonomy
// assigns: 0 on success, 1 on ordinary failure, 2 when a rollback was
// impossible or itself failed and the environment needs an operator.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
