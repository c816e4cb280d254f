package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arena-platform/arena-deploy/deployer"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <environment>",
	Short: "Revert an environment to the state before its latest attempt",
	Long: `rollback reverts the environment's services to the predecessor versions
captured by the most recent deployment attempt, restores the infrastructure
state snapshot, triggers the external data restore when that attempt touched
data-bearing resources, and re-verifies the environment.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		environment := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		controllers, err := buildControllers(ctx, environment)
		if err != nil {
			return err
		}
		defer controllers.close()

		attempt, rollbackErr := controllers.pipeline.RollBackLatest(ctx)
		fmt.Println(deployer.Summary(attempt, rollbackErr))
		return rollbackErr
	},
}
