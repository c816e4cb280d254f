package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arena-platform/arena-deploy/deployer"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <environment> <version-tag>",
	Short: "Deploy a tagged release to an environment",
	Long: `deploy validates the environment, builds and pushes the component images,
applies infrastructure, rolls the services onto the new version, and
verifies the result. a failed verification or a timed-out rollout triggers
an automatic rollback to the state captured before the attempt.

ctrl-c aborts the attempt cleanly until the rollout begins; after that the
attempt runs to a terminal state regardless.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		environment, versionTag := args[0], args[1]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		controllers, err := buildControllers(ctx, environment)
		if err != nil {
			return err
		}
		defer controllers.close()

		attempt, deployErr := controllers.pipeline.Deploy(ctx, versionTag)
		fmt.Println(deployer.Summary(attempt, deployErr))
		return deployErr
	},
}
