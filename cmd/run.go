// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

var (
	runMode   string
	runUserID string
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Execute a single goal and print the task report.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := observability.GetLogger()

		mode := schemas.Mode(runMode)
		if mode != schemas.ModeAutonomous && mode != schemas.ModeGuided {
			return fmt.Errorf("invalid mode %q: must be guided or autonomous", runMode)
		}

		manager, store, err := buildManager(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		report, err := manager.Run(ctx, schemas.Goal{
			Objective: strings.Join(args, " "),
			Mode:      mode,
			UserID:    runUserID,
		})
		manager.Wait()
		if err != nil {
			return err
		}

		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if report.Status == schemas.TaskFailed {
			return fmt.Errorf("task %s failed", report.TaskID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", string(schemas.ModeGuided), "execution mode: guided or autonomous")
	runCmd.Flags().StringVarP(&runUserID, "user", "u", "", "user id for memory context")
	rootCmd.AddCommand(runCmd)
}
