package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	syncerrors "github.com/kimhsiao/mealsync/internal/errors"
	"github.com/kimhsiao/mealsync/internal/sync/scheduler"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Run a single sync pass for hosts that schedule work themselves.

Exit status:
  0   the pass succeeded, or was skipped because no session is stored
  75  the pass should be retried later (transient failure or offline)
  1   the pass failed permanently`,
	RunE: func(cmd *cobra.Command, args []string) error {
		attempt, _ := cmd.Flags().GetInt("attempt")

		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		wr := a.scheduler.DoWork(cmd.Context(), attempt)
		return reportWork(wr)
	},
}

func init() {
	syncCmd.Flags().Int("attempt", 1, "Attempt number assigned by the host scheduler")
	rootCmd.AddCommand(syncCmd)
}

func reportWork(wr scheduler.WorkResult) error {
	switch wr.Outcome {
	case scheduler.OutcomeSuccess:
		if wr.Skipped {
			fmt.Println("Skipped: no authenticated session")
			return nil
		}
		if wr.Result != nil {
			fmt.Printf("Synced %d, failed %d, conflicted %d in %s\n",
				wr.Result.Synced, wr.Result.Failed, wr.Result.Conflicted, wr.Result.Duration)
		}
		return nil

	case scheduler.OutcomeRetry:
		fmt.Fprintf(os.Stderr, "Retry in %s: %v\n", wr.RetryAfter, wr.Err)
		return &exitError{code: exitRetry}
	}

	switch {
	case wr.Err == nil:
		return &exitError{code: exitFailure, err: fmt.Errorf("sync failed")}
	case wr.Err.AwaitsConnectivity():
		fmt.Fprintln(os.Stderr, "Offline: will sync when connectivity returns")
		return &exitError{code: exitRetry}
	case syncerrors.Is(wr.Err, syncerrors.ErrTokenExpired):
		return &exitError{code: exitFailure, err: fmt.Errorf("%w: sign in again", wr.Err)}
	}
	return &exitError{code: exitFailure, err: wr.Err}
}
