package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/threatworks/signalsync/internal/signalsync"
)

var (
	fetchCollab      string
	fetchSignalTypes []string
	fetchTimeout     time.Duration
	fetchParallel    int
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one sync pass for every enabled collaboration",
	Long: `Fetch runs the fetch-and-synchronize pass: for each enabled
collaboration it resumes from the stored checkpoint (or from scratch if
the checkpoint is stale), filters incoming records through the
collaboration's rules, and merges them into local fetched state.

Collaborations are synced independently; one failure does not abort the
others. The exit status is non-zero if any collaboration failed.`,
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchCollab, "collab", "", "sync only this collaboration")
	fetchCmd.Flags().StringSliceVarP(&fetchSignalTypes, "signal-type", "S", nil, "only fetch these signal types")
	fetchCmd.Flags().DurationVar(&fetchTimeout, "timeout", 15*time.Minute, "overall fetch timeout")
	fetchCmd.Flags().IntVar(&fetchParallel, "parallel", 0, "max collaborations synced in parallel (0 = all at once)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	env, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	collabs, err := selectCollabs(env, fetchCollab)
	if err != nil {
		return err
	}
	if len(collabs) == 0 {
		fmt.Fprintln(os.Stderr, "no collaborations configured; create one with `signalsync collab create`")
		return nil
	}

	driver, err := signalsync.NewDriver(signalsync.DriverOptions{
		Exchanges:      env.exchanges,
		Store:          env.store,
		SignalTypes:    fetchSignalTypes,
		Logger:         env.logger,
		MaxConcurrency: fetchParallel,
	})
	if err != nil {
		return err
	}

	outcomes := driver.SyncAll(ctx, collabs)
	failed := 0
	for _, outcome := range outcomes {
		fmt.Println(outcome.String())
		if outcome.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d collaborations failed", failed, len(outcomes))
	}
	return nil
}

func selectCollabs(env *environment, only string) ([]*signalsync.CollaborationConfig, error) {
	if only != "" {
		collab, err := env.collabs.Get(only)
		if err != nil {
			return nil, err
		}
		return []*signalsync.CollaborationConfig{collab}, nil
	}
	return env.collabs.GetAll()
}
