package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show stored fetched state per collaboration",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()

		names, err := env.store.Collabs()
		if err != nil {
			return err
		}
		sort.Strings(names)
		if len(names) == 0 {
			fmt.Println("no fetched state; run `signalsync fetch` first")
			return nil
		}
		for _, name := range names {
			records, err := env.store.Get(name)
			if err != nil {
				return err
			}
			checkpoint, err := env.store.Checkpoint(name)
			if err != nil {
				return err
			}
			resume := "from scratch"
			if len(checkpoint) > 0 {
				resume = "checkpointed"
			}
			fmt.Printf("%s\t%d records\t%s\n", name, len(records), resume)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stateCmd)
}
