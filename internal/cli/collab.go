package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/threatworks/signalsync/internal/signalsync"
)

var (
	collabAPI        string
	collabDisabled   bool
	collabOnlyTypes  []string
	collabNotTypes   []string
	collabOnlyOwners []int64
	collabNotOwners  []int64
	collabOnlyTags   []string
	collabNotTags    []string
	collabParams     []string
	collabClearState bool
)

var collabCmd = &cobra.Command{
	Use:   "collab",
	Short: "Manage collaboration configs",
}

var collabListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured collaborations",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()
		configs, err := env.collabs.GetAll()
		if err != nil {
			return err
		}
		for _, config := range configs {
			state := "enabled"
			if !config.Enabled {
				state = "disabled"
			}
			fmt.Printf("%s\t%s\t%s\n", config.Name, config.API, state)
		}
		return nil
	},
}

var collabCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or replace a collaboration config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()
		params, err := parseParams(collabParams)
		if err != nil {
			return err
		}
		config := &signalsync.CollaborationConfig{
			Name:            args[0],
			API:             collabAPI,
			Enabled:         !collabDisabled,
			OnlySignalTypes: collabOnlyTypes,
			NotSignalTypes:  collabNotTypes,
			OnlyOwners:      collabOnlyOwners,
			NotOwners:       collabNotOwners,
			OnlyTags:        collabOnlyTags,
			NotTags:         collabNotTags,
			Params:          params,
		}
		if _, ok := env.exchanges.Lookup(config.API); !ok {
			return fmt.Errorf("unknown exchange api %q (known: %s)", config.API, strings.Join(env.exchanges.Names(), ", "))
		}
		if err := env.collabs.Update(config); err != nil {
			return err
		}
		fmt.Printf("collaboration %s saved\n", config.Name)
		return nil
	},
}

var collabDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a collaboration config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnvironment()
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.collabs.Delete(args[0]); err != nil {
			return err
		}
		if collabClearState {
			if err := env.store.Clear(args[0]); err != nil {
				return err
			}
		}
		fmt.Printf("collaboration %s deleted\n", args[0])
		return nil
	},
}

var collabEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a collaboration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCollabEnabled(args[0], true)
	},
}

var collabDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a collaboration (skipped by fetch)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setCollabEnabled(args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(collabCmd)
	collabCmd.AddCommand(collabListCmd, collabCreateCmd, collabDeleteCmd, collabEnableCmd, collabDisableCmd)

	collabCreateCmd.Flags().StringVar(&collabAPI, "api", "", "exchange api name (required)")
	_ = collabCreateCmd.MarkFlagRequired("api")
	collabCreateCmd.Flags().BoolVar(&collabDisabled, "disabled", false, "create the collaboration disabled")
	collabCreateCmd.Flags().StringSliceVar(&collabOnlyTypes, "only-signal-type", nil, "only persist these signal types")
	collabCreateCmd.Flags().StringSliceVar(&collabNotTypes, "not-signal-type", nil, "never persist these signal types")
	collabCreateCmd.Flags().Int64SliceVar(&collabOnlyOwners, "only-owner", nil, "only keep opinions from these owners")
	collabCreateCmd.Flags().Int64SliceVar(&collabNotOwners, "not-owner", nil, "drop opinions from these owners")
	collabCreateCmd.Flags().StringSliceVar(&collabOnlyTags, "only-tag", nil, "only keep opinions carrying these tags")
	collabCreateCmd.Flags().StringSliceVar(&collabNotTags, "not-tag", nil, "drop opinions carrying these tags")
	collabCreateCmd.Flags().StringSliceVar(&collabParams, "param", nil, "source-specific key=value param (repeatable)")

	collabDeleteCmd.Flags().BoolVar(&collabClearState, "clear-state", false, "also clear the collaboration's fetched state")
}

func setCollabEnabled(name string, enabled bool) error {
	env, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()
	config, err := env.collabs.Get(name)
	if err != nil {
		return err
	}
	config.Enabled = enabled
	if err := env.collabs.Update(config); err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("collaboration %s %s\n", name, state)
	return nil
}

func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("malformed --param %q, expected key=value", pair)
		}
		params[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return params, nil
}
