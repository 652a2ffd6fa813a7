package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/threatworks/signalsync/internal/signalsync"
)

var (
	labelTruePositive  bool
	labelFalsePositive bool
	labelInvestigate   bool
	labelTags          []string
	labelTimeout       time.Duration
)

// labelCmd represents the label command
var labelCmd = &cobra.Command{
	Use:   "label <collab> <signal-type> <indicator>",
	Short: "Report an opinion about an indicator back to its source",
	Long: `Label reports your organization's opinion about one indicator to the
exchange behind the named collaboration. Exactly one of --true-positive,
--false-positive, or --investigate must be given.

Sources without write-back support reject the report.`,
	Args: cobra.ExactArgs(3),
	RunE: runLabel,
}

func init() {
	rootCmd.AddCommand(labelCmd)

	labelCmd.Flags().BoolVar(&labelTruePositive, "true-positive", false, "the indicator is genuinely harmful")
	labelCmd.Flags().BoolVar(&labelFalsePositive, "false-positive", false, "the indicator is not harmful")
	labelCmd.Flags().BoolVar(&labelInvestigate, "investigate", false, "the indicator deserves review")
	labelCmd.Flags().StringSliceVar(&labelTags, "tag", nil, "tags to attach to the opinion")
	labelCmd.Flags().DurationVar(&labelTimeout, "timeout", 30*time.Second, "report timeout")
}

func runLabel(cmd *cobra.Command, args []string) error {
	category, err := labelCategory()
	if err != nil {
		return err
	}

	env, err := buildEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	collabName, signalType, indicator := args[0], args[1], args[2]
	collab, err := env.collabs.Get(collabName)
	if err != nil {
		return err
	}
	api, ok := env.exchanges.Lookup(collab.API)
	if !ok {
		return fmt.Errorf("collaboration %q uses unknown api %q", collab.Name, collab.API)
	}

	ctx, cancel := context.WithTimeout(context.Background(), labelTimeout)
	defer cancel()

	switch category {
	case signalsync.CategoryTruePositive:
		err = signalsync.ReportTruePositive(ctx, api, collab, signalType, indicator, labelTags)
	case signalsync.CategoryFalsePositive:
		err = signalsync.ReportFalsePositive(ctx, api, collab, signalType, indicator, labelTags)
	default:
		var owner int64
		owner, err = api.OwnOwnerID(ctx, collab)
		if err == nil {
			err = api.ReportOpinion(ctx, collab, signalType, indicator, signalsync.SignalOpinion{
				OwnerID:  owner,
				Category: signalsync.CategoryWorthInvestigating,
				Tags:     labelTags,
			})
		}
	}
	if err != nil {
		return fmt.Errorf("report %s opinion on %s/%s: %w", category, signalType, indicator, err)
	}
	fmt.Printf("reported %s opinion on %s/%s via %s\n", category, signalType, indicator, collab.API)
	return nil
}

func labelCategory() (signalsync.OpinionCategory, error) {
	chosen := 0
	for _, on := range []bool{labelTruePositive, labelFalsePositive, labelInvestigate} {
		if on {
			chosen++
		}
	}
	if chosen != 1 {
		return "", fmt.Errorf("exactly one of --true-positive, --false-positive, --investigate is required")
	}
	switch {
	case labelTruePositive:
		return signalsync.CategoryTruePositive, nil
	case labelFalsePositive:
		return signalsync.CategoryFalsePositive, nil
	default:
		return signalsync.CategoryWorthInvestigating, nil
	}
}
