package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cewatcher/internal/app"
)

var (
	showLimit int
	showPulls bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent change events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Pulls: showPulls,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of records to display")
	showCmd.Flags().BoolVar(&showPulls, "pulls", false, "Show stored pulls instead of events")
}
