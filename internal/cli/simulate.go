package cli

import (
	"github.com/spf13/cobra"

	"cewatcher/internal/app"
)

var (
	simulateRates   []string
	simulatePersist bool
	simulateNotify  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "使用给定汇率模拟一次检测",
	Example: "  cewatcher simulate --rate EURUSD=1.25 --rate GBPUSD=1.31\n" +
		"  cewatcher simulate --rate EURUSD=1.25 --persist --notify",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Values:  simulateRates,
			Persist: simulatePersist,
			Notify:  simulateNotify,
		})
	},
}

func init() {
	simulateCmd.Flags().StringArrayVar(&simulateRates, "rate", nil, "Rate value as id=value, repeatable")
	simulateCmd.Flags().BoolVar(&simulatePersist, "persist", false, "Use the configured store instead of an in-memory one")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Deliver resulting events through the configured channels")
}
