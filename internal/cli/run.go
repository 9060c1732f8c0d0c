package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daily watcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Fetch rates and run one detection cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Check(cmd.Context())
	},
}

var nextRunCmd = &cobra.Command{
	Use:   "next-run",
	Short: "Print the resolved local run time",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NextRun()
	},
}

var testEmailCmd = &cobra.Command{
	Use:   "test-email",
	Short: "Send a test email through the configured SMTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().TestEmail(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the storage schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}
