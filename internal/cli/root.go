package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cewatcher/internal/app"
	"cewatcher/internal/config"
	"cewatcher/internal/logging"
)

// skipConfig marks commands that run without loading configuration.
const skipConfig = "skip-config"

var (
	cfgFile   string
	envFile   string
	logLevel  string
	smtpHost  string
	smtpUser  string
	smtpPass  string
	notifyTo  []string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "cewatcher",
	Short:         "Watch currency exchange rates and email threshold crossings",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Annotations[skipConfig] == "true" {
			return nil
		}

		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file: %w", err)
			}
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if applySMTPOverrides(cmd, cfg) {
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		tail := logging.NewTail(cfg.Logging.TailLines)
		logger := logging.NewLogger(cfg.Logging, tail)
		appHandle = app.NewApp(cfg, logger, tail)
		return nil
	},
}

// applySMTPOverrides copies explicitly set SMTP flags over the loaded configuration.
func applySMTPOverrides(cmd *cobra.Command, cfg *config.Config) bool {
	flags := cmd.Flags()
	changed := false
	if flags.Changed("smtp-host") {
		cfg.Alerting.Email.Host = smtpHost
		changed = true
	}
	if flags.Changed("smtp-user") {
		cfg.Alerting.Email.Username = smtpUser
		changed = true
	}
	if flags.Changed("smtp-password") {
		cfg.Alerting.Email.Password = smtpPass
		cfg.Alerting.Email.PasswordSSMParameter = ""
		changed = true
	}
	if flags.Changed("email-to") {
		to := make([]string, 0, len(notifyTo))
		for _, addr := range notifyTo {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		cfg.Alerting.Email.To = to
		changed = true
	}
	return changed
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "Load environment variables from this file before reading configuration")
	flags.StringVar(&logLevel, "log-level", "", "Override log level defined in config")
	flags.StringVar(&smtpHost, "smtp-host", "", "Override alerting.email.host")
	flags.StringVar(&smtpUser, "smtp-user", "", "Override alerting.email.username")
	flags.StringVar(&smtpPass, "smtp-password", "", "Override alerting.email.password")
	flags.StringSliceVar(&notifyTo, "email-to", nil, "Override alerting.email.to (comma separated)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(nextRunCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(testEmailCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
