package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inboxrelay/relay/cli/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "Inbox Relay CLI",
	Long: `relayctl is the command-line interface for Inbox Relay.

Issue subscriber tokens, push real-time events through the gateway,
render and preview workflow steps, and inspect subscriber feeds.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.relayctl/config.yaml)")
	rootCmd.PersistentFlags().String("profile", "", "profile to use (default: current profile)")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "output format: table, json, yaml")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not load config: %v\n", err)
		cfg = config.Default()
	}
}

// profileFor returns the selected profile, falling back to the defaults so
// that commands work without any saved profile.
func profileFor(cmd *cobra.Command) *config.Profile {
	if cfg == nil {
		cfg = config.Default()
	}
	name, _ := cmd.Flags().GetString("profile")
	return cfg.ProfileOrDefaults(name)
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}

// environmentFor prefers the --environment flag over the profile.
func environmentFor(cmd *cobra.Command, p *config.Profile) (string, error) {
	env, _ := cmd.Flags().GetString("environment")
	if env == "" {
		env = p.EnvironmentID
	}
	if env == "" {
		return "", fmt.Errorf("environment is required: pass --environment or set environment_id in the profile")
	}
	return env, nil
}
