package cmd

import (
	"github.com/spf13/cobra"

	"github.com/inboxrelay/relay/cli/internal/config"
	"github.com/inboxrelay/relay/cli/pkg/output"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage connection profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set [name]",
	Short: "Create or replace a profile and make it current",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := &config.Profile{}
		p.GatewayURL, _ = cmd.Flags().GetString("gateway-url")
		p.WorkerURL, _ = cmd.Flags().GetString("worker-url")
		p.InternalKey, _ = cmd.Flags().GetString("internal-key")
		p.TokenSecret, _ = cmd.Flags().GetString("token-secret")
		p.EnvironmentID, _ = cmd.Flags().GetString("environment")

		if err := cfg.SaveProfile(args[0], p); err != nil {
			return err
		}
		output.Success("Profile '%s' saved and selected", args[0])
		return nil
	},
}

var profileListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if handled, err := output.Structured(outputFormat(cmd), cfg.Profiles); handled {
			return err
		}
		table := output.NewTable([]string{"", "Name", "Gateway", "Worker", "Environment"})
		for name := range cfg.Profiles {
			p, _ := cfg.GetProfile(name)
			marker := ""
			if name == cfg.CurrentProfile {
				marker = "*"
			}
			table.AddRow([]string{marker, name, p.GatewayURL, p.WorkerURL, p.EnvironmentID})
		}
		table.Render()
		return nil
	},
}

var profileRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RemoveProfile(args[0]); err != nil {
			return err
		}
		output.Success("Profile '%s' removed", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileSetCmd, profileListCmd, profileRemoveCmd)

	profileSetCmd.Flags().String("gateway-url", "", "websocket gateway base URL")
	profileSetCmd.Flags().String("worker-url", "", "worker base URL")
	profileSetCmd.Flags().String("internal-key", "", "shared key for the internal APIs")
	profileSetCmd.Flags().String("token-secret", "", "HMAC secret used to sign subscriber tokens")
	profileSetCmd.Flags().String("environment", "", "default environment id")
}
