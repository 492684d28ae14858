package cmd

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxrelay/relay/cli/pkg/output"
	"github.com/inboxrelay/relay/common/tokens"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Subscriber token management",
	Long:  "Issue and inspect the tokens real-time clients present to the gateway",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a subscriber token",
	RunE: func(cmd *cobra.Command, args []string) error {
		subscriber, _ := cmd.Flags().GetString("subscriber")
		organization, _ := cmd.Flags().GetString("organization")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		p := profileFor(cmd)
		if p.TokenSecret == "" {
			return fmt.Errorf("no token secret: set token_secret in the profile or RELAYCTL_TOKEN_SECRET")
		}
		env, err := environmentFor(cmd, p)
		if err != nil {
			return err
		}

		token, err := tokens.NewIssuer(p.TokenSecret, ttl).Issue(subscriber, env, organization)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		connect := websocketURL(p.GatewayURL, token)
		if handled, err := output.Structured(outputFormat(cmd), map[string]string{
			"token": token, "connectUrl": connect,
		}); handled {
			return err
		}
		output.Success("Token issued for subscriber %s", subscriber)
		output.Info("%s", token)
		output.Info("\nConnect with:")
		output.Info("  %s", connect)
		return nil
	},
}

var tokenInspectCmd = &cobra.Command{
	Use:   "inspect [token]",
	Short: "Validate a subscriber token and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := profileFor(cmd)
		claims, err := tokens.NewIssuer(p.TokenSecret, 0).Validate(args[0])
		if err != nil {
			return err
		}
		if handled, err := output.Structured(outputFormat(cmd), claims); handled {
			return err
		}
		output.Info("Subscriber:   %s", claims.SubscriberID)
		output.Info("Environment:  %s", claims.EnvironmentID)
		if claims.OrganizationID != "" {
			output.Info("Organization: %s", claims.OrganizationID)
		}
		if claims.ExpiresAt != nil {
			output.Info("Expires:      %s", claims.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	},
}

// websocketURL turns the gateway's HTTP base URL into its /ws endpoint.
func websocketURL(gatewayURL, token string) string {
	u := strings.TrimRight(gatewayURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?token=" + url.QueryEscape(token)
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenInspectCmd)

	tokenIssueCmd.Flags().StringP("subscriber", "s", "", "subscriber id")
	tokenIssueCmd.Flags().StringP("environment", "e", "", "environment id")
	tokenIssueCmd.Flags().String("organization", "", "organization id")
	tokenIssueCmd.Flags().Duration("ttl", tokens.DefaultTTL, "token lifetime")
	if err := tokenIssueCmd.MarkFlagRequired("subscriber"); err != nil {
		panic(fmt.Sprintf("failed to mark subscriber as required: %v", err))
	}
}
