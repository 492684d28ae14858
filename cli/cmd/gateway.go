package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboxrelay/relay/cli/pkg/output"
	"github.com/inboxrelay/relay/common/models"
	"github.com/inboxrelay/relay/common/wsclient"
)

func gatewayClient(cmd *cobra.Command) *wsclient.Client {
	p := profileFor(cmd)
	return wsclient.New(p.GatewayURL, p.InternalKey)
}

// eventPayload builds the payload for the counter events from flags. A
// received event carries no message when sent by hand.
func eventPayload(cmd *cobra.Command, kind models.EventKind) (models.EventData, error) {
	count, _ := cmd.Flags().GetInt("count")
	hasMore, _ := cmd.Flags().GetBool("has-more")
	switch kind {
	case models.EventUnseen:
		return models.UnseenData(count, hasMore), nil
	case models.EventUnread:
		return models.UnreadData(count, hasMore), nil
	case models.EventReceived:
		return models.EventData{}, nil
	}
	return models.EventData{}, fmt.Errorf("unknown event %q (want received, unseen or unread)", kind)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Push an event to one subscriber's live connections",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		event, _ := cmd.Flags().GetString("event")
		env, err := environmentFor(cmd, profileFor(cmd))
		if err != nil {
			return err
		}

		kind := models.EventKind(event)
		payload, err := eventPayload(cmd, kind)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		n, err := gatewayClient(cmd).Send(ctx, models.SendRequest{
			Event: kind, UserID: user, EnvironmentID: env, Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("failed to send event: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), models.SendResponse{Delivered: n}); handled {
			return err
		}
		if n == 0 {
			output.Warn("Subscriber %s has no live connections", user)
			return nil
		}
		output.Success("Event %s delivered to %d connection(s)", kind, n)
		return nil
	},
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Push an event to every live connection of a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		event, _ := cmd.Flags().GetString("event")

		kind := models.EventKind(event)
		payload, err := eventPayload(cmd, kind)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		n, err := gatewayClient(cmd).Broadcast(ctx, models.BroadcastRequest{
			Event: kind, TenantID: tenant, Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("failed to broadcast event: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), models.SendResponse{Delivered: n}); handled {
			return err
		}
		output.Success("Event %s delivered to %d connection(s)", kind, n)
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online [subscriber]",
	Short: "Report whether a subscriber holds a live connection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := environmentFor(cmd, profileFor(cmd))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		online, err := gatewayClient(cmd).IsOnline(ctx, env, args[0])
		if err != nil {
			return fmt.Errorf("failed to check presence: %w", err)
		}
		resp := models.OnlineResponse{UserID: args[0], EnvironmentID: env, Online: online}
		if handled, err := output.Structured(outputFormat(cmd), resp); handled {
			return err
		}
		if online {
			output.Success("%s is online", args[0])
		} else {
			output.Info("%s is offline", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd, broadcastCmd, onlineCmd)

	for _, c := range []*cobra.Command{sendCmd, broadcastCmd} {
		c.Flags().String("event", string(models.EventUnseen), "event kind: received, unseen, unread")
		c.Flags().Int("count", 0, "counter value for unseen and unread events")
		c.Flags().Bool("has-more", false, "mark the counter as capped")
	}
	sendCmd.Flags().StringP("user", "u", "", "subscriber id")
	for _, c := range []*cobra.Command{sendCmd, onlineCmd} {
		c.Flags().StringP("environment", "e", "", "environment id (defaults to the profile's)")
	}
	broadcastCmd.Flags().StringP("tenant", "t", "", "tenant (organization) id")
	if err := sendCmd.MarkFlagRequired("user"); err != nil {
		panic(fmt.Sprintf("failed to mark user as required: %v", err))
	}
	if err := broadcastCmd.MarkFlagRequired("tenant"); err != nil {
		panic(fmt.Sprintf("failed to mark tenant as required: %v", err))
	}
}
