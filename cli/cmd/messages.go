package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inboxrelay/relay/cli/internal/client"
	"github.com/inboxrelay/relay/cli/pkg/output"
	"github.com/inboxrelay/relay/common/models"
)

func workerClient(cmd *cobra.Command) (*client.WorkerClient, string, error) {
	p := profileFor(cmd)
	env, err := environmentFor(cmd, p)
	if err != nil {
		return nil, "", err
	}
	return client.NewWorkerClient(p.WorkerURL, p.InternalKey), env, nil
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Inspect and update a subscriber's in-app feed",
}

var messagesListCmd = &cobra.Command{
	Use:   "list [subscriber]",
	Short: "List a subscriber's messages, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, env, err := workerClient(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		page, err := c.ListMessages(env, args[0], limit, offset)
		if err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), page.Data); handled {
			return err
		}

		table := output.NewTable([]string{"ID", "Created", "Seen", "Read", "Subject", "Body"})
		for _, m := range page.Data {
			table.AddRow([]string{
				m.ID,
				m.CreatedAt.Format("2006-01-02 15:04"),
				strconv.FormatBool(m.Seen),
				strconv.FormatBool(m.Read),
				truncate(fmt.Sprint(m.Content["subject"]), 30),
				truncate(fmt.Sprint(m.Content["body"]), 50),
			})
		}
		table.Render()
		return nil
	},
}

var messagesCountsCmd = &cobra.Command{
	Use:   "counts [subscriber]",
	Short: "Show a subscriber's unseen and unread counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, env, err := workerClient(cmd)
		if err != nil {
			return err
		}
		counts, err := c.Counts(env, args[0])
		if err != nil {
			return fmt.Errorf("failed to fetch counts: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), counts); handled {
			return err
		}
		more := ""
		if counts.HasMore {
			more = "+"
		}
		output.Info("Unseen: %d%s", counts.UnseenCount, more)
		output.Info("Unread: %d%s", counts.UnreadCount, more)
		return nil
	},
}

var messagesMarkCmd = &cobra.Command{
	Use:   "mark [subscriber] [action] [message-id]",
	Short: "Apply read, unread, seen, unseen, removed, read_all or seen_all",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		change, err := models.ParseChangeKind(args[1])
		if err != nil {
			return err
		}
		bulk := change == models.ChangeReadAll || change == models.ChangeSeenAll
		messageID := ""
		if len(args) == 3 {
			messageID = args[2]
		}
		if !bulk && messageID == "" {
			return fmt.Errorf("%s needs a message id", change)
		}

		c, env, err := workerClient(cmd)
		if err != nil {
			return err
		}
		n, err := c.ChangeState(env, args[0], messageID, change)
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", change, err)
		}
		output.Success("%d message(s) changed", n)
		return nil
	},
}

var translationsCmd = &cobra.Command{
	Use:   "translations",
	Short: "Manage stored translation content",
}

var translationsPutCmd = &cobra.Command{
	Use:   "put [resource-id] [locale] [file]",
	Short: "Replace the content of one resource and locale from a YAML or JSON file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[2])
		if err != nil {
			return err
		}
		var content map[string]any
		if err := yaml.Unmarshal(data, &content); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[2], err)
		}

		resourceType, _ := cmd.Flags().GetString("resource-type")
		p := profileFor(cmd)
		if err := client.NewWorkerClient(p.WorkerURL, p.InternalKey).PutTranslation(resourceType, args[0], args[1], content); err != nil {
			return fmt.Errorf("failed to store translations: %w", err)
		}
		output.Success("Stored %d key(s) for %s/%s", len(content), args[0], args[1])
		return nil
	},
}

func truncate(s string, n int) string {
	if s == "<nil>" {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	rootCmd.AddCommand(messagesCmd, translationsCmd)
	messagesCmd.AddCommand(messagesListCmd, messagesCountsCmd, messagesMarkCmd)
	translationsCmd.AddCommand(translationsPutCmd)

	messagesCmd.PersistentFlags().StringP("environment", "e", "", "environment id")
	messagesListCmd.Flags().Int("limit", 20, "page size")
	messagesListCmd.Flags().Int("offset", 0, "page offset")
	translationsPutCmd.Flags().String("resource-type", "workflow", "resource type")
}
