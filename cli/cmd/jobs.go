package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inboxrelay/relay/cli/internal/client"
	"github.com/inboxrelay/relay/cli/pkg/output"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Submit step jobs to the worker",
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit [job-file]",
	Short: "Render every step of a job and store in-app output",
	Long: `Submit a job file (YAML or JSON) holding subscriberId, environmentId and
a list of steps. The worker renders each step, stores in-app messages and
pushes them to connected subscribers.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var job map[string]any
		if err := yaml.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}

		p := profileFor(cmd)
		if _, ok := job["environmentId"]; !ok && p.EnvironmentID != "" {
			job["environmentId"] = p.EnvironmentID
		}

		result, err := client.NewWorkerClient(p.WorkerURL, p.InternalKey).SubmitJob(job)
		if err != nil {
			return fmt.Errorf("job failed: %w", err)
		}
		if handled, err := output.Structured(outputFormat(cmd), result); handled {
			return err
		}

		steps, _ := result["steps"].([]any)
		table := output.NewTable([]string{"Step", "Channel", "Status", "Message", "Error"})
		for _, s := range steps {
			step, _ := s.(map[string]any)
			table.AddRow([]string{
				str(step["stepId"]), str(step["channel"]), str(step["status"]),
				str(step["messageId"]), str(step["error"]),
			})
		}
		table.Render()
		return nil
	},
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
}
