package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inboxrelay/relay/cli/internal/client"
	"github.com/inboxrelay/relay/cli/pkg/output"
	"github.com/inboxrelay/relay/common/render"
	"github.com/inboxrelay/relay/common/render/sanitize"
	"github.com/inboxrelay/relay/common/render/translation"
)

// loadStep reads a step from a YAML or JSON file.
func loadStep(path string) (render.Request, error) {
	var req render.Request
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return req, nil
}

// fileTranslations serves translation content from a file shaped as
// locale -> content. Every resource shares the same content.
func fileTranslations(path string) (translation.Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var byLocale map[string]map[string]any
	if err := yaml.Unmarshal(data, &byLocale); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return translation.StoreFunc(func(_ context.Context, _, _, locale string) (map[string]any, error) {
		return byLocale[locale], nil
	}), nil
}

func applyModeFlag(cmd *cobra.Command, req *render.Request) error {
	mode, _ := cmd.Flags().GetString("mode")
	if mode == "" {
		return nil
	}
	m, err := render.ParseMode(mode)
	if err != nil {
		return err
	}
	req.Mode = m
	return nil
}

// renderLocal runs the rendering pipeline in-process.
func renderLocal(ctx context.Context, req render.Request, store translation.Store, fallbackLocale string) (*client.PreviewResult, error) {
	opts := []render.Option{render.WithSanitizer(sanitize.New())}
	if store != nil {
		opts = append(opts, render.WithTranslator(translation.NewTranslator(store, fallbackLocale, nil)))
	}
	res, err := render.New(opts...).Render(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &client.PreviewResult{StepID: res.StepID, Channel: res.Channel, Issues: res.Issues, Skipped: res.Skipped}
	if res.Output != nil {
		if out.Outputs, err = render.ContentMap(res.Output); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func printResult(cmd *cobra.Command, res *client.PreviewResult) error {
	if handled, err := output.Structured(outputFormat(cmd), res); handled {
		return err
	}
	if res.Skipped {
		output.Warn("Step skipped")
		return nil
	}

	fields := make([]string, 0, len(res.Outputs))
	for k := range res.Outputs {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	table := output.NewTable([]string{"Field", "Value"})
	for _, f := range fields {
		table.AddRow([]string{f, fmt.Sprint(res.Outputs[f])})
	}
	table.Render()

	if len(res.Issues) > 0 {
		fmt.Fprintln(output.Stdout)
		issues := output.NewTable([]string{"Field", "Issue", "Variable", "Message"})
		for _, i := range res.Issues {
			issues.AddRow([]string{i.Field, i.Kind, i.Variable, i.Message})
		}
		issues.Render()
	}
	return nil
}

var renderCmd = &cobra.Command{
	Use:   "render [step-file]",
	Short: "Render a step locally",
	Long: `Render a workflow step from a YAML or JSON file without contacting any
service. Translations can be supplied as a locale -> content file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadStep(args[0])
		if err != nil {
			return err
		}
		if err := applyModeFlag(cmd, &req); err != nil {
			return err
		}

		var store translation.Store
		if path, _ := cmd.Flags().GetString("translations"); path != "" {
			if store, err = fileTranslations(path); err != nil {
				return err
			}
		}
		fallback, _ := cmd.Flags().GetString("fallback-locale")

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		res, err := renderLocal(ctx, req, store, fallback)
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview [step-file]",
	Short: "Render a step on the worker with its stored translations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := loadStep(args[0])
		if err != nil {
			return err
		}
		if err := applyModeFlag(cmd, &req); err != nil {
			return err
		}

		p := profileFor(cmd)
		if req.EnvironmentID == "" {
			req.EnvironmentID = p.EnvironmentID
		}
		res, err := client.NewWorkerClient(p.WorkerURL, p.InternalKey).Preview(req)
		if err != nil {
			return fmt.Errorf("preview failed: %w", err)
		}
		return printResult(cmd, res)
	},
}

func init() {
	rootCmd.AddCommand(renderCmd, previewCmd)

	for _, c := range []*cobra.Command{renderCmd, previewCmd} {
		c.Flags().String("mode", "", "render mode: deliver or validate")
	}
	renderCmd.Flags().String("translations", "", "translation file (locale -> content)")
	renderCmd.Flags().String("fallback-locale", "en", "locale consulted when a key is missing")
}
