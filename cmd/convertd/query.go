package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/sigma-convertd/pkg/dispatch"
)

func newVersionsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "List provisioned engine versions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			for _, v := range rt.dispatcher.ListVersions() {
				fmt.Fprintln(c.stdout, v)
			}
			return nil
		},
	}
}

func newTargetsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "targets <version>",
		Short: "List the targets offered by an engine version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			targets, err := rt.dispatcher.ListTargets(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(targets)
			}
			rows := make([][2]string, len(targets))
			for i, t := range targets {
				rows[i] = [2]string{t.ID, t.Description}
			}
			return c.printTable(rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newFormatsCmd(c *cli) *cobra.Command {
	var (
		target string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "formats <version>",
		Short: "List the output formats of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			formats, err := rt.dispatcher.ListFormats(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(formats)
			}
			rows := make([][2]string, len(formats))
			for i, f := range formats {
				rows[i] = [2]string{f.ID, f.Description}
			}
			return c.printTable(rows)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Target backend (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newPipelinesCmd(c *cli) *cobra.Command {
	var (
		target string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "pipelines <version>",
		Short: "List named processing pipelines, optionally only those allowed for a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			pipelines, err := rt.dispatcher.ListPipelines(cmd.Context(), args[0], target)
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(pipelines)
			}
			rows := make([][2]string, len(pipelines))
			for i, p := range pipelines {
				allowed := "*"
				if len(p.AllowedTargets) > 0 {
					allowed = strings.Join(p.AllowedTargets, ",")
				}
				rows[i] = [2]string{p.ID, allowed}
			}
			return c.printTable(rows)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Only list pipelines allowed for this target")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newConvertCmd(c *cli) *cobra.Command {
	var (
		target        string
		format        string
		pipelines     []string
		pipelineFiles []string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "convert <version> <rule.yml>",
		Short: "Convert a rule file with an engine version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			//nolint:gosec // Rule path is supplied by the operator
			rule, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read rule file: %w", err)
			}

			custom := make([]string, 0, len(pipelineFiles))
			for _, path := range pipelineFiles {
				//nolint:gosec // Pipeline path is supplied by the operator
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read pipeline file: %w", err)
				}
				custom = append(custom, strings.TrimRight(string(data), "\n")+"\n")
			}

			rt, err := buildRuntime(cmd.Context(), c.cfg, c.logger, nil)
			if err != nil {
				return err
			}
			result, err := rt.dispatcher.Convert(cmd.Context(), dispatch.Request{
				Version:         args[0],
				Target:          target,
				Format:          format,
				Rule:            string(rule),
				Pipelines:       pipelines,
				CustomPipelines: strings.Join(custom, "---\n"),
			})
			if err != nil {
				return err
			}
			if asJSON {
				return c.printJSON(result)
			}
			for _, q := range result.Queries {
				fmt.Fprintln(c.stdout, q)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "Target backend (required)")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Output format of the target")
	cmd.Flags().StringSliceVarP(&pipelines, "pipeline", "p", nil, "Named pipeline, repeatable and applied in order")
	cmd.Flags().StringArrayVar(&pipelineFiles, "pipeline-file", nil, "Custom pipeline YAML file, repeatable and applied after named pipelines")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printTable(rows [][2]string) error {
	w := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}
	return w.Flush()
}
