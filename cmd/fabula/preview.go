package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jllopis/fabula/pkg/pipeline"
)

func newPreviewCmd(global *globalOptions) *cobra.Command {
	flags := &pipelineFlags{}
	cmd := &cobra.Command{
		Use:   "preview [pipeline-file] <node>",
		Short: "Print the prompts a node would send, without calling any vendor",
		Long: `Preview formats one node's system prompt and user message. Dependencies
that are neither seeded nor produced are shown as <name> placeholders.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: withApp(global, func(cmd *cobra.Command, args []string, a *app) error {
			path, node := "", args[0]
			if len(args) == 2 {
				path, node = args[0], args[1]
			}
			return previewNode(cmd.Context(), a, path, node, flags, global.JSON, cmd.OutOrStdout())
		}),
	}
	bindPipelineFlags(cmd, flags)
	return cmd
}

func previewNode(ctx context.Context, a *app, path, name string, flags *pipelineFlags, asJSON bool, out io.Writer) error {
	def, err := loadDefinition(path)
	if err != nil {
		return err
	}
	if err := flags.apply(def, a.cfg); err != nil {
		return err
	}
	seeds, err := flags.seedArtifacts()
	if err != nil {
		return err
	}
	if node, ok := def.Node(name); ok {
		for _, dep := range node.DependsOn {
			if _, seeded := seeds[dep]; !seeded {
				seeds[dep] = "<" + dep + ">"
			}
		}
	}

	orch, err := pipeline.Build(def, a.stages, a.registry)
	if err != nil {
		return err
	}
	system, user, err := orch.Preview(ctx, name, seeds)
	if err != nil {
		return err
	}

	if asJSON {
		return json.NewEncoder(out).Encode(map[string]string{
			"node":   name,
			"system": system,
			"user":   user,
		})
	}
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(out, "system")
	fmt.Fprintf(out, "%s\n\n", system)
	title.Fprintln(out, "user")
	fmt.Fprintln(out, user)
	return nil
}
