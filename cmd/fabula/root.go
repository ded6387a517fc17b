package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	ConfigPath string
	Profile    string
	Overrides  []string
	LogLevel   string
	JSON       bool
}

func newRootCmd(global *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "fabula",
		Short: "Children's story pipelines over multiple LLM vendors",
		Long: `Fabula runs a graph of prompt stages, each bound to one LLM vendor,
threading every stage's output into the stages that depend on it.

The built-in story pipeline turns a parent's free-form description into a
creative brief (intake) and the brief into three story concepts (creative).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&global.ConfigPath, "config", "", "Config file (YAML or JSON)")
	flags.StringVar(&global.Profile, "profile", "", "Config profile overlay, loads config.<profile>.yaml")
	flags.StringArrayVarP(&global.Overrides, "option", "o", nil, "Override a config key (key=value, repeatable)")
	flags.StringVar(&global.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&global.JSON, "json", false, "Print machine-readable JSON")

	root.AddCommand(newRunCmd(global))
	root.AddCommand(newPreviewCmd(global))
	root.AddCommand(newValidateCmd(global))
	root.AddCommand(newProvidersCmd(global))
	root.AddCommand(newJobsCmd(global))
	root.AddCommand(newAuditCmd(global))
	return root
}

// configArgs renders the global options in the form config.LoadWithCLI reads.
func (g *globalOptions) configArgs() []string {
	var args []string
	if g.ConfigPath != "" {
		args = append(args, "--config", g.ConfigPath)
	}
	if g.Profile != "" {
		args = append(args, "--profile", g.Profile)
	}
	for _, o := range g.Overrides {
		args = append(args, "--set", o)
	}
	if g.LogLevel != "" {
		args = append(args, "--set", "log.level="+g.LogLevel)
	}
	return args
}

func execute(ctx context.Context, args []string) int {
	return executeTo(ctx, args, os.Stdout, os.Stderr)
}

func executeTo(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var global globalOptions
	root := newRootCmd(&global)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		wrapCLIError(err).Print(stderr, global.JSON)
		return 1
	}
	return 0
}
