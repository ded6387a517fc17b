// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jllopis/fabula/pkg/agent"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/jobs"
	"github.com/jllopis/fabula/pkg/orchestrator"
	"github.com/jllopis/fabula/pkg/pipeline"
)

type runOptions struct {
	pipelineFlags
	AuditPath string
	AsJob     bool
	JSON      bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [pipeline-file]",
		Short: "Run a pipeline and print every node's output",
		Long: `Run executes each node once and threads its output to the nodes that
depend on it. Without a file the built-in story pipeline runs, which needs
the parental_input artifact seeded:

  fabula run --seed parental_input=@notes.txt`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(global, func(cmd *cobra.Command, args []string, a *app) error {
			opts.JSON = global.JSON
			return runPipeline(cmd.Context(), a, firstArg(args), opts, cmd.OutOrStdout())
		}),
	}
	bindPipelineFlags(cmd, &opts.pipelineFlags)
	cmd.Flags().StringVar(&opts.AuditPath, "audit", "", "Record node events in this SQLite database")
	cmd.Flags().BoolVar(&opts.AsJob, "job", false, "Run as a tracked job in the configured store")
	return cmd
}

func bindPipelineFlags(cmd *cobra.Command, f *pipelineFlags) {
	flags := cmd.Flags()
	flags.StringArrayVar(&f.Sets, "set", nil, "Node kwarg as node.key=value (repeatable)")
	flags.StringArrayVar(&f.Seeds, "seed", nil, "Seed an artifact as name=value or name=@file (repeatable)")
	flags.StringVar(&f.SeedFile, "seed-file", "", "JSON object of artifacts to seed")
	flags.BoolVar(&f.Topological, "topological", false, "Run nodes in dependency order")
	flags.DurationVar(&f.Timeout, "timeout", 0, "Bound the whole run")
}

func runPipeline(ctx context.Context, a *app, path string, opts *runOptions, out io.Writer) error {
	def, err := loadDefinition(path)
	if err != nil {
		return err
	}
	if err := opts.apply(def, a.cfg); err != nil {
		return err
	}
	seeds, err := opts.seedArtifacts()
	if err != nil {
		return err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithErrorMetrics(a.errMetrics),
	}
	if opts.AuditPath != "" {
		store, err := a.openAudit(opts.AuditPath)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, orchestrator.WithAuditStore(store))
	}
	orch, err := pipeline.Build(def, a.stages, a.registry,
		pipeline.WithAgentOptions(agent.WithLogger(a.logger)),
		pipeline.WithOrchestratorOptions(orchOpts...),
	)
	if err != nil {
		return err
	}

	result := runResult{Pipeline: orch.ID()}
	var runErr error
	if opts.AsJob {
		result.JobID, result.Artifacts, runErr = a.runAsJob(ctx, orch, seeds)
	} else {
		result.Artifacts, runErr = orch.Run(ctx, seeds)
	}
	result.fill(orch, runErr)

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		result.print(out)
	}
	return runErr
}

// runAsJob submits the run to a job runner backed by the configured store and
// waits for it.
func (a *app) runAsJob(ctx context.Context, orch *orchestrator.Orchestrator, seeds orchestrator.Artifacts) (string, orchestrator.Artifacts, error) {
	store, err := a.jobStore()
	if err != nil {
		return "", nil, err
	}
	runner := jobs.NewRunner(store,
		jobs.WithConcurrency(a.cfg.Orchestrator.Concurrency),
		jobs.WithLogger(a.logger),
	)
	defer runner.Close()

	var runErr error
	job, err := runner.Submit(ctx, orch.ID(), func(ctx context.Context) (map[string]any, error) {
		artifacts, err := orch.Run(ctx, seeds)
		runErr = err
		return artifacts, err
	})
	if err != nil {
		return "", nil, err
	}
	done, err := runner.Wait(ctx, job.ID)
	if err != nil {
		return job.ID, nil, err
	}
	return done.ID, done.Artifacts, runErr
}

func (a *app) openAudit(path string) (orchestrator.AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "open audit database", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })
	store, err := orchestrator.NewSQLiteAuditStore(db)
	if err != nil {
		return nil, err
	}
	return store, nil
}

type nodeResult struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type runResult struct {
	Pipeline  string                 `json:"pipeline"`
	JobID     string                 `json:"job_id,omitempty"`
	Status    string                 `json:"status"`
	Nodes     []nodeResult           `json:"nodes"`
	Artifacts orchestrator.Artifacts `json:"artifacts"`
	Error     any                    `json:"error,omitempty"`
}

func (r *runResult) fill(orch *orchestrator.Orchestrator, err error) {
	r.Status = "completed"
	if err != nil {
		r.Status = "failed"
		r.Error = errors.AsFabulaError(err)
	}
	if r.Artifacts == nil {
		r.Artifacts = orchestrator.Artifacts{}
	}
	order, orderErr := orch.Order()
	if orderErr != nil {
		order = orch.Nodes()
	}
	for _, node := range order {
		nr := nodeResult{Name: node.Name, Vendor: node.Provider.Vendor, Status: string(node.Status)}
		if node.Err != nil {
			nr.Error = node.Err.Error()
		}
		r.Nodes = append(r.Nodes, nr)
	}
}

func (r *runResult) print(w io.Writer) {
	header := color.New(color.FgCyan, color.Bold)
	for _, node := range r.Nodes {
		symbol, attr := statusStyle(node.Status)
		fmt.Fprintf(w, "%s ", color.New(attr).Sprint(symbol))
		header.Fprintf(w, "%s", node.Name)
		fmt.Fprintf(w, " (%s)\n", node.Vendor)
		if text, ok := r.Artifacts[node.Name]; ok {
			fmt.Fprintf(w, "%s\n\n", strings.TrimRight(fmt.Sprint(text), "\n"))
		} else if node.Error != "" {
			fmt.Fprintf(w, "  %s\n\n", color.RedString(node.Error))
		}
	}
	if r.JobID != "" {
		fmt.Fprintf(w, "job %s %s\n", r.JobID, r.Status)
	}
}

func statusStyle(status string) (string, color.Attribute) {
	switch status {
	case string(orchestrator.StatusCompleted), "ok":
		return "✓", color.FgGreen
	case string(orchestrator.StatusFailed), "error":
		return "✗", color.FgRed
	case "warn":
		return "!", color.FgYellow
	default:
		return "·", color.FgHiBlack
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
