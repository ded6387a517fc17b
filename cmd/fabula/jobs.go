package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jllopis/fabula/pkg/jobs"
)

func newJobsCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect runs recorded with 'run --job' in the sqlite store",
	}

	var filter jobs.Filter
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs",
		Args:  cobra.NoArgs,
		RunE: withApp(global, func(cmd *cobra.Command, _ []string, a *app) error {
			store, err := a.jobStore()
			if err != nil {
				return err
			}
			filter.Status = jobs.Status(status)
			list, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), list, global.JSON)
		}),
	}
	list.Flags().StringVar(&filter.Pipeline, "pipeline", "", "Only jobs of this pipeline")
	list.Flags().StringVar(&status, "status", "", "Only jobs in this status")
	list.Flags().IntVar(&filter.Limit, "limit", 20, "Maximum jobs to list")

	get := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job and its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(global, func(cmd *cobra.Command, args []string, a *app) error {
			store, err := a.jobStore()
			if err != nil {
				return err
			}
			job, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		}),
	}

	cmd.AddCommand(list, get)
	return cmd
}

func printJobs(w io.Writer, list []*jobs.Job, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(list)
	}
	for _, job := range list {
		symbol, attr := statusStyle(string(job.Status))
		fmt.Fprintf(w, "%s %s  %-12s %s\n", color.New(attr).Sprint(symbol), job.ID, job.Pipeline, job.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
