package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jllopis/fabula/pkg/orchestrator"
)

func newAuditCmd(global *globalOptions) *cobra.Command {
	var (
		filter orchestrator.AuditFilter
		since  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit <database>",
		Short: "Show node events recorded by 'run --audit'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("sqlite", args[0])
			if err != nil {
				return err
			}
			defer db.Close()
			store, err := orchestrator.NewSQLiteAuditStore(db)
			if err != nil {
				return err
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			events, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), events, global.JSON)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&filter.RunID, "run", "", "Only events of this run")
	flags.StringVar(&filter.Pipeline, "pipeline", "", "Only events of this pipeline")
	flags.StringVar(&filter.Node, "node", "", "Only events of this node")
	flags.StringVar(&filter.Status, "status", "", "Only events in this status")
	flags.DurationVar(&since, "since", 0, "Only events newer than this")
	flags.IntVar(&filter.Limit, "limit", 100, "Maximum events to show")
	return cmd
}

func printAudit(w io.Writer, events []orchestrator.AuditEvent, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(events)
	}
	for _, ev := range events {
		if ev.Status == string(orchestrator.StatusRunning) {
			continue
		}
		symbol, attr := statusStyle(ev.Status)
		fmt.Fprintf(w, "%s %s  %s/%-10s %-9s %8s",
			color.New(attr).Sprint(symbol),
			ev.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ev.Pipeline, ev.Node, ev.Vendor,
			ev.Elapsed().Round(time.Millisecond),
		)
		if ev.Error != "" {
			fmt.Fprintf(w, "  %s", color.RedString(ev.Error))
		}
		fmt.Fprintf(w, "  run %s\n", ev.RunID)
	}
	return nil
}
