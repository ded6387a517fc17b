// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/pipeline"
)

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok, warn, error
	Message string `json:"message"`
}

func newValidateCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [pipeline-file]",
		Short: "Check a pipeline and the vendor configuration it needs",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(global, func(cmd *cobra.Command, args []string, a *app) error {
			checks := validatePipeline(a, firstArg(args))
			return reportChecks(cmd.OutOrStdout(), checks, global.JSON)
		}),
	}
}

// validatePipeline runs every check and reports them all rather than stopping
// at the first failure.
func validatePipeline(a *app, path string) []checkResult {
	def, err := loadDefinition(path)
	if err != nil {
		return []checkResult{{Name: "load", Status: "error", Message: err.Error()}}
	}
	checks := []checkResult{{Name: "load", Status: "ok", Message: fmt.Sprintf("pipeline %q, %d nodes", def.ID, len(def.Nodes))}}

	if err := def.Validate(); err != nil {
		return append(checks, checkResult{Name: "structure", Status: "error", Message: err.Error()})
	}
	checks = append(checks, checkResult{Name: "structure", Status: "ok", Message: "nodes are well formed"})

	orch, err := pipeline.Build(def, a.stages, a.registry)
	if err != nil {
		return append(checks, checkResult{Name: "stages", Status: "error", Message: err.Error()})
	}
	checks = append(checks, checkResult{Name: "stages", Status: "ok", Message: "every stage resolves and its template parses"})

	if def.Topological {
		if _, err := orch.Order(); err != nil {
			checks = append(checks, checkResult{Name: "order", Status: "error", Message: err.Error()})
		} else {
			checks = append(checks, checkResult{Name: "order", Status: "ok", Message: "dependency graph is acyclic"})
		}
	}

	for _, node := range def.Nodes {
		vendor := strings.ToLower(node.Provider.Vendor)
		name := "provider:" + node.Name
		switch {
		case !a.registry.Has(vendor):
			checks = append(checks, checkResult{Name: name, Status: "error",
				Message: fmt.Sprintf("unknown vendor %q, registered: %s", vendor, strings.Join(a.registry.Names(), ", "))})
		case vendor != "ollama" && a.cfg.Provider(vendor).APIKey == "":
			checks = append(checks, checkResult{Name: name, Status: "warn",
				Message: fmt.Sprintf("no API key configured for %s", vendor)})
		default:
			checks = append(checks, checkResult{Name: name, Status: "ok", Message: vendor})
		}
	}

	if ext := def.External(); len(ext) > 0 {
		checks = append(checks, checkResult{Name: "seeds", Status: "ok",
			Message: "run needs seeded artifacts: " + strings.Join(ext, ", ")})
	}
	return checks
}

func reportChecks(w io.Writer, checks []checkResult, asJSON bool) error {
	failed := 0
	for _, c := range checks {
		if c.Status == "error" {
			failed++
		}
	}
	if asJSON {
		if err := json.NewEncoder(w).Encode(map[string]any{"checks": checks, "valid": failed == 0}); err != nil {
			return err
		}
	} else {
		for _, c := range checks {
			symbol, attr := statusStyle(c.Status)
			fmt.Fprintf(w, "%s %-20s %s\n", color.New(attr).Sprint(symbol), c.Name, c.Message)
		}
	}
	if failed > 0 {
		return errors.Newf(errors.CodeInvalidInput, "%d check(s) failed", failed)
	}
	return nil
}
