// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/jllopis/fabula/pkg/errors"
)

// CLIError wraps FabulaError with a hint for the person at the terminal.
type CLIError struct {
	*errors.FabulaError
	Hint string
}

// Error returns the formatted error message with its hint.
func (e *CLIError) Error() string {
	msg := e.FabulaError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

// Print writes the error to w, as JSON when asJSON is set.
func (e *CLIError) Print(w io.Writer, asJSON bool) {
	if asJSON {
		payload := map[string]any{
			"error": map[string]any{
				"code":    e.Code,
				"message": e.FabulaError.Error(),
				"context": e.Context,
				"hint":    e.Hint,
			},
		}
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	fmt.Fprintf(w, "%s [%s]: %s\n", color.RedString("Error"), e.Code, e.FabulaError.Error())
	if e.Hint != "" {
		fmt.Fprintf(w, "  %s %s\n", color.YellowString("Hint:"), e.Hint)
	}
}

func wrapCLIError(err error) *CLIError {
	if ce, ok := err.(*CLIError); ok {
		return ce
	}
	fe := errors.AsFabulaError(err)
	return &CLIError{FabulaError: fe, Hint: hintFor(fe)}
}

func hintFor(fe *errors.FabulaError) string {
	switch fe.Code {
	case errors.CodeUnknownProvider:
		return "run 'fabula providers' to list the registered vendors"
	case errors.CodeMissingDependency:
		if dep, ok := fe.Context["dependency"].(string); ok {
			return fmt.Sprintf("seed it with --seed %s=<value> or add a node named %q", dep, dep)
		}
		return "seed the missing artifact with --seed name=value"
	case errors.CodeMissingVariable:
		if node, ok := fe.Context["node"].(string); ok {
			return fmt.Sprintf("supply it with --set %s.<name>=<value>", node)
		}
		return "supply the variable with --set node.name=value"
	case errors.CodeProviderError:
		return "check the vendor API key, model name and base URL"
	case errors.CodeTimeout:
		return "raise orchestrator.timeout or pass --timeout"
	case errors.CodeCycleDetected:
		return "break the dependency cycle in the pipeline file"
	}
	return ""
}
