// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Command fabula runs story pipelines against the configured LLM vendors.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(execute(ctx, os.Args[1:]))
}
