// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// Span and metric attribute keys. Provider call keys reuse the gen_ai
// semantic conventions.
const (
	AttrRunID       = "fabula.run.id"
	AttrPipelineID  = "fabula.pipeline.id"
	AttrRunNodes    = "fabula.run.node_count"
	AttrRunOrdering = "fabula.run.ordering"

	AttrNodeName   = "fabula.node.name"
	AttrNodeStatus = "fabula.node.status"
	AttrNodeDeps   = "fabula.node.depends_on"

	AttrAgentName      = "fabula.agent.name"
	AttrAgentVariables = "fabula.agent.variables"

	AttrJobID     = "fabula.job.id"
	AttrJobStatus = "fabula.job.status"

	AttrLLMProvider    = "gen_ai.system"
	AttrLLMMessages    = "gen_ai.request.messages"
	AttrLLMTemperature = "gen_ai.request.temperature"
	AttrLLMMaxTokens   = "gen_ai.request.max_tokens"
	AttrLLMDurationMs  = "gen_ai.duration_ms"
	AttrLLMOutputChars = "gen_ai.response.characters"
)

// RunAttributes describes one orchestrator run.
func RunAttributes(runID, pipelineID string, nodeCount int, topological bool) []attribute.KeyValue {
	ordering := "declaration"
	if topological {
		ordering = "topological"
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrRunID, runID),
		attribute.Int(AttrRunNodes, nodeCount),
		attribute.String(AttrRunOrdering, ordering),
	}
	if pipelineID != "" {
		attrs = append(attrs, attribute.String(AttrPipelineID, pipelineID))
	}
	return attrs
}

// NodeAttributes describes a node. Empty status and deps are omitted.
func NodeAttributes(name, status string, dependsOn []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrNodeName, name)}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrNodeStatus, status))
	}
	if len(dependsOn) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrNodeDeps, dependsOn))
	}
	return attrs
}

func AgentAttributes(name string, variables []string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrAgentName, name)}
	if len(variables) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrAgentVariables, variables))
	}
	return attrs
}

func JobAttributes(jobID, status string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if jobID != "" {
		attrs = append(attrs, attribute.String(AttrJobID, jobID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrJobStatus, status))
	}
	return attrs
}

// GenerateAttributes describes a provider request with the temperature the
// adapter sends. An unset max tokens is omitted.
func GenerateAttributes(vendor string, messages int, temperature float64, maxTokens int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMProvider, vendor),
		attribute.Int(AttrLLMMessages, messages),
		attribute.Float64(AttrLLMTemperature, temperature),
	}
	if maxTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMMaxTokens, maxTokens))
	}
	return attrs
}

// GenerateResultAttributes describes a finished provider call.
func GenerateResultAttributes(elapsed time.Duration, output string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Float64(AttrLLMDurationMs, float64(elapsed.Microseconds())/1000),
		attribute.Int(AttrLLMOutputChars, len([]rune(output))),
	}
}
