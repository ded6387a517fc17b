package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/jllopis/fabula/pkg/config"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/orchestrator"
	"github.com/jllopis/fabula/pkg/pipeline"
)

// pipelineFlags are shared by the commands that build a pipeline.
type pipelineFlags struct {
	Sets        []string
	Seeds       []string
	SeedFile    string
	Topological bool
	Timeout     time.Duration
}

// loadDefinition reads the pipeline at path, or the built-in story pipeline
// when path is empty.
func loadDefinition(path string) (*pipeline.Definition, error) {
	if path == "" {
		return pipeline.Default(), nil
	}
	return pipeline.Load(path)
}

// apply layers configuration defaults and flag overrides onto def.
// Definition values win over configuration; flags win over both.
func (f *pipelineFlags) apply(def *pipeline.Definition, cfg *config.Config) error {
	if cfg != nil {
		if cfg.Orchestrator.Topological {
			def.Topological = true
		}
		if def.Timeout == "" && cfg.Orchestrator.Timeout > 0 {
			def.Timeout = cfg.Orchestrator.Timeout.String()
		}
	}
	if f.Topological {
		def.Topological = true
	}
	if f.Timeout > 0 {
		def.Timeout = f.Timeout.String()
	}
	if err := applySets(def, f.Sets); err != nil {
		return err
	}
	return def.Validate()
}

// applySets writes node.key=value assignments into node kwargs. Values stay
// strings; the agent parses numeric generation options itself.
func applySets(def *pipeline.Definition, sets []string) error {
	for _, raw := range sets {
		key, value, ok := strings.Cut(raw, "=")
		nodeName, kwarg, dotted := strings.Cut(key, ".")
		if !ok || !dotted || nodeName == "" || kwarg == "" {
			return errors.Newf(errors.CodeInvalidInput, "invalid --set %q, expected node.key=value", raw)
		}
		node, found := def.Node(nodeName)
		if !found {
			return errors.Newf(errors.CodeNotFound, "--set %q: no node named %q", raw, nodeName).
				WithContext("node", nodeName)
		}
		if node.Kwargs == nil {
			node.Kwargs = make(map[string]any)
		}
		node.Kwargs[kwarg] = value
	}
	return nil
}

// seedArtifacts collects externally injected artifacts. A JSON object file is
// read first, then name=value pairs; a value of @path is read from that file.
func (f *pipelineFlags) seedArtifacts() (orchestrator.Artifacts, error) {
	seeds := orchestrator.Artifacts{}
	if f.SeedFile != "" {
		data, err := os.ReadFile(f.SeedFile)
		if err != nil {
			return nil, errors.New(errors.CodeNotFound, "read seed file "+f.SeedFile, err)
		}
		if err := json.Unmarshal(data, &seeds); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "seed file "+f.SeedFile+" is not a JSON object", err)
		}
	}
	for _, raw := range f.Seeds {
		name, value, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Newf(errors.CodeInvalidInput, "invalid --seed %q, expected name=value", raw)
		}
		if path, isFile := strings.CutPrefix(value, "@"); isFile {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.New(errors.CodeNotFound, "read seed "+name, err).WithContext("seed", name)
			}
			value = string(data)
		}
		seeds[strings.TrimSpace(name)] = value
	}
	return seeds, nil
}
