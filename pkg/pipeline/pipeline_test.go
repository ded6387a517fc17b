package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/orchestrator"
	"github.com/jllopis/fabula/pkg/stages"
	ftesting "github.com/jllopis/fabula/pkg/testing"
	"github.com/jllopis/fabula/providers"
)

const storyYAML = `
id: story
timeout: 2m
nodes:
  - name: intake
    stage: intake
    provider: {vendor: openai, model: gpt-4}
    depends_on: [parental_input]
  - name: creative
    stage: creative
    provider:
      vendor: together
      model: deepseek-ai/DeepSeek-R1
      timeout: 30s
    depends_on: [intake]
    kwargs: {temperature: 0.8}
`

func TestParseYAML(t *testing.T) {
	def, err := ParseYAML([]byte(storyYAML))
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if def.ID != "story" || len(def.Nodes) != 2 {
		t.Fatalf("unexpected definition %+v", def)
	}
	creative, ok := def.Node("creative")
	if !ok {
		t.Fatal("expected creative node")
	}
	if creative.Kwargs["temperature"] != 0.8 {
		t.Errorf("unexpected kwargs %v", creative.Kwargs)
	}
	cfg, err := creative.Provider.Config()
	if err != nil || cfg.Timeout != 30*time.Second || cfg.Model != "deepseek-ai/DeepSeek-R1" {
		t.Errorf("unexpected provider config %+v %v", cfg, err)
	}
	if def.TimeoutDuration() != 2*time.Minute {
		t.Errorf("unexpected timeout %v", def.TimeoutDuration())
	}
	if got := def.External(); !reflect.DeepEqual(got, []string{"parental_input"}) {
		t.Errorf("unexpected external inputs %v", got)
	}
}

func TestParseJSON(t *testing.T) {
	payload := []byte(`{
  "id": "single",
  "topological": true,
  "nodes": [
    {"name": "intake", "stage": "intake", "provider": {"vendor": "claude"}, "kwargs": {"parental_input": "hi"}}
  ]
}`)
	def, err := ParseJSON(payload)
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if !def.Topological || def.Nodes[0].Provider.Vendor != "claude" {
		t.Errorf("unexpected definition %+v", def)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no nodes", yaml: "id: x\nnodes: []\n"},
		{name: "missing name", yaml: "nodes:\n  - stage: intake\n    provider: {vendor: openai}\n"},
		{name: "duplicate", yaml: "nodes:\n  - {name: a, stage: intake, provider: {vendor: openai}}\n  - {name: a, stage: intake, provider: {vendor: openai}}\n"},
		{name: "missing stage", yaml: "nodes:\n  - {name: a, provider: {vendor: openai}}\n"},
		{name: "missing vendor", yaml: "nodes:\n  - {name: a, stage: intake}\n"},
		{name: "self dependency", yaml: "nodes:\n  - {name: a, stage: intake, provider: {vendor: openai}, depends_on: [a]}\n"},
		{name: "bad timeout", yaml: "timeout: soon\nnodes:\n  - {name: a, stage: intake, provider: {vendor: openai}}\n"},
		{name: "bad provider timeout", yaml: "nodes:\n  - {name: a, stage: intake, provider: {vendor: openai, timeout: x}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseYAML([]byte(tt.yaml)); !errors.IsCode(err, errors.CodeInvalidInput) {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
	if _, err := ParseYAML(nil); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for empty payload, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	def := Default()
	jsonData, err := MarshalJSON(def, true)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	yamlData, err := MarshalYAML(def)
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	files := map[string][]byte{
		"story.json":     jsonData,
		"story.yaml":     yamlData,
		"story.pipeline": jsonData,
		"story.txt":      yamlData,
	}
	for name, data := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
		if loaded.ID != def.ID || len(loaded.Nodes) != len(def.Nodes) {
			t.Errorf("%s: unexpected definition %+v", name, loaded)
		}
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func spyRegistry(spies ...*ftesting.SpyProvider) *providers.Registry {
	r := providers.NewRegistry()
	for _, spy := range spies {
		spy := spy
		r.Register(spy.Name(), func(context.Context, providers.Config) (llm.Provider, error) {
			return spy, nil
		})
	}
	return r
}

func TestBuildDefaultPipeline(t *testing.T) {
	openaiSpy := ftesting.NewSpyProvider("openai").AddResponse("# Creative Brief: Zzzzzzip!")
	togetherSpy := ftesting.NewSpyProvider("together").Collapsing().AddResponse("### Concept 1")

	o, err := Build(Default(), stages.Default(), spyRegistry(openaiSpy, togetherSpy))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if o.ID() != "story" {
		t.Errorf("unexpected id %q", o.ID())
	}

	artifacts, err := o.Run(context.Background(), orchestrator.Artifacts{
		"parental_input": "olivia is 3 and just zipped her own jacket",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if artifacts.String("creative") != "### Concept 1" {
		t.Errorf("unexpected artifacts %v", artifacts)
	}

	intakeCall, _ := openaiSpy.LastCall()
	if !strings.Contains(intakeCall.User(), "olivia is 3") {
		t.Errorf("intake did not receive the parental input")
	}
	creativeCall, _ := togetherSpy.LastCall()
	if len(creativeCall.Messages) != 1 {
		t.Fatalf("expected together to collapse messages, got %d", len(creativeCall.Messages))
	}
	user := creativeCall.User()
	sys := strings.Index(user, "highly creative assistant")
	brief := strings.Index(user, "# Creative Brief: Zzzzzzip!")
	if sys < 0 || brief < 0 || sys > brief {
		t.Errorf("expected system text before the brief in the collapsed message")
	}
}

func TestBuildOverridesAndOptions(t *testing.T) {
	spy := ftesting.NewSpyProvider("claude").WithDefault("ok", nil)
	def := &Definition{
		Topological: true,
		Nodes: []Node{
			{
				Name:         "creative",
				Stage:        "creative",
				Provider:     Provider{Vendor: "claude"},
				DependsOn:    []string{"intake"},
				UserTemplate: "Brief: {intake}",
				SystemPrompt: "Be playful.",
				Kwargs:       map[string]any{"max_tokens": 256},
			},
			{
				Name:     "intake",
				Stage:    "intake",
				Provider: Provider{Vendor: "claude"},
				Kwargs:   map[string]any{"parental_input": "dinosaurs"},
			},
		},
	}
	o, err := Build(def, nil, spyRegistry(spy),
		WithAgentOptions(),
		WithOrchestratorOptions(orchestrator.WithID("custom")),
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if o.ID() != "custom" {
		t.Errorf("expected orchestrator options to win, got %q", o.ID())
	}
	if _, err := o.Run(context.Background(), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	call, _ := spy.LastCall()
	if call.System() != "Be playful." || call.User() != "Brief: ok" || call.Options.MaxTokens != 256 {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestBuildUnknownStage(t *testing.T) {
	def := &Definition{Nodes: []Node{{Name: "a", Stage: "outline", Provider: Provider{Vendor: "openai"}}}}
	_, err := Build(def, stages.Default(), providers.NewRegistry())
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if errors.AsFabulaError(err).Context["node"] != "a" {
		t.Errorf("expected node context")
	}
}
