package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jllopis/fabula/pkg/config"
	"github.com/jllopis/fabula/pkg/errors"
	"github.com/jllopis/fabula/pkg/llm"
	"github.com/jllopis/fabula/pkg/pipeline"
	"github.com/jllopis/fabula/pkg/stages"
	ftesting "github.com/jllopis/fabula/pkg/testing"
	"github.com/jllopis/fabula/providers"
)

func testApp(t *testing.T, spies ...*ftesting.SpyProvider) *app {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	reg := providers.NewRegistry()
	for _, spy := range spies {
		spy := spy
		reg.Register(spy.Name(), func(context.Context, providers.Config) (llm.Provider, error) {
			return spy, nil
		})
	}
	return &app{
		cfg:      cfg,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry: reg,
		stages:   stages.Default(),
	}
}

func TestApplySets(t *testing.T) {
	def := pipeline.Default()
	if err := applySets(def, []string{"intake.temperature=0.3", "creative.child_name=Olivia=Liv"}); err != nil {
		t.Fatalf("apply sets: %v", err)
	}
	intake, _ := def.Node("intake")
	if intake.Kwargs["temperature"] != "0.3" {
		t.Errorf("unexpected intake kwargs %v", intake.Kwargs)
	}
	creative, _ := def.Node("creative")
	if creative.Kwargs["child_name"] != "Olivia=Liv" {
		t.Errorf("expected value to keep later '=', got %v", creative.Kwargs)
	}

	if err := applySets(def, []string{"temperature=1"}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT for an undotted key, got %v", err)
	}
	if err := applySets(def, []string{"ghost.x=1"}); !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND for an unknown node, got %v", err)
	}
}

func TestSeedArtifacts(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(notes, []byte("Loves dragons."), 0o600); err != nil {
		t.Fatal(err)
	}
	seedFile := filepath.Join(dir, "seeds.json")
	if err := os.WriteFile(seedFile, []byte(`{"age": 5, "parental_input": "overridden"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	f := &pipelineFlags{SeedFile: seedFile, Seeds: []string{"parental_input=@" + notes, "name=Leo"}}
	seeds, err := f.seedArtifacts()
	if err != nil {
		t.Fatalf("seed artifacts: %v", err)
	}
	if seeds.String("parental_input") != "Loves dragons." {
		t.Errorf("expected flag seed to win over file, got %q", seeds.String("parental_input"))
	}
	if seeds.String("name") != "Leo" || seeds["age"] != float64(5) {
		t.Errorf("unexpected seeds %v", seeds)
	}

	bad := &pipelineFlags{Seeds: []string{"novalue"}}
	if _, err := bad.seedArtifacts(); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestRunPipelineThreadsIntakeIntoCreative(t *testing.T) {
	openai := ftesting.NewSpyProvider("openai").AddResponse("# Brief: dragons")
	together := ftesting.NewSpyProvider("together").Collapsing().AddResponse("1. The Dragon Who Sneezed")
	a := testApp(t, openai, together)

	var out bytes.Buffer
	opts := &runOptions{JSON: true}
	opts.Seeds = []string{"parental_input=Olivia, 4, loves dragons"}
	if err := runPipeline(context.Background(), a, "", opts, &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	var result struct {
		Status    string            `json:"status"`
		Artifacts map[string]string `json:"artifacts"`
		Nodes     []nodeResult      `json:"nodes"`
	}
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if result.Status != "completed" || result.Artifacts["creative"] != "1. The Dragon Who Sneezed" {
		t.Errorf("unexpected result %+v", result)
	}
	if len(result.Nodes) != 2 || result.Nodes[0].Name != "intake" {
		t.Errorf("unexpected nodes %+v", result.Nodes)
	}

	intakeCall, _ := openai.LastCall()
	if !strings.Contains(intakeCall.User(), "loves dragons") {
		t.Errorf("intake prompt lacks the parental input: %q", intakeCall.User())
	}
	creativeCall, _ := together.LastCall()
	if !strings.Contains(creativeCall.User(), "# Brief: dragons") {
		t.Errorf("creative prompt lacks the brief: %q", creativeCall.User())
	}
}

func TestRunPipelineMissingSeed(t *testing.T) {
	openai := ftesting.NewSpyProvider("openai").WithDefault("never", nil)
	a := testApp(t, openai, ftesting.NewSpyProvider("together"))

	var out bytes.Buffer
	err := runPipeline(context.Background(), a, "", &runOptions{}, &out)
	if !errors.IsCode(err, errors.CodeMissingDependency) {
		t.Fatalf("expected MISSING_DEPENDENCY, got %v", err)
	}
	if openai.CallCount() != 0 {
		t.Errorf("expected no provider call")
	}
	if hint := wrapCLIError(err).Hint; !strings.Contains(hint, "--seed parental_input=") {
		t.Errorf("unexpected hint %q", hint)
	}
}

func TestRunPipelineAsJob(t *testing.T) {
	openai := ftesting.NewSpyProvider("openai").AddResponse("brief")
	together := ftesting.NewSpyProvider("together").AddErrorResponse(llm.NewProviderError("together", 500, "overloaded", nil))
	a := testApp(t, openai, together)

	var out bytes.Buffer
	opts := &runOptions{AsJob: true}
	opts.Seeds = []string{"parental_input=x"}
	err := runPipeline(context.Background(), a, "", opts, &out)
	if !errors.IsCode(err, errors.CodeProviderError) {
		t.Fatalf("expected PROVIDER_ERROR, got %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "brief") {
		t.Errorf("expected the partial intake artifact in output:\n%s", text)
	}
	if !strings.Contains(text, "job ") || !strings.Contains(text, " failed") {
		t.Errorf("expected a failed job line:\n%s", text)
	}
}

func TestRunPipelineWithAudit(t *testing.T) {
	openai := ftesting.NewSpyProvider("openai").AddResponse("brief")
	together := ftesting.NewSpyProvider("together").AddResponse("concepts")
	a := testApp(t, openai, together)
	defer a.close(context.Background())

	opts := &runOptions{AuditPath: filepath.Join(t.TempDir(), "audit.db")}
	opts.Seeds = []string{"parental_input=x"}
	if err := runPipeline(context.Background(), a, "", opts, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(a.closers) != 1 {
		t.Errorf("expected the audit database to be registered for close")
	}
}

func TestPreviewUsesPlaceholders(t *testing.T) {
	together := ftesting.NewSpyProvider("together").Collapsing()
	a := testApp(t, ftesting.NewSpyProvider("openai"), together)

	var out bytes.Buffer
	if err := previewNode(context.Background(), a, "", "creative", &pipelineFlags{}, true, &out); err != nil {
		t.Fatalf("preview: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(got["user"], "<intake>") {
		t.Errorf("expected placeholder for the intake artifact, got %q", got["user"])
	}
	if together.CallCount() != 0 {
		t.Errorf("preview must not call the provider")
	}

	err := previewNode(context.Background(), a, "", "ghost", &pipelineFlags{}, false, io.Discard)
	if !errors.IsCode(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestValidatePipelineReportsEveryCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "story.yaml")
	yaml := `id: mixed
nodes:
  - name: intake
    stage: intake
    provider: {vendor: openai}
    depends_on: [parental_input]
  - name: creative
    stage: creative
    provider: {vendor: mistral}
    depends_on: [intake]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	a := testApp(t, ftesting.NewSpyProvider("openai"))
	a.cfg.Providers = map[string]config.ProviderConfig{"openai": {APIKey: "sk-test"}}

	checks := validatePipeline(a, path)
	byName := make(map[string]checkResult)
	for _, c := range checks {
		byName[c.Name] = c
	}
	if byName["provider:intake"].Status != "ok" {
		t.Errorf("expected intake provider ok, got %+v", byName["provider:intake"])
	}
	if byName["provider:creative"].Status != "error" {
		t.Errorf("expected unknown vendor error, got %+v", byName["provider:creative"])
	}
	if !strings.Contains(byName["seeds"].Message, "parental_input") {
		t.Errorf("expected seeds check to name parental_input, got %+v", byName["seeds"])
	}

	var out bytes.Buffer
	if err := reportChecks(&out, checks, false); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT from report, got %v", err)
	}
}

func TestExecuteProvidersJSON(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	var stdout, stderr bytes.Buffer
	code := executeTo(context.Background(), []string{"providers", "--json", "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	var infos []providerInfo
	if err := json.Unmarshal(stdout.Bytes(), &infos); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	got := make(map[string]bool)
	for _, info := range infos {
		got[info.Name] = info.Configured
	}
	for _, vendor := range []string{"openai", "claude", "grok", "together", "gemini", "ollama"} {
		if _, ok := got[vendor]; !ok {
			t.Errorf("vendor %s not listed", vendor)
		}
	}
	if !got["openai"] {
		t.Errorf("expected openai to be configured from OPENAI_API_KEY")
	}
}

func TestExecuteErrorIsPrinted(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := executeTo(context.Background(), []string{"run", "--json", "--log-level", "error", "--set", "bogus"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(stderr.Bytes(), &payload); err != nil {
		t.Fatalf("decode stderr: %v\n%s", err, stderr.String())
	}
	if payload.Error.Code != string(errors.CodeInvalidInput) {
		t.Errorf("unexpected error payload %s", stderr.String())
	}
}

func TestGlobalConfigArgs(t *testing.T) {
	g := &globalOptions{ConfigPath: "fabula.yaml", Profile: "dev", Overrides: []string{"log.format=json"}, LogLevel: "debug"}
	want := []string{"--config", "fabula.yaml", "--profile", "dev", "--set", "log.format=json", "--set", "log.level=debug"}
	got := g.configArgs()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestExamplePipelineIsValid(t *testing.T) {
	a := testApp(t, ftesting.NewSpyProvider("openai"), ftesting.NewSpyProvider("together"))
	for _, c := range validatePipeline(a, filepath.Join("..", "..", "examples", "story.yaml")) {
		if c.Status == "error" {
			t.Errorf("check %s failed: %s", c.Name, c.Message)
		}
	}
}

func TestAuditCommandReadsRunEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	a := testApp(t, ftesting.NewSpyProvider("openai").AddResponse("brief"), ftesting.NewSpyProvider("together").AddResponse("concepts"))
	opts := &runOptions{AuditPath: dbPath}
	opts.Seeds = []string{"parental_input=x"}
	if err := runPipeline(context.Background(), a, "", opts, io.Discard); err != nil {
		t.Fatalf("run: %v", err)
	}
	a.close(context.Background())

	var stdout, stderr bytes.Buffer
	code := executeTo(context.Background(), []string{"audit", dbPath, "--status", "completed", "--json", "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	var events []struct {
		Node   string `json:"node"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if len(events) != 2 || events[0].Node != "intake" || events[1].Output != "concepts" {
		t.Errorf("unexpected events %+v", events)
	}
}
