// Copyright 2026 © The Fabula Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Fabula settings from defaults, YAML files, profile
// overlays, environment variables and command-line overrides, in that order.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/jllopis/fabula/pkg/errors"
)

// EnvPrefix prefixes every Fabula environment variable.
const EnvPrefix = "FABULA_"

type Config struct {
	Log          LogConfig                 `koanf:"log"`
	Telemetry    TelemetryConfig           `koanf:"telemetry"`
	Providers    map[string]ProviderConfig `koanf:"providers"`
	Orchestrator OrchestratorConfig        `koanf:"orchestrator"`
	Store        StoreConfig               `koanf:"store"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string `koanf:"exporter"` // none, stdout, otlp
	ServiceName        string `koanf:"service_name"`
	OTLPEndpoint       string `koanf:"otlp_endpoint"`
	OTLPInsecure       bool   `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int    `koanf:"otlp_timeout_seconds"`
}

// ProviderConfig holds one vendor's credentials and defaults.
type ProviderConfig struct {
	APIKey    string        `koanf:"api_key"`
	Model     string        `koanf:"model"`
	BaseURL   string        `koanf:"base_url"`
	MaxTokens int           `koanf:"max_tokens"`
	Timeout   time.Duration `koanf:"timeout"`
}

type OrchestratorConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	Topological      bool          `koanf:"topological"`
	RetryAttempts    int           `koanf:"retry_attempts"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
	Concurrency      int           `koanf:"concurrency"`
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // memory, sqlite
	DSN    string `koanf:"dsn"`
}

// vendorKeyEnv lists the conventional API key variables of each vendor, in
// lookup order. They fill providers.<vendor>.api_key when it is still empty.
var vendorKeyEnv = map[string][]string{
	"openai":   {"OPENAI_API_KEY"},
	"claude":   {"CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
	"grok":     {"GROK_API_KEY", "XAI_API_KEY"},
	"together": {"TOGETHER_API_KEY"},
	"gemini":   {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.service_name", "fabula")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("providers.ollama.base_url", "http://localhost:11434")

	k.Set("orchestrator.timeout", "5m")
	k.Set("orchestrator.topological", false)
	k.Set("orchestrator.retry_attempts", 3)
	k.Set("orchestrator.retry_delay", "500ms")
	k.Set("orchestrator.breaker_threshold", 5)
	k.Set("orchestrator.breaker_cooldown", "30s")
	k.Set("orchestrator.concurrency", 4)

	k.Set("store.driver", "memory")
	k.Set("store.dsn", "file:fabula.db?_pragma=busy_timeout(5000)")
}

// Load reads defaults, the optional file at path and the environment.
func Load(path string) (*Config, error) {
	return load(path, "", nil)
}

// LoadWithProfile also overlays config.<profile>.yaml from the directory of
// path when that file exists.
func LoadWithProfile(path, profile string) (*Config, error) {
	return load(path, profile, nil)
}

// LoadWithCLI extracts --config, --profile and repeated --set key=value
// arguments from args and loads with them. --set wins over every other source.
func LoadWithCLI(args []string) (*Config, error) {
	path, profile, sets, err := ParseCLI(args)
	if err != nil {
		return nil, err
	}
	return load(path, profile, sets)
}

func load(path, profile string, sets map[string]string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.New(errors.CodeInvalidInput, "load config "+path, err)
		}
		if p := profileConfigPath(path, profile); p != "" {
			if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
				return nil, errors.New(errors.CodeInvalidInput, "load profile "+p, err)
			}
		}
	}

	// FABULA_LOG_LEVEL -> log.level, FABULA_PROVIDERS__OPENAI__MODEL -> providers.openai.model
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "load environment", err)
	}

	for vendor, names := range vendorKeyEnv {
		key := "providers." + vendor + ".api_key"
		if k.String(key) != "" {
			continue
		}
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				k.Set(key, v)
				break
			}
		}
	}

	for key, raw := range sets {
		k.Set(key, parseValue(raw))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "decode config", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	return &cfg, nil
}

// envKey maps an environment variable to a config key. A double underscore
// separates nested levels; without one, only the first underscore does.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if strings.Contains(s, "__") {
		return strings.ReplaceAll(s, "__", ".")
	}
	return strings.Replace(s, "_", ".", 1)
}

// parseValue decodes a --set value as YAML so numbers, booleans and inline
// maps keep their type. Unparseable values stay strings.
func parseValue(raw string) any {
	var v any
	if err := yamlv3.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	return v
}

// profileConfigPath returns config.<profile>.<ext> next to base if it exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	p := filepath.Join(filepath.Dir(base), name+"."+profile+ext)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// ParseCLI extracts configuration arguments, accepting both "--flag value" and
// "--flag=value". Unrelated arguments are ignored.
func ParseCLI(args []string) (path, profile string, sets map[string]string, err error) {
	sets = make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--set":
		default:
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return "", "", nil, errors.Newf(errors.CodeInvalidInput, "%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			path = value
		case "--profile":
			profile = value
		case "--set":
			key, v, ok := strings.Cut(value, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return "", "", nil, errors.Newf(errors.CodeInvalidInput, "--set expects key=value, got %q", value)
			}
			sets[strings.TrimSpace(key)] = v
		}
	}
	return path, profile, sets, nil
}

// Provider returns the configuration of vendor, empty if not configured.
func (c *Config) Provider(vendor string) ProviderConfig {
	return c.Providers[strings.ToLower(vendor)]
}
