package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/fabula/pkg/errors"
)

// ParseJSON loads a pipeline from JSON and validates it.
func ParseJSON(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "empty JSON payload")
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "parse json pipeline", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseYAML loads a pipeline from YAML and validates it.
func ParseYAML(data []byte) (*Definition, error) {
	if len(data) == 0 {
		return nil, errors.Newf(errors.CodeInvalidInput, "empty YAML payload")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "parse yaml pipeline", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Load reads a pipeline file, choosing the format by extension.
func Load(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.Newf(errors.CodeInvalidInput, "pipeline path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeNotFound, "read pipeline "+path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return parseAuto(data)
	}
}

func parseAuto(data []byte) (*Definition, error) {
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		if def, err := ParseJSON(data); err == nil {
			return def, nil
		}
	}
	return ParseYAML(data)
}

// MarshalYAML serializes a validated pipeline to YAML.
func MarshalYAML(def *Definition) ([]byte, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return yaml.Marshal(def)
}

// MarshalJSON serializes a validated pipeline to JSON. Use pretty for indented output.
func MarshalJSON(def *Definition, pretty bool) ([]byte, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if pretty {
		return json.MarshalIndent(def, "", "  ")
	}
	return json.Marshal(def)
}
