// Package loader reads declarative workflow files and instantiates them on
// an engine. Workflows are JSON, YAML or HCL; all three decode into a
// graph.Definition.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the syntax of a workflow file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// DetectFormat picks the syntax of a workflow file:
//  1. .json, .yaml/.yml and .hcl extensions decide
//  2. otherwise content starting with '{' is JSON
//  3. otherwise content with a top-level "modules:" key is YAML
//  4. else error
func DetectFormat(data []byte, filePath string) (Format, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	}

	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		return FormatJSON, nil
	}
	var raw map[string]any
	if err := yaml.Unmarshal(trimmed, &raw); err == nil && hasKey(raw, "modules") {
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unable to detect workflow format of %s: use a .json, .yaml or .hcl extension", filePath)
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts YAML bytes to JSON bytes, so that both formats decode
// through the same json tags: YAML -> map[string]any -> JSON -> struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 decodes mappings as map[string]any, which is JSON-compatible.
	return json.Marshal(raw)
}
