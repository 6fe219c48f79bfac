package export

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/instruflow/graph"
)

// Format is a definition file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatDOT  Format = "dot"
)

// FormatFromPath picks the format from a file extension. Unknown
// extensions default to DOT, the format of exportWorkflow.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatDOT
	}
}

// WriteDefinition writes def as JSON or YAML.
func WriteDefinition(w io.Writer, def *graph.Definition, format Format) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(def); err != nil {
			return fmt.Errorf("encoding definition: %w", err)
		}
		return nil
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(def); err != nil {
			return fmt.Errorf("encoding definition: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported definition format %q", format)
	}
}
