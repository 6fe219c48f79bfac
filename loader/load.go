package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/instruflow/graph"
)

// LoadWorkflow is the unified entry point that reads a workflow file,
// detects its format, decodes it and runs structural validation.
func LoadWorkflow(path string) (*graph.Definition, error) {
	return LoadWorkflowWith(path, nil)
}

// LoadWorkflowWith loads a workflow and validates it against the classes
// known to r. A nil resolver only runs structural validation.
func LoadWorkflowWith(path string, r graph.ClassResolver) (*graph.Definition, error) {
	def, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	if diags := Validate(def, r); graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return def, nil
}

// Validate checks the version of def and runs ValidateWith(r).
func Validate(def *graph.Definition, r graph.ClassResolver) []graph.Diagnostic {
	return append(versionDiagnostics(def), def.ValidateWith(r)...)
}

// DecodeFile reads and decodes a workflow file without validating it.
func DecodeFile(path string) (*graph.Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Decode(data, path)
}

// Decode decodes workflow bytes. path selects the format and names the
// source in errors.
func Decode(data []byte, path string) (*graph.Definition, error) {
	format, err := DetectFormat(data, path)
	if err != nil {
		return nil, err
	}
	if format == FormatHCL {
		return decodeHCL(data, path)
	}

	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	var def graph.Definition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	return &def, nil
}

// toJSON converts data to JSON bytes, handling YAML conversion.
func toJSON(data []byte, format Format) ([]byte, error) {
	if format == FormatYAML {
		return yamlToJSON(data)
	}
	return data, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
