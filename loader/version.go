package loader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/petal-labs/instruflow/graph"
)

// SupportedMajor is the workflow format major version this loader reads.
const SupportedMajor = 1

// versionPattern accepts a bare major ("1"), MAJOR.MINOR, or a full
// semantic version with optional pre-release and build parts.
var versionPattern = regexp.MustCompile(
	`^(0|[1-9][0-9]*)(?:\.(0|[1-9][0-9]*)(?:\.(0|[1-9][0-9]*)` +
		`(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?` +
		`(?:\+[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?)?)?$`,
)

// ValidateVersion checks a workflow version string. An empty version is
// read as the current one.
func ValidateVersion(version string) error {
	v := strings.TrimSpace(version)
	if v == "" {
		return nil
	}
	match := versionPattern.FindStringSubmatch(v)
	if match == nil {
		return fmt.Errorf("version %q must be MAJOR, MAJOR.MINOR or a semantic version", version)
	}
	major, err := strconv.Atoi(match[1])
	if err != nil {
		return fmt.Errorf("parsing version major: %w", err)
	}
	if major != SupportedMajor {
		return fmt.Errorf("version %q has unsupported major %d (supported: %d)", version, major, SupportedMajor)
	}
	return nil
}

// versionDiagnostics reports an unreadable version as WF-009.
func versionDiagnostics(def *graph.Definition) []graph.Diagnostic {
	if err := ValidateVersion(def.Version); err != nil {
		return []graph.Diagnostic{{
			Code:     "WF-009",
			Severity: graph.SeverityError,
			Message:  err.Error(),
			Path:     "version",
		}}
	}
	return nil
}
