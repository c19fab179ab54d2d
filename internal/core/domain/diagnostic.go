package domain

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Remediation
// =============================================================================

var remediation = map[PipelineStage][]string{
	StageNotStarted: {
		"Check the configuration file and HOTSWAP_* environment variables",
		"Verify the target application path for this platform",
	},
	StageStopping: {
		"Manually close the target application",
		"Check the process list for remaining target processes",
		"Kill all target processes manually",
		"Run the deployment again",
	},
	StageVersionBump: {
		"Check that the version marker file exists and is writable",
		"Verify it defines MAJOR, MINOR, PATCH, NAME_VERSIONED and JSON_FILE entries",
	},
	StageConfiguring: {
		"Check the build system configuration command",
		"Verify the SDK and toolchain paths are correct",
		"Delete the build directory and configure again",
	},
	StageBuilding: {
		"Check the build configuration",
		"Verify the SDK is properly installed",
		"Check for missing dependencies",
		"Review the build output above for specific errors",
	},
	StageCleaningArtifacts: {
		"Check file permissions in the install directory",
		"Verify no file locks prevent deletion",
		"Check that the target application is completely terminated",
		"Delete old artifact files manually if necessary",
	},
	StageInstalling: {
		"Verify write permissions to the install directory",
		"Check that the built artifact exists in the build directory",
		"Verify companion files were generated",
	},
	StageVerifyingInstall: {
		"Check that the copy command really copied the file",
		"Verify file permissions",
		"Check that the installed file was actually updated",
		"Verify no file locks prevent overwrite",
	},
	StageLaunching: {
		"Check the launch command and target binary path",
		"Start the target application manually",
	},
	StageVerifyingFunctional: {
		"Check that the target application started and loaded the plugin",
		"Verify the control server is listening on the configured port",
		"Make sure no stale copy of the plugin is loaded from another directory",
	},
}

// RemediationHints returns the manual checklist for a failed stage.
func RemediationHints(stage PipelineStage) []string {
	hints := remediation[stage]
	out := make([]string, len(hints))
	copy(out, hints)
	return out
}

// =============================================================================
// Diagnostic Block
// =============================================================================

const diagnosticWidth = 80

// Diagnostic is the structured failure report printed at the end of a
// failed run.
type Diagnostic struct {
	Stage     PipelineStage
	Condition string
	Details   []string
	Hints     []string
}

// NewDiagnostic builds the report for err raised in stage. Details are
// extra lines such as the tail of a failed command's output.
func NewDiagnostic(stage PipelineStage, err error, details []string) Diagnostic {
	condition := "unknown failure"
	if err != nil {
		condition = err.Error()
	}
	return Diagnostic{
		Stage:     stage,
		Condition: condition,
		Details:   details,
		Hints:     hintsFor(stage, err),
	}
}

func hintsFor(stage PipelineStage, err error) []string {
	hints := RemediationHints(stage)
	switch {
	case errors.Is(err, ErrStaleVersion):
		hints = append(hints, "An old instance may still be running; stop it and deploy again")
	case errors.Is(err, ErrConfiguration) && stage != StageNotStarted:
		hints = append(hints, RemediationHints(StageNotStarted)...)
	}
	return hints
}

// Format renders the block as console text.
func (d Diagnostic) Format() string {
	rule := strings.Repeat("=", diagnosticWidth)

	var b strings.Builder
	b.WriteString("\n" + rule + "\n")
	fmt.Fprintf(&b, "DEPLOYMENT FAILED - %s\n", strings.ToUpper(d.Stage.Title()))
	b.WriteString(rule + "\n\n")
	fmt.Fprintf(&b, "Stage:     %s\n", d.Stage)
	fmt.Fprintf(&b, "Condition: %s\n", d.Condition)

	if len(d.Details) > 0 {
		b.WriteString("\nOutput:\n")
		for _, line := range d.Details {
			b.WriteString("  " + line + "\n")
		}
	}

	if len(d.Hints) > 0 {
		b.WriteString("\nACTION REQUIRED:\n")
		for i, h := range d.Hints {
			fmt.Fprintf(&b, "%d. %s\n", i+1, h)
		}
	}
	b.WriteString("\n" + rule + "\n")
	return b.String()
}
