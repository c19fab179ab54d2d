// Package domain holds the values that describe one deployment run: the
// configuration supplied by the environment, the stage machine the
// orchestrator walks, and the result it reports.
//
// This package contains pure types with no I/O - following ADR-002.
package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Pipeline Stage
// =============================================================================

// PipelineStage is the single current position of a deployment run.
type PipelineStage string

const (
	StageNotStarted          PipelineStage = "not_started"
	StageStopping            PipelineStage = "stopping"
	StageVersionBump         PipelineStage = "version_bump"
	StageConfiguring         PipelineStage = "configuring"
	StageBuilding            PipelineStage = "building"
	StageCleaningArtifacts   PipelineStage = "cleaning_artifacts"
	StageInstalling          PipelineStage = "installing"
	StageVerifyingInstall    PipelineStage = "verifying_install"
	StageLaunching           PipelineStage = "launching"
	StageVerifyingFunctional PipelineStage = "verifying_functional"
	StageSucceeded           PipelineStage = "succeeded"
	StageFailed              PipelineStage = "failed"
)

// ErrInvalidTransition is returned when a stage change skips or reverses.
var ErrInvalidTransition = errors.New("invalid stage transition")

// stageOrder is the fixed forward sequence of a run.
var stageOrder = []PipelineStage{
	StageNotStarted,
	StageStopping,
	StageVersionBump,
	StageConfiguring,
	StageBuilding,
	StageCleaningArtifacts,
	StageInstalling,
	StageVerifyingInstall,
	StageLaunching,
	StageVerifyingFunctional,
	StageSucceeded,
}

// Stages returns the working stages in execution order, excluding
// NotStarted and the terminal stages.
func Stages() []PipelineStage {
	out := make([]PipelineStage, 0, len(stageOrder)-2)
	for _, s := range stageOrder {
		if s == StageNotStarted || s.IsTerminal() {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (s PipelineStage) index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known stage.
func (s PipelineStage) Valid() bool {
	return s == StageFailed || s.index() >= 0
}

// IsTerminal reports whether no further transition is possible.
func (s PipelineStage) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

// Next returns the stage that follows s, or s itself for terminal stages.
func (s PipelineStage) Next() PipelineStage {
	i := s.index()
	if i < 0 || s.IsTerminal() {
		return s
	}
	return stageOrder[i+1]
}

// Before reports whether s comes strictly earlier than o in the run order.
// Failed is not ordered and always returns false.
func (s PipelineStage) Before(o PipelineStage) bool {
	i, j := s.index(), o.index()
	return i >= 0 && j >= 0 && i < j
}

// ValidateTransition allows only the immediate successor, or Failed from
// any non-terminal stage.
func ValidateTransition(from, to PipelineStage) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: unknown stage %q -> %q", ErrInvalidTransition, from, to)
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == StageFailed || from.Next() == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ExitCode maps the stage a run failed in to its process exit code.
func (s PipelineStage) ExitCode() int {
	switch s {
	case StageSucceeded:
		return ExitOK
	case StageNotStarted:
		return ExitConfig
	case StageStopping:
		return ExitStop
	case StageVersionBump:
		return ExitVersionBump
	case StageConfiguring:
		return ExitConfigure
	case StageBuilding:
		return ExitBuild
	case StageCleaningArtifacts:
		return ExitClean
	case StageInstalling:
		return ExitInstall
	case StageVerifyingInstall:
		return ExitVerifyInstall
	case StageLaunching:
		return ExitLaunch
	case StageVerifyingFunctional:
		return ExitFunctional
	default:
		return ExitConfig
	}
}

// Title is the human heading used in progress and diagnostic output.
func (s PipelineStage) Title() string {
	switch s {
	case StageNotStarted:
		return "Preparation"
	case StageStopping:
		return "Target termination"
	case StageVersionBump:
		return "Version bump"
	case StageConfiguring:
		return "Build configuration"
	case StageBuilding:
		return "Build"
	case StageCleaningArtifacts:
		return "Artifact cleanup"
	case StageInstalling:
		return "Installation"
	case StageVerifyingInstall:
		return "Installation verification"
	case StageLaunching:
		return "Launch"
	case StageVerifyingFunctional:
		return "Functional verification"
	case StageSucceeded:
		return "Succeeded"
	case StageFailed:
		return "Failed"
	default:
		return string(s)
	}
}

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitOK            = 0
	ExitConfig        = 1
	ExitStop          = 2
	ExitVersionBump   = 3
	ExitConfigure     = 4
	ExitBuild         = 5
	ExitClean         = 6
	ExitInstall       = 7
	ExitVerifyInstall = 8
	ExitLaunch        = 9
	ExitFunctional    = 10
	ExitInterrupted   = 11
)
