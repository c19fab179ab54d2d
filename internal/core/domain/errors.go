package domain

import (
	"errors"
	"fmt"

	"github.com/artpar/hotswap/internal/core/artifact"
	"github.com/artpar/hotswap/internal/core/command"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrCommandFailed covers nonzero exit, timeout and detected no-op success.
	ErrCommandFailed = command.ErrCommandFailed

	// ErrProcessTermination means the target was still alive after the
	// whole termination budget.
	ErrProcessTermination = errors.New("target process could not be terminated")

	// ErrVerification means an artifact was missing or did not match.
	ErrVerification = artifact.ErrVerification

	// ErrConfiguration means a prerequisite from the environment is missing.
	ErrConfiguration = errors.New("configuration error")

	// ErrStaleVersion means the relaunched target reported an older version
	// than the one just built.
	ErrStaleVersion = errors.New("running version is older than the deployed version")

	// ErrInterrupted means the interrupt policy chose to cancel the run.
	ErrInterrupted = errors.New("deployment interrupted")
)

// StageError attaches the failing stage and operation to an error.
type StageError struct {
	Stage   PipelineStage
	Op      string // Operation within the stage (e.g., "copy", "delete")
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Stage, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stage PipelineStage, op, message string, err error) *StageError {
	return &StageError{
		Stage:   stage,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ConfigError reports a missing or invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}
