package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Run Records
// =============================================================================

// StageRecord is the outcome of one stage of a run.
type StageRecord struct {
	Stage      PipelineStage `db:"stage" json:"stage"`
	StartedAt  time.Time     `db:"started_at" json:"started_at"`
	FinishedAt time.Time     `db:"finished_at" json:"finished_at"`
	Skipped    bool          `db:"skipped" json:"skipped,omitempty"`
	Error      string        `db:"error" json:"error,omitempty"`
}

// Duration is the wall time the stage took.
func (r StageRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// PipelineResult is what the orchestrator returns. It is not persisted
// beyond the optional journal.
type PipelineResult struct {
	RunID       string
	Stage       PipelineStage // Succeeded or Failed
	FailedStage PipelineStage // Empty on success
	Err         error
	ExitCode    int

	// Version is the bumped version, empty if the run failed before bumping.
	Version         string
	ReportedVersion string

	StartedAt  time.Time
	FinishedAt time.Time
	Stages     []StageRecord
}

// NewPipelineResult starts a result for a fresh run.
func NewPipelineResult() *PipelineResult {
	return &PipelineResult{
		RunID:     uuid.New().String(),
		Stage:     StageNotStarted,
		StartedAt: time.Now().UTC(),
	}
}

// Succeeded reports whether the run reached the terminal success stage.
func (r *PipelineResult) Succeeded() bool {
	return r.Stage == StageSucceeded
}

// Record appends a finished stage.
func (r *PipelineResult) Record(rec StageRecord) {
	r.Stages = append(r.Stages, rec)
}

// Fail marks the run failed in stage with err.
func (r *PipelineResult) Fail(stage PipelineStage, err error) {
	r.FailedStage = stage
	r.Stage = StageFailed
	r.Err = err
	r.ExitCode = stage.ExitCode()
	r.FinishedAt = time.Now().UTC()
}

// Succeed marks the run successful.
func (r *PipelineResult) Succeed() {
	r.Stage = StageSucceeded
	r.ExitCode = ExitOK
	r.FinishedAt = time.Now().UTC()
}

// RunRecord is the journal row for one run.
type RunRecord struct {
	ID              string     `db:"id" json:"id"`
	Platform        string     `db:"platform" json:"platform"`
	Status          string     `db:"status" json:"status"`
	FailedStage     string     `db:"failed_stage" json:"failed_stage,omitempty"`
	Version         string     `db:"version" json:"version,omitempty"`
	ReportedVersion string     `db:"reported_version" json:"reported_version,omitempty"`
	ExitCode        int        `db:"exit_code" json:"exit_code"`
	Error           string     `db:"error" json:"error,omitempty"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	FinishedAt      *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}
