package store

import (
	"context"

	"github.com/artpar/hotswap/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store records pipeline runs and their stage transitions.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.RunRecord) error
	FinishRun(ctx context.Context, run *domain.RunRecord) error
	GetRun(ctx context.Context, id string) (*domain.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)

	// Stage operations
	RecordStage(ctx context.Context, runID string, rec domain.StageRecord) error
	ListStages(ctx context.Context, runID string) ([]domain.StageRecord, error)

	Close() error
}

// DefaultListLimit applies when ListRuns is given a non-positive limit.
const DefaultListLimit = 20
