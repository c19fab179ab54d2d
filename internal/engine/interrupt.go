package engine

import (
	"fmt"
	"strings"

	"github.com/artpar/hotswap/internal/core/domain"
)

// InterruptMode selects how OS interrupts are treated during a run.
type InterruptMode string

const (
	// InterruptProtectBuild ignores interrupts while the build or the
	// installed artifact may be mid-change, and cancels afterwards.
	InterruptProtectBuild InterruptMode = "protect-build"

	// InterruptIgnore logs every interrupt and keeps running.
	InterruptIgnore InterruptMode = "ignore"

	// InterruptHonor cancels the run on the first interrupt.
	InterruptHonor InterruptMode = "honor"
)

// InterruptPolicy decides whether an interrupt received in a given stage
// cancels the run. It replaces any process-wide "keep running" state: the
// orchestrator consults the policy it was given and nothing else.
type InterruptPolicy struct {
	mode      InterruptMode
	protected map[domain.PipelineStage]bool
}

// protectedStages cover stopping through install verification.
var protectedStages = []domain.PipelineStage{
	domain.StageStopping,
	domain.StageVersionBump,
	domain.StageConfiguring,
	domain.StageBuilding,
	domain.StageCleaningArtifacts,
	domain.StageInstalling,
	domain.StageVerifyingInstall,
}

// NewInterruptPolicy returns the policy for mode. An empty mode is
// InterruptProtectBuild.
func NewInterruptPolicy(mode InterruptMode) (*InterruptPolicy, error) {
	m := InterruptMode(strings.ToLower(strings.TrimSpace(string(mode))))
	if m == "" {
		m = InterruptProtectBuild
	}

	p := &InterruptPolicy{mode: m, protected: map[domain.PipelineStage]bool{}}
	switch m {
	case InterruptProtectBuild:
		for _, s := range protectedStages {
			p.protected[s] = true
		}
	case InterruptIgnore, InterruptHonor:
	default:
		return nil, &domain.ConfigError{
			Field:   "interrupts.mode",
			Message: fmt.Sprintf("unknown mode %q (want protect-build, ignore or honor)", mode),
		}
	}
	return p, nil
}

// DefaultInterruptPolicy protects the build-critical stages.
func DefaultInterruptPolicy() *InterruptPolicy {
	p, _ := NewInterruptPolicy(InterruptProtectBuild)
	return p
}

// Mode returns the configured mode.
func (p *InterruptPolicy) Mode() InterruptMode {
	return p.mode
}

// ShouldCancel reports whether an interrupt in stage cancels the run.
func (p *InterruptPolicy) ShouldCancel(stage domain.PipelineStage) bool {
	switch p.mode {
	case InterruptIgnore:
		return false
	case InterruptHonor:
		return true
	default:
		return !p.protected[stage]
	}
}
