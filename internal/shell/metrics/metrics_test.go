package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/protocol"
)

// counterValue sums a counter family's samples whose labels include want.
func counterValue(t *testing.T, r *Recorder, name string, want map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if !match {
				continue
			}
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				total += float64(h.GetSampleCount())
			}
		}
	}
	return total
}

// =============================================================================
// Observer Tests
// =============================================================================

func TestObserveCommand(t *testing.T) {
	r := New()
	r.ObserveCommand(command.KindBuild, command.Result{Success: true, Elapsed: time.Minute})
	r.ObserveCommand(command.KindBuild, command.Result{TimedOut: true, Elapsed: time.Hour})
	r.ObserveCommand(command.KindCopy, command.Result{ExitCode: 4})

	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_command_duration_seconds", map[string]string{"kind": "build", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_command_duration_seconds", map[string]string{"kind": "build", "outcome": "timeout"}))
	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_command_duration_seconds", map[string]string{"kind": "copy", "outcome": "error"}))
}

func TestObserveRPC_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"ok", nil, "ok"},
		{"refused", protocol.NewRPCError("initialize", protocol.ErrConnectionRefused, "dial", nil), "refused"},
		{"timeout", protocol.NewRPCError("initialize", protocol.ErrTimeout, "read", nil), "timeout"},
		{"remote", protocol.NewRPCError("initialize", protocol.ErrRemote, "server said no", nil), "remote_error"},
		{"protocol", protocol.NewRPCError("initialize", protocol.ErrProtocol, "bad json", nil), "protocol_error"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.ObserveRPC("initialize", 10*time.Millisecond, tt.err)
			assert.Equal(t, 1.0, counterValue(t, r, "hotswap_rpc_calls_total", map[string]string{"method": "initialize", "result": tt.result}))
		})
	}
}

func TestObserveStageAndRun(t *testing.T) {
	r := New()
	now := time.Now()
	r.ObserveStage(domain.StageRecord{Stage: domain.StageBuilding, StartedAt: now, FinishedAt: now.Add(time.Minute)})
	r.ObserveStage(domain.StageRecord{Stage: domain.StageConfiguring, Skipped: true})
	r.ObserveStage(domain.StageRecord{Stage: domain.StageInstalling, Error: "copy failed"})

	res := domain.NewPipelineResult()
	res.Fail(domain.StageInstalling, errors.New("copy failed"))
	r.ObserveRun(res)

	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_stage_duration_seconds", map[string]string{"stage": "building", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_stage_duration_seconds", map[string]string{"stage": "configuring", "outcome": "skipped"}))
	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_stage_duration_seconds", map[string]string{"stage": "installing", "outcome": "error"}))
	assert.Equal(t, 1.0, counterValue(t, r, "hotswap_runs_total", map[string]string{"status": "failed", "failed_stage": "installing"}))
}

func TestObserveMonitorWarning(t *testing.T) {
	r := New()
	r.ObserveMonitorWarning("low_memory")
	r.ObserveMonitorWarning("low_memory")

	assert.Equal(t, 2.0, counterValue(t, r, "hotswap_build_monitor_warnings_total", map[string]string{"kind": "low_memory"}))
}

// =============================================================================
// Export Tests
// =============================================================================

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.ObserveMonitorWarning("process_vanished")

	path := filepath.Join(t.TempDir(), "hotswap.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `hotswap_build_monitor_warnings_total{kind="process_vanished"} 1`)
}

func TestWriteTextfile_EmptyPath(t *testing.T) {
	assert.NoError(t, New().WriteTextfile(""))
}
