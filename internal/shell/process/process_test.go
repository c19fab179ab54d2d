package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
)

// =============================================================================
// Mocks
// =============================================================================

// fakeTarget simulates the target process. It dies once killAfter
// termination commands have been run, or when quit is requested and
// honourQuit is set.
type fakeTarget struct {
	mu         sync.Mutex
	alive      bool
	killAfter  int // 0 means never
	honourQuit bool
	reachable  bool
	probeErr   error

	commands []string
	quits    int
	probes   int
}

func (f *fakeTarget) Run(_ context.Context, cmd command.Command) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd.String())
	if f.killAfter > 0 && len(f.commands) >= f.killAfter {
		f.alive = false
	}
	// Termination tools report success whether or not anything died.
	return command.Result{Success: true}
}

func (f *fakeTarget) Running(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return f.alive, nil
}

func (f *fakeTarget) Reachable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakeTarget) Quit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quits++
	if f.honourQuit {
		f.alive = false
	}
	return nil
}

func fastControllerConfig() ControllerConfig {
	return ControllerConfig{
		GracefulWait:     50 * time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
		StrategySettle:   time.Millisecond,
		CycleDelay:       2 * time.Millisecond,
		CommandTimeout:   time.Second,
	}
}

func unixConfig() domain.DeploymentConfig {
	return domain.DeploymentConfig{
		ProcessName: "qtcreator",
		TerminationCommands: []command.Command{
			command.NewArgs(command.KindTerminate, "pkill", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "pkill", "-9", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "killall", "-9", "{process}"),
		},
	}
}

// =============================================================================
// Controller Tests
// =============================================================================

func TestEnsureStopped_NotRunning(t *testing.T) {
	target := &fakeTarget{alive: false, reachable: true}
	c := NewController(fastControllerConfig(), target, target, target, nil)

	require.NoError(t, c.EnsureStopped(context.Background(), unixConfig(), time.Second))
	assert.Empty(t, target.commands)
	assert.Zero(t, target.quits)
}

func TestEnsureStopped_Graceful(t *testing.T) {
	target := &fakeTarget{alive: true, reachable: true, honourQuit: true}
	c := NewController(fastControllerConfig(), target, target, target, nil)

	require.NoError(t, c.EnsureStopped(context.Background(), unixConfig(), time.Second))
	assert.Equal(t, 1, target.quits)
	assert.Empty(t, target.commands, "no forceful strategy after a graceful exit")
}

func TestEnsureStopped_SkipsGracefulWhenUnreachable(t *testing.T) {
	target := &fakeTarget{alive: true, reachable: false, killAfter: 1}
	c := NewController(fastControllerConfig(), target, target, target, nil)

	require.NoError(t, c.EnsureStopped(context.Background(), unixConfig(), time.Second))
	assert.Zero(t, target.quits)
	assert.Equal(t, []string{"pkill -f qtcreator"}, target.commands)
}

func TestEnsureStopped_EscalatesInOrder(t *testing.T) {
	target := &fakeTarget{alive: true, reachable: true, killAfter: 3}
	c := NewController(fastControllerConfig(), target, target, target, nil)

	require.NoError(t, c.EnsureStopped(context.Background(), unixConfig(), 5*time.Second))
	assert.Equal(t, 1, target.quits)
	assert.Equal(t, []string{
		"pkill -f qtcreator",
		"pkill -9 -f qtcreator",
		"killall -9 qtcreator",
	}, target.commands)
}

func TestEnsureStopped_RepeatsCyclesUntilBudget(t *testing.T) {
	target := &fakeTarget{alive: true, killAfter: 5}
	c := NewController(fastControllerConfig(), target, target, nil, nil)

	require.NoError(t, c.EnsureStopped(context.Background(), unixConfig(), 5*time.Second))
	require.Len(t, target.commands, 5)
	assert.Equal(t, target.commands[0], target.commands[3], "second cycle restarts at the first strategy")
}

func TestEnsureStopped_BudgetExceeded(t *testing.T) {
	target := &fakeTarget{alive: true, reachable: true}
	c := NewController(fastControllerConfig(), target, target, target, nil)

	start := time.Now()
	err := c.EnsureStopped(context.Background(), unixConfig(), 200*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProcessTermination)
	assert.Less(t, time.Since(start), 2*time.Second)

	alive, _ := target.Running(context.Background())
	assert.True(t, alive, "failure is only reported while the target is alive")
}

func TestEnsureStopped_ProbeErrorCountsAsRunning(t *testing.T) {
	target := &fakeTarget{alive: false, probeErr: errors.New("pgrep missing")}
	c := NewController(fastControllerConfig(), target, target, nil, nil)

	err := c.EnsureStopped(context.Background(), unixConfig(), 100*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrProcessTermination)
}

func TestEnsureStopped_ContextCancelled(t *testing.T) {
	target := &fakeTarget{alive: true}
	cfg := fastControllerConfig()
	cfg.CycleDelay = time.Second
	c := NewController(cfg, target, target, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := c.EnsureStopped(ctx, unixConfig(), 30*time.Second)
	assert.ErrorIs(t, err, domain.ErrProcessTermination)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStrategies_SkipEmptyPlaceholder(t *testing.T) {
	dc := domain.DeploymentConfig{
		ProcessName: "qtcreator.exe",
		TerminationCommands: []command.Command{
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/IM", "{process}"),
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/FI", "WINDOWTITLE eq {title}*"),
		},
	}
	c := NewController(fastControllerConfig(), &fakeTarget{}, &fakeTarget{}, nil, nil)

	got := c.strategies(dc)
	require.Len(t, got, 1)
	assert.Equal(t, "taskkill /F /IM qtcreator.exe", got[0].String())
}

// =============================================================================
// Probe Tests
// =============================================================================

type scriptedRunner struct {
	result command.Result
	last   command.Command
}

func (s *scriptedRunner) Run(_ context.Context, cmd command.Command) command.Result {
	s.last = cmd
	return s.result
}

func TestCommandProbe_ExitCode(t *testing.T) {
	dc := unixConfig()
	dc.Probe = domain.LivenessProbe{Command: command.NewArgs(command.KindProbe, "pgrep", "-f", "{pattern}")}

	tests := []struct {
		name    string
		exit    int
		running bool
		wantErr bool
	}{
		{"found", 0, true, false},
		{"not found", 1, false, false},
		{"probe broken", 2, false, true},
		{"probe missing", -1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptedRunner{result: command.Result{Success: tt.exit == 0, ExitCode: tt.exit}}
			p := NewCommandProbe(r, dc)

			running, err := p.Running(context.Background())
			assert.Equal(t, tt.running, running)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProbeFailed)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{"pgrep", "-f", "qtcreator"}, r.last.Args)
			assert.True(t, r.last.Quiet)
		})
	}
}

func TestCommandProbe_OutputMatch(t *testing.T) {
	dc := domain.DeploymentConfig{
		ProcessName: "qtcreator.exe",
		Probe: domain.LivenessProbe{
			Command:     command.NewArgs(command.KindProbe, "tasklist", "/FI", "IMAGENAME eq {process}"),
			MatchOutput: "{process}",
		},
	}

	listed := &scriptedRunner{result: command.Result{Success: true, Output: []string{
		"Image Name                     PID Session Name",
		"qtcreator.exe                 4242 Console",
	}}}
	running, err := NewCommandProbe(listed, dc).Running(context.Background())
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, "IMAGENAME eq qtcreator.exe", listed.last.Args[2])

	empty := &scriptedRunner{result: command.Result{Success: true, Output: []string{
		"INFO: No tasks are running which match the specified criteria.",
	}}}
	running, err = NewCommandProbe(empty, dc).Running(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
}

func TestForProcess(t *testing.T) {
	dc := unixConfig()
	dc.Probe = domain.LivenessProbe{Command: command.NewArgs(command.KindProbe, "pgrep", "-f", "{pattern}")}

	r := &scriptedRunner{result: command.Result{ExitCode: 1}}
	_, err := ForProcess(r, dc, "cmake").Running(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pgrep", "-f", "cmake"}, r.last.Args)
}
