package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/hotswap/internal/core/command"
)

// =============================================================================
// Stage Transition Tests
// =============================================================================

func TestValidateTransition_ForwardOnly(t *testing.T) {
	stage := StageNotStarted
	for _, next := range append(Stages(), StageSucceeded) {
		require.NoError(t, ValidateTransition(stage, next), "%s -> %s", stage, next)
		stage = next
	}
	assert.Equal(t, StageSucceeded, stage)
}

func TestValidateTransition_Rejects(t *testing.T) {
	tests := []struct {
		from, to PipelineStage
	}{
		{StageNotStarted, StageBuilding},
		{StageBuilding, StageStopping},
		{StageInstalling, StageInstalling},
		{StageSucceeded, StageFailed},
		{StageFailed, StageStopping},
		{StageBuilding, PipelineStage("bogus")},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.ErrorIs(t, ValidateTransition(tt.from, tt.to), ErrInvalidTransition)
		})
	}
}

func TestValidateTransition_FailedFromAnyWorkingStage(t *testing.T) {
	for _, s := range append([]PipelineStage{StageNotStarted}, Stages()...) {
		assert.NoError(t, ValidateTransition(s, StageFailed), "from %s", s)
	}
}

func TestStages_Order(t *testing.T) {
	assert.Equal(t, []PipelineStage{
		StageStopping, StageVersionBump, StageConfiguring, StageBuilding,
		StageCleaningArtifacts, StageInstalling, StageVerifyingInstall,
		StageLaunching, StageVerifyingFunctional,
	}, Stages())
}

func TestPipelineStage_Before(t *testing.T) {
	assert.True(t, StageStopping.Before(StageVerifyingInstall))
	assert.False(t, StageLaunching.Before(StageBuilding))
	assert.False(t, StageFailed.Before(StageBuilding))
}

func TestPipelineStage_ExitCode_Distinct(t *testing.T) {
	seen := map[int]PipelineStage{}
	for _, s := range Stages() {
		code := s.ExitCode()
		assert.NotZero(t, code, s)
		prev, dup := seen[code]
		assert.False(t, dup, "%s and %s share exit code %d", s, prev, code)
		seen[code] = s
	}
	assert.Equal(t, ExitOK, StageSucceeded.ExitCode())
}

// =============================================================================
// Config Tests
// =============================================================================

func validConfig() DeploymentConfig {
	return DeploymentConfig{
		Platform:            "linux",
		ProcessName:         "qtcreator",
		TerminationCommands: []command.Command{command.NewArgs(command.KindTerminate, "pkill", "-f", "{pattern}")},
		Probe:               LivenessProbe{Command: command.NewArgs(command.KindProbe, "pgrep", "-f", "{pattern}")},
		Artifact:            ArtifactPair{Source: "build/libPlugin.so", Install: "/opt/app/plugins/libPlugin.so"},
		CopyCommand:         command.NewArgs(command.KindCopy, "cp", "-p", "{src}", "{dst_dir}/"),
		LaunchCommand:       command.NewArgs(command.KindLaunch, "/opt/app/bin/app"),
	}
}

func TestDeploymentConfig_Validate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*DeploymentConfig)
		field  string
	}{
		{"no process", func(c *DeploymentConfig) { c.ProcessName = "" }, "target.process_name"},
		{"no probe", func(c *DeploymentConfig) { c.Probe = LivenessProbe{} }, "target.probe"},
		{"no strategies", func(c *DeploymentConfig) { c.TerminationCommands = nil }, "target.termination_commands"},
		{"no source", func(c *DeploymentConfig) { c.Artifact.Source = "" }, "artifact.source"},
		{"no launch", func(c *DeploymentConfig) { c.LaunchCommand = command.Command{} }, "target.launch_command"},
		{"bad port", func(c *DeploymentConfig) { c.RPCPort = 70000 }, "rpc.port"},
		{"half companion", func(c *DeploymentConfig) { c.Companions = []ArtifactPair{{Source: "a.json"}} }, "artifact.companions[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)

			err := c.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestDeploymentConfig_WithDefaults(t *testing.T) {
	c := validConfig().WithDefaults()

	assert.Equal(t, "127.0.0.1:3001", c.RPCAddress())
	assert.Equal(t, DefaultStopTimeout, c.StopTimeout)
	assert.Equal(t, DefaultSettleDelay, c.SettleDelay)
	assert.Equal(t, DefaultTolerance, c.Tolerance)
	assert.Equal(t, "/opt/app/plugins", c.InstallDir)
}

func TestDeploymentConfig_CopyFor(t *testing.T) {
	c := validConfig().WithDefaults()
	cmd := c.CopyFor(c.Artifact)

	assert.Equal(t, []string{"cp", "-p", "build/libPlugin.so", "/opt/app/plugins/"}, cmd.Args)
	assert.Equal(t, command.KindCopy, cmd.Kind)
}

func TestDeploymentConfig_Placeholders_PatternFallsBackToName(t *testing.T) {
	p := validConfig().Placeholders()
	assert.Equal(t, "qtcreator", p["pattern"])
}

func TestDeploymentConfig_InstallSet(t *testing.T) {
	c := validConfig()
	c.Companions = []ArtifactPair{{Source: "build/Plugin.json", Install: "/opt/app/plugins/Plugin.json"}}

	set := c.InstallSet()
	require.Len(t, set, 2)
	assert.Equal(t, c.Artifact, set[0])
}

func TestBuildSpec_Validate(t *testing.T) {
	spec := BuildSpec{VersionFile: "version.cmake", VersionPrefix: "PLUGIN", BuildCommand: command.NewArgs(command.KindBuild, "cmake", "--build", ".")}
	assert.NoError(t, spec.Validate())

	spec.BuildCommand = command.Command{}
	assert.ErrorIs(t, spec.Validate(), ErrConfiguration)
}

// =============================================================================
// Result and Diagnostic Tests
// =============================================================================

func TestPipelineResult_Fail(t *testing.T) {
	r := NewPipelineResult()
	assert.NotEmpty(t, r.RunID)

	r.Fail(StageVerifyingInstall, ErrVerification)
	assert.False(t, r.Succeeded())
	assert.Equal(t, StageFailed, r.Stage)
	assert.Equal(t, StageVerifyingInstall, r.FailedStage)
	assert.Equal(t, ExitVerifyInstall, r.ExitCode)
}

func TestStageError_Unwrap(t *testing.T) {
	err := NewStageError(StageInstalling, "copy", "copy reported no files", command.ErrNoOpSuccess)
	assert.ErrorIs(t, err, command.ErrNoOpSuccess)
	assert.Equal(t, "installing: copy: copy reported no files", err.Error())
}

func TestRemediationHints_ReturnsCopy(t *testing.T) {
	h := RemediationHints(StageStopping)
	require.NotEmpty(t, h)
	h[0] = "mutated"
	assert.NotEqual(t, "mutated", RemediationHints(StageStopping)[0])
}

func TestDiagnostic_Format(t *testing.T) {
	d := NewDiagnostic(StageBuilding, NewStageError(StageBuilding, "build", "exit code 2", ErrCommandFailed), []string{"error: missing header"})
	out := d.Format()

	assert.Contains(t, out, "DEPLOYMENT FAILED - BUILD")
	assert.Contains(t, out, "Stage:     building")
	assert.Contains(t, out, "exit code 2")
	assert.Contains(t, out, "  error: missing header")
	assert.Contains(t, out, "ACTION REQUIRED:")
	assert.Contains(t, out, "1. Check the build configuration")
}

func TestDiagnostic_StaleVersionHint(t *testing.T) {
	d := NewDiagnostic(StageVerifyingFunctional, ErrStaleVersion, nil)
	assert.Contains(t, d.Hints[len(d.Hints)-1], "old instance")
}
