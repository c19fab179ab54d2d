package domain

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/artpar/hotswap/internal/core/command"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultRPCHost     = "127.0.0.1"
	DefaultRPCPort     = 3001
	DefaultStopTimeout = 30 * time.Second
	DefaultSettleDelay = 15 * time.Second
	DefaultTolerance   = 5 * time.Second
	DefaultMonitorMax  = time.Hour
)

// =============================================================================
// Deployment Config
// =============================================================================

// ArtifactPair is a file produced by the build and the place it gets
// installed to.
type ArtifactPair struct {
	Source  string `yaml:"source"`
	Install string `yaml:"install"`
}

// LivenessProbe detects whether the target process is running. When
// MatchOutput is set the process is running if the probe output contains
// it; otherwise exit code 0 means running and 1 means not running.
type LivenessProbe struct {
	Command     command.Command `yaml:"command"`
	MatchOutput string          `yaml:"match_output,omitempty"`
}

// DeploymentConfig is the immutable description of one run, supplied by
// the environment configuration provider.
type DeploymentConfig struct {
	Platform string `yaml:"platform"`

	// Target process identification. Termination and probe templates may
	// reference {process}, {pattern} and {title}.
	ProcessName         string            `yaml:"process_name"`
	ProcessPattern      string            `yaml:"process_pattern"`
	WindowTitle         string            `yaml:"window_title,omitempty"`
	TerminationCommands []command.Command `yaml:"termination_commands"`
	Probe               LivenessProbe     `yaml:"probe"`

	RPCHost string `yaml:"rpc_host"`
	RPCPort int    `yaml:"rpc_port"`

	// Artifact is the primary binary; it alone is size/timestamp verified.
	Artifact   ArtifactPair   `yaml:"artifact"`
	Companions []ArtifactPair `yaml:"companions,omitempty"`
	InstallDir string         `yaml:"install_dir"`
	CleanGlobs []string       `yaml:"clean_globs,omitempty"`

	// CopyCommand is a template with {src}, {dst} and {dst_dir}.
	CopyCommand   command.Command `yaml:"copy_command"`
	LaunchCommand command.Command `yaml:"launch_command"`

	StopTimeout time.Duration `yaml:"stop_timeout"`
	SettleDelay time.Duration `yaml:"settle_delay"`
	Tolerance   time.Duration `yaml:"tolerance"`
}

// RPCAddress returns host:port of the control endpoint.
func (c DeploymentConfig) RPCAddress() string {
	host := c.RPCHost
	if host == "" {
		host = DefaultRPCHost
	}
	port := c.RPCPort
	if port == 0 {
		port = DefaultRPCPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Placeholders returns the values substituted into process templates.
func (c DeploymentConfig) Placeholders() map[string]string {
	pattern := c.ProcessPattern
	if pattern == "" {
		pattern = c.ProcessName
	}
	return map[string]string{
		"process": c.ProcessName,
		"pattern": pattern,
		"title":   c.WindowTitle,
	}
}

// InstallSet returns the primary artifact followed by its companions.
func (c DeploymentConfig) InstallSet() []ArtifactPair {
	out := make([]ArtifactPair, 0, 1+len(c.Companions))
	out = append(out, c.Artifact)
	return append(out, c.Companions...)
}

// CopyFor renders the copy command for one artifact pair.
func (c DeploymentConfig) CopyFor(p ArtifactPair) command.Command {
	dstDir := c.InstallDir
	if dstDir == "" {
		dstDir = filepath.Dir(p.Install)
	}
	cmd := c.CopyCommand.WithPlaceholders(map[string]string{
		"src":     p.Source,
		"dst":     p.Install,
		"dst_dir": dstDir,
	})
	cmd.Kind = command.KindCopy
	return cmd
}

// WithDefaults fills zero durations and the RPC endpoint.
func (c DeploymentConfig) WithDefaults() DeploymentConfig {
	if c.RPCHost == "" {
		c.RPCHost = DefaultRPCHost
	}
	if c.RPCPort == 0 {
		c.RPCPort = DefaultRPCPort
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.InstallDir == "" && c.Artifact.Install != "" {
		c.InstallDir = filepath.Dir(c.Artifact.Install)
	}
	return c
}

// Validate checks that every prerequisite of a deploy run is present.
func (c DeploymentConfig) Validate() error {
	switch {
	case c.ProcessName == "":
		return &ConfigError{Field: "target.process_name", Message: "is required"}
	case c.Probe.Command.IsEmpty():
		return &ConfigError{Field: "target.probe", Message: "no liveness probe for platform " + c.Platform}
	case len(c.TerminationCommands) == 0:
		return &ConfigError{Field: "target.termination_commands", Message: "at least one strategy is required"}
	case c.Artifact.Source == "":
		return &ConfigError{Field: "artifact.source", Message: "is required"}
	case c.Artifact.Install == "":
		return &ConfigError{Field: "artifact.install", Message: "is required"}
	case c.CopyCommand.IsEmpty():
		return &ConfigError{Field: "artifact.copy_command", Message: "is required"}
	case c.LaunchCommand.IsEmpty():
		return &ConfigError{Field: "target.launch_command", Message: "is required"}
	case c.RPCPort < 0 || c.RPCPort > 65535:
		return &ConfigError{Field: "rpc.port", Message: fmt.Sprintf("%d out of range", c.RPCPort)}
	}
	for i, p := range c.Companions {
		if p.Source == "" || p.Install == "" {
			return &ConfigError{Field: fmt.Sprintf("artifact.companions[%d]", i), Message: "source and install are required"}
		}
	}
	return nil
}

// =============================================================================
// Build Spec
// =============================================================================

// BuildSpec describes how the artifact is versioned and built.
type BuildSpec struct {
	// VersionFile is the version marker; VersionHeader is regenerated from it.
	VersionFile   string `yaml:"version_file"`
	VersionHeader string `yaml:"version_header,omitempty"`
	VersionPrefix string `yaml:"version_prefix"`

	// ConfiguredMarker skips Configuring when it already exists.
	ConfiguredMarker string          `yaml:"configured_marker,omitempty"`
	ConfigureCommand command.Command `yaml:"configure_command"`
	BuildCommand     command.Command `yaml:"build_command"`

	// BuildProcessName is watched by the build monitor; empty disables it.
	BuildProcessName string        `yaml:"build_process_name,omitempty"`
	MonitorMax       time.Duration `yaml:"monitor_max"`
}

// Validate checks the build prerequisites.
func (b BuildSpec) Validate() error {
	switch {
	case b.VersionFile == "":
		return &ConfigError{Field: "build.version_file", Message: "is required"}
	case b.VersionPrefix == "":
		return &ConfigError{Field: "build.version_prefix", Message: "is required"}
	case b.BuildCommand.IsEmpty():
		return &ConfigError{Field: "build.build_command", Message: "is required"}
	}
	return nil
}
