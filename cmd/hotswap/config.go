package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/platform"
	"github.com/artpar/hotswap/internal/shell/workspace"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Target     TargetConfig     `mapstructure:"target"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Artifact   ArtifactConfig   `mapstructure:"artifact"`
	Build      BuildConfig      `mapstructure:"build"`
	Log        LogConfig        `mapstructure:"log"`
	History    HistoryConfig    `mapstructure:"history"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Interrupts InterruptsConfig `mapstructure:"interrupts"`
}

// TargetConfig identifies the application hosting the plugin. Empty
// values fall back to the platform profile.
type TargetConfig struct {
	// Platform selects the profile: windows, darwin or linux.
	// Default: the running OS.
	Platform       string `mapstructure:"platform"`
	ProcessName    string `mapstructure:"process_name"`
	ProcessPattern string `mapstructure:"process_pattern"`
	WindowTitle    string `mapstructure:"window_title"`

	// TerminationCommands are argv lists tried in order.
	TerminationCommands [][]string `mapstructure:"termination_commands"`
	ProbeCommand        []string   `mapstructure:"probe_command"`
	ProbeMatch          string     `mapstructure:"probe_match"`
	LaunchCommand       []string   `mapstructure:"launch_command"`

	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// RPCConfig holds the control endpoint settings.
type RPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// TimeoutSchema is an optional JSON or YAML file of per-method timeouts.
	// Its entries take precedence over the built-in table.
	TimeoutSchema string `mapstructure:"timeout_schema"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	PollBudget   time.Duration `mapstructure:"poll_budget"`
}

// ArtifactConfig describes what gets installed and where.
type ArtifactConfig struct {
	// Name is the library base name, e.g. "Qt_MCP_Plugin".
	Name string `mapstructure:"name"`

	// Source and Install default to the platform library file name inside
	// the build and install directories.
	Source     string `mapstructure:"source"`
	Install    string `mapstructure:"install"`
	InstallDir string `mapstructure:"install_dir"`

	// Companions are extra built files copied next to the artifact.
	Companions  []string      `mapstructure:"companions"`
	CleanGlobs  []string      `mapstructure:"clean_globs"`
	CopyCommand []string      `mapstructure:"copy_command"`
	Tolerance   time.Duration `mapstructure:"tolerance"`
}

// BuildConfig describes versioning and the external build.
type BuildConfig struct {
	Dir              string        `mapstructure:"dir"`
	VersionFile      string        `mapstructure:"version_file"`
	VersionHeader    string        `mapstructure:"version_header"`
	VersionPrefix    string        `mapstructure:"version_prefix"`
	ConfigureCommand []string      `mapstructure:"configure_command"`
	BuildCommand     []string      `mapstructure:"build_command"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`

	// ConfiguredMarker is the file whose presence skips the configure
	// step. Relative paths are inside Dir. Default: CMakeCache.txt.
	ConfiguredMarker string `mapstructure:"configured_marker"`

	// Monitor settings for the advisory build watcher.
	Process         string        `mapstructure:"process"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	MonitorMax      time.Duration `mapstructure:"monitor_max"`
	LowMemoryMB     int           `mapstructure:"low_memory_mb"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HistoryConfig holds the run journal settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig holds the metrics export settings.
type MetricsConfig struct {
	// Textfile is written once when a subcommand finishes; empty
	// disables export.
	Textfile string `mapstructure:"textfile"`
}

// InterruptsConfig selects the interrupt policy.
type InterruptsConfig struct {
	// Mode is protect-build, ignore or honor.
	Mode string `mapstructure:"mode"`
}

// =============================================================================
// Config Loading
// =============================================================================

// listKeys are the slice-valued keys.
var listKeys = []string{
	"target.termination_commands",
	"target.probe_command",
	"target.launch_command",
	"artifact.companions",
	"artifact.clean_globs",
	"artifact.copy_command",
	"build.configure_command",
	"build.build_command",
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("target.platform", runtime.GOOS)
	v.SetDefault("target.stop_timeout", "30s")
	v.SetDefault("target.settle_delay", "15s")
	v.SetDefault("target.process_name", "")
	v.SetDefault("target.process_pattern", "")
	v.SetDefault("target.window_title", "")
	v.SetDefault("target.probe_match", "")
	v.SetDefault("rpc.host", domain.DefaultRPCHost)
	v.SetDefault("rpc.port", domain.DefaultRPCPort)
	v.SetDefault("rpc.timeout_schema", "")
	v.SetDefault("rpc.poll_interval", "2s")
	v.SetDefault("rpc.poll_budget", "20m")
	v.SetDefault("artifact.name", "Qt_MCP_Plugin")
	v.SetDefault("artifact.tolerance", "5s")
	v.SetDefault("artifact.source", "")
	v.SetDefault("artifact.install", "")
	v.SetDefault("artifact.install_dir", "")
	v.SetDefault("build.dir", "")
	v.SetDefault("build.configured_marker", "")
	v.SetDefault("build.process", "")
	v.SetDefault("build.version_file", "version.cmake")
	v.SetDefault("build.version_header", "")
	v.SetDefault("build.version_prefix", "PLUGIN")
	v.SetDefault("build.command_timeout", "1h")
	v.SetDefault("build.monitor_interval", "5s")
	v.SetDefault("build.monitor_max", "1h")
	v.SetDefault("build.low_memory_mb", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsn", "~/.hotswap/history.db")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("interrupts.mode", "protect-build")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("HOTSWAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// List keys have no default; bind them so the environment reaches
	// Unmarshal. Values are comma separated.
	for _, key := range listKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Deployment Conversion
// =============================================================================

// Deployment resolves the configuration against the platform profile into
// the values one pipeline run works from.
func (c *Config) Deployment() (domain.DeploymentConfig, domain.BuildSpec, error) {
	profile, err := platform.Lookup(c.Target.Platform)
	if err != nil {
		return domain.DeploymentConfig{}, domain.BuildSpec{}, err
	}

	dc := domain.DeploymentConfig{
		Platform:       profile.GOOS,
		ProcessName:    orDefault(c.Target.ProcessName, profile.ProcessName),
		ProcessPattern: orDefault(c.Target.ProcessPattern, profile.ProcessPattern),
		WindowTitle:    orDefault(c.Target.WindowTitle, profile.WindowTitle),
		Probe:          profile.Probe,
		RPCHost:        c.RPC.Host,
		RPCPort:        c.RPC.Port,
		CopyCommand:    argvOr(command.KindCopy, c.Artifact.CopyCommand, profile.Copy),
		LaunchCommand:  argvOr(command.KindLaunch, c.Target.LaunchCommand, profile.Launch),
		StopTimeout:    c.Target.StopTimeout,
		SettleDelay:    c.Target.SettleDelay,
		Tolerance:      c.Artifact.Tolerance,
	}

	dc.TerminationCommands = profile.Termination
	if len(c.Target.TerminationCommands) > 0 {
		dc.TerminationCommands = make([]command.Command, 0, len(c.Target.TerminationCommands))
		for _, argv := range c.Target.TerminationCommands {
			dc.TerminationCommands = append(dc.TerminationCommands, command.NewArgs(command.KindTerminate, argv...))
		}
	}
	if len(c.Target.ProbeCommand) > 0 {
		dc.Probe = domain.LivenessProbe{
			Command:     command.NewArgs(command.KindProbe, c.Target.ProbeCommand...),
			MatchOutput: c.Target.ProbeMatch,
		}
	}

	buildDir := workspace.ExpandHome(orDefault(c.Build.Dir, profile.BuildDir()))
	installDir := workspace.ExpandHome(orDefault(c.Artifact.InstallDir, profile.InstallDir))
	library := profile.LibraryFile(c.Artifact.Name)

	dc.InstallDir = installDir
	dc.Artifact = domain.ArtifactPair{
		Source:  workspace.ExpandHome(orDefault(c.Artifact.Source, filepath.Join(buildDir, library))),
		Install: workspace.ExpandHome(orDefault(c.Artifact.Install, filepath.Join(installDir, library))),
	}
	for _, src := range c.Artifact.Companions {
		src = workspace.ExpandHome(src)
		if !filepath.IsAbs(src) {
			src = filepath.Join(buildDir, src)
		}
		dc.Companions = append(dc.Companions, domain.ArtifactPair{
			Source:  src,
			Install: filepath.Join(installDir, filepath.Base(src)),
		})
	}
	dc.CleanGlobs = c.Artifact.CleanGlobs
	if len(dc.CleanGlobs) == 0 && c.Artifact.Name != "" {
		dc.CleanGlobs = []string{profile.CleanGlob(c.Artifact.Name)}
	}

	configure, build := profile.BuildCommands(buildDir)
	if len(c.Build.ConfigureCommand) > 0 {
		configure = command.NewArgs(command.KindConfigure, c.Build.ConfigureCommand...)
	}
	if len(c.Build.BuildCommand) > 0 {
		build = command.NewArgs(command.KindBuild, c.Build.BuildCommand...)
	}
	configure.Timeout = c.Build.CommandTimeout
	build.Timeout = c.Build.CommandTimeout

	spec := domain.BuildSpec{
		VersionFile:      workspace.ExpandHome(c.Build.VersionFile),
		VersionHeader:    workspace.ExpandHome(c.Build.VersionHeader),
		VersionPrefix:    c.Build.VersionPrefix,
		ConfiguredMarker: configuredMarker(c.Build.ConfiguredMarker, buildDir, profile),
		ConfigureCommand: configure,
		BuildCommand:     build,
		BuildProcessName: orDefault(c.Build.Process, profile.BuildProcessName),
		MonitorMax:       c.Build.MonitorMax,
	}

	return dc.WithDefaults(), spec, nil
}

func configuredMarker(marker, buildDir string, profile platform.Profile) string {
	if marker == "" {
		return profile.ConfiguredMarker(buildDir)
	}
	marker = workspace.ExpandHome(marker)
	if !filepath.IsAbs(marker) {
		marker = filepath.Join(buildDir, marker)
	}
	return marker
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func argvOr(kind command.Kind, argv []string, fallback command.Command) command.Command {
	if len(argv) > 0 {
		return command.NewArgs(kind, argv...)
	}
	return fallback
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
