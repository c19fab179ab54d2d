// Package platform provides the per-OS defaults that the environment
// configuration provider falls back to: how the target process is named,
// found, terminated and launched, and how artifacts are named and copied.
//
// Templates use placeholders expanded later by the command package:
// {process}, {pattern}, {title} for process commands; {src}, {dst},
// {dst_dir} for copy commands; {build_dir} for build commands.
package platform

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
)

// Profile is the default environment for one operating system.
type Profile struct {
	Name           string // Display name
	GOOS           string
	ProcessName    string
	ProcessPattern string
	WindowTitle    string

	// Termination strategies in escalating order.
	Termination []command.Command
	Probe       domain.LivenessProbe
	Copy        command.Command
	Launch      command.Command

	LibraryPrefix    string
	LibraryExt       string
	InstallDir       string
	BuildProcessName string
	Configure        command.Command
	Build            command.Command
}

var profiles = map[string]Profile{
	"windows": {
		Name:           "Windows",
		GOOS:           "windows",
		ProcessName:    "qtcreator.exe",
		ProcessPattern: "qtcreator",
		WindowTitle:    "Qt Creator",
		Termination: []command.Command{
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/IM", "{process}"),
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/T", "/IM", "{process}"),
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/IM", "*{pattern}*"),
			command.NewArgs(command.KindTerminate, "taskkill", "/F", "/FI", "WINDOWTITLE eq {title}*"),
		},
		Probe: domain.LivenessProbe{
			Command:     command.NewArgs(command.KindProbe, "tasklist", "/FI", "IMAGENAME eq {process}"),
			MatchOutput: "{process}",
		},
		Copy:             command.NewShell(command.KindCopy, `xcopy "{src}" "{dst_dir}" /Y`),
		Launch:           command.NewArgs(command.KindLaunch, `C:\Qt\Tools\QtCreator\bin\qtcreator.exe`),
		LibraryExt:       ".dll",
		InstallDir:       `C:\Qt\Tools\QtCreator\lib\qtcreator\plugins`,
		BuildProcessName: "cmake.exe",
		Configure:        command.NewArgs(command.KindConfigure, "cmake", "-A", "x64", "-DCMAKE_BUILD_TYPE=Release", "-B", "{build_dir}"),
		Build:            command.NewArgs(command.KindBuild, "cmake", "--build", "{build_dir}", "--config", "Release"),
	},
	"darwin": {
		Name:           "macOS",
		GOOS:           "darwin",
		ProcessName:    "Qt Creator",
		ProcessPattern: "Qt Creator",
		Termination: []command.Command{
			command.NewArgs(command.KindTerminate, "pkill", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "pkill", "-9", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "killall", "-9", "{process}"),
		},
		Probe: domain.LivenessProbe{
			Command: command.NewArgs(command.KindProbe, "pgrep", "-f", "{pattern}"),
		},
		Copy:             command.NewArgs(command.KindCopy, "cp", "-p", "{src}", "{dst}"),
		Launch:           command.NewArgs(command.KindLaunch, "open", "-a", "Qt Creator"),
		LibraryPrefix:    "lib",
		LibraryExt:       ".dylib",
		InstallDir:       "~/Applications/Qt Creator.app/Contents/PlugIns/qtcreator",
		BuildProcessName: "cmake",
		Configure:        command.NewArgs(command.KindConfigure, "cmake", "-DCMAKE_BUILD_TYPE=Release", "-B", "{build_dir}"),
		Build:            command.NewArgs(command.KindBuild, "cmake", "--build", "{build_dir}"),
	},
	"linux": {
		Name:           "Linux",
		GOOS:           "linux",
		ProcessName:    "qtcreator",
		ProcessPattern: "qtcreator",
		Termination: []command.Command{
			command.NewArgs(command.KindTerminate, "pkill", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "pkill", "-9", "-f", "{pattern}"),
			command.NewArgs(command.KindTerminate, "killall", "-9", "{process}"),
		},
		Probe: domain.LivenessProbe{
			Command: command.NewArgs(command.KindProbe, "pgrep", "-f", "{pattern}"),
		},
		Copy:             command.NewArgs(command.KindCopy, "cp", "-p", "{src}", "{dst}"),
		Launch:           command.NewArgs(command.KindLaunch, "qtcreator"),
		LibraryPrefix:    "lib",
		LibraryExt:       ".so",
		InstallDir:       "/usr/lib/qtcreator/plugins",
		BuildProcessName: "cmake",
		Configure:        command.NewArgs(command.KindConfigure, "cmake", "-DCMAKE_BUILD_TYPE=Release", "-B", "{build_dir}"),
		Build:            command.NewArgs(command.KindBuild, "cmake", "--build", "{build_dir}"),
	},
}

// Lookup returns the profile for goos.
func Lookup(goos string) (Profile, error) {
	p, ok := profiles[strings.ToLower(goos)]
	if !ok {
		return Profile{}, &domain.ConfigError{
			Field:   "target.platform",
			Message: fmt.Sprintf("unsupported platform %q (supported: %s)", goos, strings.Join(Supported(), ", ")),
		}
	}
	return p.clone(), nil
}

// Current returns the profile for the running OS.
func Current() (Profile, error) {
	return Lookup(runtime.GOOS)
}

// Supported lists the known platform names.
func Supported() []string {
	out := make([]string, 0, len(profiles))
	for k := range profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// clone detaches slices so callers can modify the returned profile.
func (p Profile) clone() Profile {
	p.Termination = append([]command.Command(nil), p.Termination...)
	for i := range p.Termination {
		p.Termination[i].Args = append([]string(nil), p.Termination[i].Args...)
	}
	p.Probe.Command.Args = append([]string(nil), p.Probe.Command.Args...)
	p.Copy.Args = append([]string(nil), p.Copy.Args...)
	p.Launch.Args = append([]string(nil), p.Launch.Args...)
	p.Configure.Args = append([]string(nil), p.Configure.Args...)
	p.Build.Args = append([]string(nil), p.Build.Args...)
	return p
}

// LibraryFile names the built library for a base name, e.g.
// "Qt_MCP_Plugin" -> "libQt_MCP_Plugin.so" on Linux.
func (p Profile) LibraryFile(base string) string {
	return p.LibraryPrefix + base + p.LibraryExt
}

// CleanGlob matches versioned leftovers of the library, e.g. "libQt_MCP_Plugin*.so".
func (p Profile) CleanGlob(base string) string {
	return p.LibraryPrefix + base + "*" + p.LibraryExt
}

// BuildDir is the per-platform build directory, keeping builds for
// different hosts from sharing a cache.
func (p Profile) BuildDir() string {
	return "build_" + p.GOOS
}

// ConfiguredMarker is the file whose presence means the build directory
// is already configured.
func (p Profile) ConfiguredMarker(buildDir string) string {
	return filepath.Join(buildDir, "CMakeCache.txt")
}

// BuildCommands returns the configure and build commands for buildDir.
func (p Profile) BuildCommands(buildDir string) (configure, build command.Command) {
	values := map[string]string{"build_dir": buildDir}
	return p.Configure.WithPlaceholders(values), p.Build.WithPlaceholders(values)
}
