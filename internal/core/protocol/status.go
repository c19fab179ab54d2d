package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// Build Status
// =============================================================================

// BuildState is the coarse state reported by getBuildStatus.
type BuildState string

const (
	BuildStateBuilding BuildState = "building"
	BuildStateIdle     BuildState = "idle"
	BuildStateUnknown  BuildState = "unknown"
)

var (
	buildingPattern    = regexp.MustCompile(`(?i)building:\s*(\d{1,3})\s*%`)
	notBuildingPattern = regexp.MustCompile(`(?i)status:\s*not building`)
)

// BuildStatus is the interpretation of a free-text status report.
type BuildStatus struct {
	State    BuildState
	Progress int // Percent, only meaningful while building
	Text     string
}

// Complete reports whether the build is finished: either an explicit 100%
// or the server saying nothing is building.
func (s BuildStatus) Complete() bool {
	switch s.State {
	case BuildStateIdle:
		return true
	case BuildStateBuilding:
		return s.Progress >= 100
	default:
		return false
	}
}

// ParseBuildStatus interprets a getBuildStatus text payload.
func ParseBuildStatus(text string) BuildStatus {
	status := BuildStatus{State: BuildStateUnknown, Text: strings.TrimSpace(text)}

	if m := buildingPattern.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		status.State = BuildStateBuilding
		status.Progress = n
		return status
	}
	if notBuildingPattern.MatchString(text) {
		status.State = BuildStateIdle
	}
	return status
}

// =============================================================================
// Versions
// =============================================================================

// ErrInvalidVersion is returned when a version string is not MAJOR.MINOR.PATCH.
var ErrInvalidVersion = errors.New("invalid version")

// Version is a MAJOR.MINOR.PATCH triple.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "1.31.3" (an optional leading "v" and any suffix
// after the third component are ignored).
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) < 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		digits := leadingDigits(p)
		if digits == "" {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// String renders MAJOR.MINOR.PATCH.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return sign(v.Major - o.Major)
	case v.Minor != o.Minor:
		return sign(v.Minor - o.Minor)
	default:
		return sign(v.Patch - o.Patch)
	}
}

// AtLeast reports whether v >= floor.
func (v Version) AtLeast(floor Version) bool {
	return v.Compare(floor) >= 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
