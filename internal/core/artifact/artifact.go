// Package artifact decides whether an installed artifact is the one that
// was just built. Descriptors are gathered by the shell; the comparison
// here is pure.
package artifact

import (
	"errors"
	"fmt"
	"time"
)

// ErrVerification is the sentinel every VerificationError unwraps to.
var ErrVerification = errors.New("artifact verification failed")

// Reason classifies a verification failure.
type Reason string

const (
	ReasonNotBuilt     Reason = "not_built"
	ReasonNotInstalled Reason = "not_installed"
	ReasonStale        Reason = "stale"
	ReasonSizeMismatch Reason = "size_mismatch"
)

// Descriptor is a point-in-time view of a file. Never reuse one across
// stages; take a fresh one at verification time.
type Descriptor struct {
	Path    string
	ModTime time.Time
	Size    int64
	Exists  bool
}

// VerificationError explains why an installed artifact was rejected.
type VerificationError struct {
	Reason    Reason
	Built     Descriptor
	Installed Descriptor
	Message   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *VerificationError) Unwrap() error {
	return ErrVerification
}

// Verify returns nil when installed matches built: both exist, installed
// is not more than tolerance older than built, and sizes are equal.
func Verify(built, installed Descriptor, tolerance time.Duration) error {
	fail := func(r Reason, format string, args ...any) error {
		return &VerificationError{Reason: r, Built: built, Installed: installed, Message: fmt.Sprintf(format, args...)}
	}

	if !built.Exists {
		return fail(ReasonNotBuilt, "built artifact not found at %s (was it ever built?)", built.Path)
	}
	if !installed.Exists {
		return fail(ReasonNotInstalled, "installed artifact not found at %s (install step did not copy it)", installed.Path)
	}

	if installed.ModTime.Before(built.ModTime.Add(-tolerance)) {
		return fail(ReasonStale, "installed artifact is %s older than the build (tolerance %s); an old file was left in place",
			built.ModTime.Sub(installed.ModTime).Round(time.Second), tolerance)
	}

	if built.Size != installed.Size {
		return fail(ReasonSizeMismatch, "size mismatch: built %d bytes, installed %d bytes", built.Size, installed.Size)
	}
	return nil
}
