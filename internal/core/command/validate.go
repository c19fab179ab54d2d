package command

import (
	"fmt"
	"regexp"
	"strconv"
)

// KindAny registers a validator for every command kind.
const KindAny Kind = "*"

// Validator inspects a successful result and returns an error when the
// command's own report shows the success was not real.
type Validator func(cmd Command, res Result) error

// =============================================================================
// Registry
// =============================================================================

// Validators holds post-hoc validators keyed by command kind.
type Validators struct {
	byKind map[Kind][]Validator
}

// NewValidators returns an empty registry.
func NewValidators() *Validators {
	return &Validators{byKind: make(map[Kind][]Validator)}
}

// DefaultValidators returns the registry used by the runner when none is
// supplied: the copy-count check applies to every command.
func DefaultValidators() *Validators {
	v := NewValidators()
	v.Register(KindAny, CopyCountValidator)
	return v
}

// Register attaches fn to kind. Use KindAny to cover all kinds.
func (v *Validators) Register(kind Kind, fn Validator) {
	v.byKind[kind] = append(v.byKind[kind], fn)
}

// For returns the validators that apply to kind, universal ones first.
func (v *Validators) For(kind Kind) []Validator {
	if v == nil {
		return nil
	}
	out := append([]Validator(nil), v.byKind[KindAny]...)
	if kind != KindAny {
		out = append(out, v.byKind[kind]...)
	}
	return out
}

// Apply runs the validators for cmd against a successful res. The first
// validator error turns the result into a failure; failed results are
// returned unchanged.
func (v *Validators) Apply(cmd Command, res Result) Result {
	if !res.Success {
		return res
	}
	for _, fn := range v.For(cmd.EffectiveKind()) {
		if err := fn(cmd, res); err != nil {
			res.Success = false
			res.Err = err
			return res
		}
	}
	return res
}

// =============================================================================
// Copy Count
// =============================================================================

// copyCountPattern matches copy-tool summaries such as "0 File(s) copied"
// (xcopy) or "3 items copied".
var copyCountPattern = regexp.MustCompile(`(?i)\b(\d+)\s+(?:file\(s\)|files?|item\(s\)|items?)\s+copied\b`)

// CopyCount scans output for a copy-count marker. found is false when no
// line carries one.
func CopyCount(output []string) (count int, line string, found bool) {
	for _, l := range output {
		m := copyCountPattern.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if !found || n == 0 {
			count, line, found = n, l, true
		}
		if n == 0 {
			return count, line, found
		}
	}
	return count, line, found
}

// CopyCountValidator fails a result whose output reports zero copied items.
func CopyCountValidator(_ Command, res Result) error {
	n, line, found := CopyCount(res.Output)
	if found && n == 0 {
		return fmt.Errorf("%w: %q", ErrNoOpSuccess, line)
	}
	return nil
}
