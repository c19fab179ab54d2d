// Package version reads and rewrites the build's version marker and renders
// the header derived from it. Both are plain text transforms; reading and
// writing files is left to the caller.
package version

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/artpar/hotswap/internal/core/protocol"
)

var (
	ErrMissingField = errors.New("version marker field missing")
	ErrInvalidField = errors.New("version marker field invalid")
)

// Marker is the content of a version marker file such as version.cmake:
//
//	set(PLUGIN_VERSION_MAJOR 1)
//	set(PLUGIN_VERSION_MINOR 31)
//	set(PLUGIN_VERSION_PATCH 3)
//	set(PLUGIN_NAME_VERSIONED "Qt MCP Plugin v1.31.3")
//	set(PLUGIN_JSON_FILE "Qt_MCP_Plugin.json")
type Marker struct {
	Prefix        string
	Major         int
	Minor         int
	Patch         int
	NameVersioned string
	JSONFile      string
}

// Version returns MAJOR.MINOR.PATCH.
func (m Marker) Version() protocol.Version {
	return protocol.Version{Major: m.Major, Minor: m.Minor, Patch: m.Patch}
}

func numberPattern(prefix, field string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(prefix+"_VERSION_"+field) + `\s+(\d+)`)
}

func quotedPattern(prefix, field string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(prefix+"_"+field) + `\s+"([^"]*)"`)
}

// ParseMarker extracts every field the header needs. All five must be present.
func ParseMarker(content, prefix string) (Marker, error) {
	m := Marker{Prefix: prefix}

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{"MAJOR", &m.Major},
		{"MINOR", &m.Minor},
		{"PATCH", &m.Patch},
	} {
		match := numberPattern(prefix, f.name).FindStringSubmatch(content)
		if match == nil {
			return Marker{}, fmt.Errorf("%w: %s_VERSION_%s", ErrMissingField, prefix, f.name)
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			return Marker{}, fmt.Errorf("%w: %s_VERSION_%s: %v", ErrInvalidField, prefix, f.name, err)
		}
		*f.dst = n
	}

	for _, f := range []struct {
		name string
		dst  *string
	}{
		{"NAME_VERSIONED", &m.NameVersioned},
		{"JSON_FILE", &m.JSONFile},
	} {
		match := quotedPattern(prefix, f.name).FindStringSubmatch(content)
		if match == nil {
			return Marker{}, fmt.Errorf("%w: %s_%s", ErrMissingField, prefix, f.name)
		}
		*f.dst = match[1]
	}

	return m, nil
}

// BumpPatch increments the PATCH field in content and returns the new
// content with the previous and new patch numbers. Nothing else changes.
func BumpPatch(content, prefix string) (string, int, int, error) {
	re := numberPattern(prefix, "PATCH")
	loc := re.FindStringSubmatchIndex(content)
	if loc == nil {
		return "", 0, 0, fmt.Errorf("%w: %s_VERSION_PATCH", ErrMissingField, prefix)
	}

	old, err := strconv.Atoi(content[loc[2]:loc[3]])
	if err != nil {
		return "", 0, 0, fmt.Errorf("%w: %s_VERSION_PATCH: %v", ErrInvalidField, prefix, err)
	}
	next := old + 1

	out := content[:loc[2]] + strconv.Itoa(next) + content[loc[3]:]
	return out, old, next, nil
}

// RenderHeader renders the C header regenerated after every bump.
func RenderHeader(m Marker) string {
	p := m.Prefix
	var b strings.Builder
	b.WriteString("#pragma once\n\n")
	b.WriteString("// Generated from the version marker. Do not edit.\n")
	fmt.Fprintf(&b, "#define %s_VERSION_MAJOR %d\n", p, m.Major)
	fmt.Fprintf(&b, "#define %s_VERSION_MINOR %d\n", p, m.Minor)
	fmt.Fprintf(&b, "#define %s_VERSION_PATCH %d\n", p, m.Patch)
	b.WriteString("\n")
	fmt.Fprintf(&b, "#define %s_VERSION_STRING %q\n", p, m.Version().String())
	fmt.Fprintf(&b, "#define %s_NAME_VERSIONED %q\n", p, m.NameVersioned)
	fmt.Fprintf(&b, "#define %s_JSON_FILE %q\n", p, m.JSONFile)
	return b.String()
}
