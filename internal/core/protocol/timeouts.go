package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Timeout Classes
// =============================================================================

// TimeoutClass buckets methods by how long they are expected to take.
type TimeoutClass string

const (
	ClassFast        TimeoutClass = "fast"        // initialize, quit, version probes
	ClassDefault     TimeoutClass = "default"     // anything unknown
	ClassInteractive TimeoutClass = "interactive" // debugger and similar
	ClassLong        TimeoutClass = "long"        // session loads
	ClassBuild       TimeoutClass = "build"       // full builds polled asynchronously
)

var classDurations = map[TimeoutClass]time.Duration{
	ClassFast:        1 * time.Second,
	ClassDefault:     5 * time.Second,
	ClassInteractive: 60 * time.Second,
	ClassLong:        120 * time.Second,
	ClassBuild:       1200 * time.Second,
}

// Duration returns the timeout for the class; unknown classes get the default.
func (c TimeoutClass) Duration() time.Duration {
	if d, ok := classDurations[c]; ok {
		return d
	}
	return classDurations[ClassDefault]
}

// builtinTimeouts is the last-resort per-method table.
var builtinTimeouts = map[string]TimeoutClass{
	"build":              ClassBuild,
	"debug":              ClassInteractive,
	"loadSession":        ClassLong,
	"get_plugin_version": ClassFast,
	MethodInitialize:     ClassFast,
	ToolQuit:             ClassFast,
}

// =============================================================================
// Timeout Table
// =============================================================================

// TimeoutSource tells where a looked-up timeout came from.
type TimeoutSource string

const (
	SourceSchema  TimeoutSource = "schema"
	SourceBuiltin TimeoutSource = "builtin"
	SourceDefault TimeoutSource = "default"
)

// TimeoutTable resolves per-method timeouts. Schema entries take
// precedence over the built-in table; anything else gets the default class.
type TimeoutTable struct {
	schema  map[string]time.Duration
	builtin map[string]time.Duration
	def     time.Duration
}

// DefaultTimeoutTable returns the built-in table with no schema overlay.
func DefaultTimeoutTable() *TimeoutTable {
	builtin := make(map[string]time.Duration, len(builtinTimeouts))
	for name, class := range builtinTimeouts {
		builtin[name] = class.Duration()
	}
	return &TimeoutTable{
		schema:  map[string]time.Duration{},
		builtin: builtin,
		def:     ClassDefault.Duration(),
	}
}

// WithSchema returns a copy of the table with schema entries layered on top.
func (t *TimeoutTable) WithSchema(entries map[string]time.Duration) *TimeoutTable {
	out := &TimeoutTable{
		schema:  make(map[string]time.Duration, len(t.schema)+len(entries)),
		builtin: t.builtin,
		def:     t.def,
	}
	for k, v := range t.schema {
		out.schema[k] = v
	}
	for k, v := range entries {
		out.schema[k] = v
	}
	return out
}

// Lookup returns the timeout for key and where it came from.
func (t *TimeoutTable) Lookup(key string) (time.Duration, TimeoutSource) {
	if d, ok := t.schema[key]; ok {
		return d, SourceSchema
	}
	if d, ok := t.builtin[key]; ok {
		return d, SourceBuiltin
	}
	return t.def, SourceDefault
}

// =============================================================================
// Schema Parsing
// =============================================================================

// schemaDocument mirrors the tool schema file. JSON is valid YAML, so the
// same decoder reads either form.
type schemaDocument struct {
	MCP struct {
		Tools []struct {
			Name    string `yaml:"name"`
			Timeout string `yaml:"timeout"`
		} `yaml:"tools"`
	} `yaml:"mcp"`
}

// ParseSchema extracts tool timeouts from a schema document. Tools whose
// timeout text cannot be understood are left out so the built-in table
// still applies to them.
func ParseSchema(data []byte) (map[string]time.Duration, error) {
	var doc schemaDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse timeout schema: %w", err)
	}

	out := make(map[string]time.Duration)
	for _, tool := range doc.MCP.Tools {
		if tool.Name == "" {
			continue
		}
		if d, ok := ParseTimeoutText(tool.Timeout); ok {
			out[tool.Name] = d
		}
	}
	return out, nil
}

// ParseTimeoutText understands "default", class names, "N second(s)",
// "N minute(s)", "N hour(s)" and Go durations such as "90s".
func ParseTimeoutText(s string) (time.Duration, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	if d, ok := classDurations[TimeoutClass(s)]; ok {
		return d, true
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, true
	}

	fields := strings.Fields(s)
	if len(fields) != 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch strings.TrimSuffix(fields[1], "s") {
	case "second", "sec":
		return time.Duration(n) * time.Second, true
	case "minute", "min":
		return time.Duration(n) * time.Minute, true
	case "hour":
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}
