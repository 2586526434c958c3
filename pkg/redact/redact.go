// Package redact scrubs secret/PII-shaped substrings from message content
// and event payloads before they become durable in the event log (A2).
//
// Grounded on tarsy's pkg/masking/{pattern,service}.go: a set of compiled
// regex patterns, grouped under a named "pattern group", applied as a
// regex sweep over free text. squadron doesn't carry tarsy's per-MCP-server
// masking config or code-based (Kubernetes-secret-shaped) maskers — there's
// no MCP server registry here to key a per-server config off of — so this
// package keeps just the part of the shape this domain needs: one process-
// wide pattern group, selected by REDACTION_PATTERN_GROUP, applied
// uniformly to every outgoing payload.
package redact

import (
	"encoding/json"
	"log/slog"
	"regexp"
)

// CompiledPattern is a named regex and its replacement text.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns mirrors the shape of tarsy's built-in masking config:
// common secret-shaped substrings, redacted in place.
var builtinPatterns = map[string]struct {
	pattern     string
	replacement string
}{
	"aws_access_key":  {`AKIA[0-9A-Z]{16}`, "[REDACTED_AWS_KEY]"},
	"bearer_token":    {`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`, "Bearer [REDACTED_TOKEN]"},
	"generic_api_key": {`(?i)(api[_-]?key|secret|token)\s*[:=]\s*['"]?[A-Za-z0-9\-_.]{12,}['"]?`, "$1=[REDACTED]"},
	"email":           {`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`, "[REDACTED_EMAIL]"},
	"private_key":     {`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`, "[REDACTED_PRIVATE_KEY]"},
}

// patternGroups maps a named group to the builtin pattern names it applies.
// "default" runs everything; a squad can be configured to run a narrower
// group if a broader sweep proves too aggressive for its traffic.
var patternGroups = map[string][]string{
	"default":  {"aws_access_key", "bearer_token", "generic_api_key", "email", "private_key"},
	"secrets":  {"aws_access_key", "bearer_token", "generic_api_key", "private_key"},
	"contacts": {"email"},
}

// Redactor applies a resolved pattern group to text. The zero value (no
// patterns) is a safe no-op, used when REDACTION_PATTERN_GROUP is unset.
type Redactor struct {
	patterns []*CompiledPattern
}

// New compiles the named pattern group. An unknown or empty group name
// yields a no-op Redactor rather than an error — redaction is a defensive
// layer, not a required one, and a typo in REDACTION_PATTERN_GROUP
// shouldn't take the event log down.
func New(group string) *Redactor {
	names, ok := patternGroups[group]
	if !ok {
		if group != "" {
			slog.Warn("redact: unknown pattern group, redaction disabled", "group", group)
		}
		return &Redactor{}
	}

	r := &Redactor{}
	for _, name := range names {
		spec, ok := builtinPatterns[name]
		if !ok {
			continue
		}
		compiled, err := regexp.Compile(spec.pattern)
		if err != nil {
			slog.Error("redact: failed to compile pattern, skipping", "pattern", name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{Name: name, Regex: compiled, Replacement: spec.replacement})
	}
	return r
}

// Scrub applies every compiled pattern to b, in order, and returns the
// result. Nil receiver and empty pattern set are both safe no-ops.
func (r *Redactor) Scrub(b []byte) []byte {
	if r == nil || len(r.patterns) == 0 || len(b) == 0 {
		return b
	}
	s := string(b)
	for _, p := range r.patterns {
		s = p.Regex.ReplaceAllString(s, p.Replacement)
	}
	return []byte(s)
}

// ScrubJSON walks a JSON payload and scrubs every string value found,
// leaving structure and non-string values untouched. Malformed JSON is
// returned unscrubbed with a logged warning (fail-open: the payload still
// persists, since rejecting it outright would lose the event entirely).
func (r *Redactor) ScrubJSON(payload []byte) []byte {
	if r == nil || len(r.patterns) == 0 || len(payload) == 0 {
		return payload
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		slog.Warn("redact: payload is not valid JSON, skipping scrub", "error", err)
		return payload
	}

	scrubbed := r.scrubValue(v)
	out, err := json.Marshal(scrubbed)
	if err != nil {
		slog.Warn("redact: failed to re-marshal scrubbed payload", "error", err)
		return payload
	}
	return out
}

func (r *Redactor) scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		return string(r.Scrub([]byte(t)))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.scrubValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.scrubValue(val)
		}
		return out
	default:
		return v
	}
}
