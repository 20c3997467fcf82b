package runner

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/smileorch/smile/internal/loop"
)

// RecoverStudentOutput parses a raw actor submission into a StudentOutput,
// following the probe-first-then-structural-fallback idiom the teacher uses
// for its codex/claude wire parsers (codex/parse.go's type probe,
// claude/unknown.go's Overflow-preserving decode): try a clean decode of
// the trimmed text first, then fall back to scanning for the first
// balanced {...} region, and finally synthesize a cannot_complete result
// rather than erroring, per spec.md §4.4's "malformed submission" handling.
//
// recovered is true whenever the fallback path (or the synthetic failure)
// was needed.
func RecoverStudentOutput(raw string) (out *loop.StudentOutput, recovered bool) {
	trimmed := strings.TrimSpace(raw)

	var so loop.StudentOutput
	if err := json.Unmarshal([]byte(trimmed), &so); err == nil {
		if verr := so.Validate(); verr == nil {
			return &so, false
		}
	}

	if region, ok := firstBalancedObject(trimmed); ok {
		var fallback loop.StudentOutput
		if err := json.Unmarshal([]byte(region), &fallback); err == nil {
			if verr := fallback.Validate(); verr == nil {
				return &fallback, true
			}
		}
	}

	slog.Warn("student output not parseable as JSON, synthesizing cannot_complete", "bytes", len(raw))
	return &loop.StudentOutput{
		Status:      loop.StudentCannotComplete,
		CurrentStep: "unknown",
		Reason:      "student output was not valid JSON matching the expected contract",
	}, true
}

// RecoverMentorAnswer extracts the Mentor's free-text answer. Mentor actors
// are expected to emit either a bare JSON object {"answer": "..."} or plain
// text; both are accepted, with plain text preferred as-is over forcing a
// parse failure.
func RecoverMentorAnswer(raw string) (answer string, recovered bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", true
	}

	var structured struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && structured.Answer != "" {
		return structured.Answer, false
	}

	if region, ok := firstBalancedObject(trimmed); ok {
		var fallback struct {
			Answer string `json:"answer"`
		}
		if err := json.Unmarshal([]byte(region), &fallback); err == nil && fallback.Answer != "" {
			return fallback.Answer, true
		}
	}

	return trimmed, false
}

// firstBalancedObject scans s for the first top-level {...} region, honoring
// string-quoted braces, and returns it along with whether one was found.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
