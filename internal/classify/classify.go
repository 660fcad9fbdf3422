// Package classify interprets agent replies and agent faults for the relay.
// Everything here is pure: no clock, no I/O, no session access.
package classify

import (
	"strings"

	"github.com/relayworks/payagent/internal/mcp"
)

// Kind describes how an agent reply was understood.
type Kind int

const (
	// Success means the agent completed the request.
	Success Kind = iota
	// MissingParameter means the agent asked the caller for more input.
	MissingParameter
)

// Result of classifying an agent reply.
type Result struct {
	Kind  Kind
	Param string // set for MissingParameter
}

// fallbackParam names the parameter when nothing better can be extracted.
const fallbackParam = "required parameter"

const (
	provideMarker = "please provide"
	providePhrase = provideMarker + " "
)

// probeParams are matched against fault messages after the tool schemas.
var probeParams = []string{"email", "link_id", "transaction_id"}

// Reply classifies an agent reply. Replies containing "please provide" or
// "missing" (case-insensitive) ask the caller for more input; everything
// else counts as a completed request.
func Reply(text string) Result {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, provideMarker) && !strings.Contains(lower, "missing") {
		return Result{Kind: Success}
	}
	return Result{Kind: MissingParameter, Param: extractParam(text)}
}

// extractParam pulls the parameter name out of a "please provide …"
// sentence: the text after the first occurrence of the phrase, cut at the
// next period, trimmed, with a leading "the" dropped. A reply that only
// matched on "missing" has nothing to extract and gets the fallback.
//
// The phrase is located case-insensitively in text itself. Offsets from
// strings.ToLower(text) cannot be used to slice text: lowercasing can
// change a rune's byte width, and agent replies are arbitrary text.
func extractParam(text string) string {
	idx := foldIndex(text, providePhrase)
	if idx < 0 {
		return fallbackParam
	}
	rest := text[idx+len(providePhrase):]
	if dot := strings.Index(rest, "."); dot >= 0 {
		rest = rest[:dot]
	}
	rest = strings.TrimSpace(rest)
	if len(rest) >= len("the ") && strings.EqualFold(rest[:len("the ")], "the ") {
		rest = strings.TrimSpace(rest[len("the "):])
	}
	if rest == "" {
		return fallbackParam
	}
	return rest
}

// foldIndex returns the byte offset of the first case-insensitive
// occurrence of the ASCII string sub in s, or -1. A match can only span
// single-byte runes, so the offset is always valid for slicing s.
func foldIndex(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

// Fault inspects an agent error message and reports whether it amounts to
// a missing-parameter condition. ok is false for anything that does not
// read like one; those faults stay internal errors.
//
// The parameter is resolved in declared order: required parameters from
// the tool schemas first (tool listing order, then schema order), then the
// fixed probe list, then the fallback.
func Fault(msg string, tools []mcp.Tool) (param string, ok bool) {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "missing") &&
		!strings.Contains(lower, "required parameter") &&
		!strings.Contains(lower, provideMarker) {
		return "", false
	}

	for _, tool := range tools {
		for _, required := range tool.InputSchema.Required {
			if required != "" && strings.Contains(lower, strings.ToLower(required)) {
				return required, true
			}
		}
	}
	for _, probe := range probeParams {
		if strings.Contains(lower, probe) {
			return probe, true
		}
	}
	return fallbackParam, true
}
