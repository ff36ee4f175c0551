// SPDX-License-Identifier: Apache-2.0

package engine

import "github.com/pipewatch/runfeed/internal/domain"

const (
	// RedactedMarker replaces values of sensitive keys in persisted payloads.
	RedactedMarker = "[REDACTED]"

	truncatedMarker  = "...[truncated]"
	toolOutputMarker = "...[tool output truncated]"

	maxArrayElements = 50
)

// Key match is exact and case-sensitive.
var sensitiveKeys = map[string]struct{}{
	"apiKey":        {},
	"token":         {},
	"password":      {},
	"secret":        {},
	"credential":    {},
	"authorization": {},
}

// Redactor produces the sanitized copy of an event used for persistence. The
// copy the live observers receive is never touched.
type Redactor struct {
	payloadMax    int
	toolOutputMax int
}

func NewRedactor(payloadMax, toolOutputMax int) *Redactor {
	if payloadMax <= 0 {
		payloadMax = 10_000
	}
	if toolOutputMax <= 0 {
		toolOutputMax = 2_000
	}
	return &Redactor{payloadMax: payloadMax, toolOutputMax: toolOutputMax}
}

// Sanitize walks the event depth-first and returns a new object with
// sensitive values masked, oversized strings truncated, nil fields dropped,
// and arrays capped per level.
func (r *Redactor) Sanitize(ev domain.Event) domain.Event {
	out := r.sanitizeMap(map[string]any(ev), nil)
	return domain.Event(out)
}

func (r *Redactor) sanitizeMap(in map[string]any, path []string) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if value == nil {
			continue
		}
		if _, sensitive := sensitiveKeys[key]; sensitive {
			out[key] = RedactedMarker
			continue
		}
		out[key] = r.sanitizeValue(value, append(path, key))
	}
	return out
}

func (r *Redactor) sanitizeValue(value any, path []string) any {
	switch v := value.(type) {
	case map[string]any:
		return r.sanitizeMap(v, path)
	case domain.Event:
		return r.sanitizeMap(map[string]any(v), path)
	case []any:
		capped := v
		if len(capped) > maxArrayElements {
			capped = capped[:maxArrayElements]
		}
		out := make([]any, 0, len(capped))
		for _, elem := range capped {
			if elem == nil {
				continue
			}
			out = append(out, r.sanitizeValue(elem, path))
		}
		return out
	case string:
		return r.truncate(v, path)
	default:
		return value
	}
}

// truncate applies the tool-output cap when the field path ends in
// tool_result.output, and the generic payload cap otherwise.
func (r *Redactor) truncate(s string, path []string) string {
	if isToolOutputPath(path) {
		if len(s) > r.toolOutputMax {
			return s[:r.toolOutputMax] + toolOutputMarker
		}
		return s
	}
	if len(s) > r.payloadMax {
		return s[:r.payloadMax] + truncatedMarker
	}
	return s
}

func isToolOutputPath(path []string) bool {
	n := len(path)
	return n >= 2 && path[n-2] == "tool_result" && path[n-1] == "output"
}
