// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strings"
	"testing"

	"github.com/pipewatch/runfeed/internal/domain"
)

func TestSanitizeMasksSensitiveKeys(t *testing.T) {
	r := NewRedactor(1000, 100)

	ev := domain.Event{
		"type":   "agent:start",
		"apiKey": "sk-live-abc123",
		"nested": map[string]any{
			"token":    "tok-xyz",
			"password": "hunter2",
			"safe":     "keep-me",
		},
	}

	got := r.Sanitize(ev)

	if got["apiKey"] != RedactedMarker {
		t.Fatalf("expected apiKey redacted, got %v", got["apiKey"])
	}
	nested, ok := got["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", got["nested"])
	}
	if nested["token"] != RedactedMarker {
		t.Fatalf("expected nested token redacted, got %v", nested["token"])
	}
	if nested["password"] != RedactedMarker {
		t.Fatalf("expected nested password redacted, got %v", nested["password"])
	}
	if nested["safe"] != "keep-me" {
		t.Fatalf("expected safe value untouched, got %v", nested["safe"])
	}
}

func TestSanitizeKeyMatchIsCaseSensitive(t *testing.T) {
	r := NewRedactor(1000, 100)

	got := r.Sanitize(domain.Event{"type": "agent:start", "ApiKey": "visible"})
	if got["ApiKey"] != "visible" {
		t.Fatalf("expected ApiKey (different case) untouched, got %v", got["ApiKey"])
	}
}

func TestSanitizeDoesNotMutateInput(t *testing.T) {
	r := NewRedactor(10, 5)

	original := domain.Event{
		"type":   "agent:start",
		"apiKey": "secret",
		"long":   strings.Repeat("x", 50),
		"nested": map[string]any{"token": "tok"},
	}

	_ = r.Sanitize(original)

	if original["apiKey"] != "secret" {
		t.Fatal("live copy was mutated: apiKey")
	}
	if len(original["long"].(string)) != 50 {
		t.Fatal("live copy was mutated: long string")
	}
	if original["nested"].(map[string]any)["token"] != "tok" {
		t.Fatal("live copy was mutated: nested token")
	}
}

func TestSanitizeTruncatesOversizedStrings(t *testing.T) {
	r := NewRedactor(10, 5)

	got := r.Sanitize(domain.Event{"type": "agent:log", "output": strings.Repeat("a", 25)})

	s, ok := got["output"].(string)
	if !ok {
		t.Fatalf("expected string, got %T", got["output"])
	}
	if !strings.HasSuffix(s, truncatedMarker) {
		t.Fatalf("expected truncation marker, got %q", s)
	}
	if !strings.HasPrefix(s, strings.Repeat("a", 10)) {
		t.Fatalf("expected 10-byte prefix kept, got %q", s)
	}
}

func TestSanitizeToolOutputUsesOwnCap(t *testing.T) {
	r := NewRedactor(100, 5)

	ev := domain.Event{
		"type": "agent:tool_done",
		"tool_result": map[string]any{
			"output": strings.Repeat("b", 50),
		},
	}

	got := r.Sanitize(ev)
	out := got["tool_result"].(map[string]any)["output"].(string)
	if !strings.HasSuffix(out, toolOutputMarker) {
		t.Fatalf("expected tool output marker, got %q", out)
	}
	if !strings.HasPrefix(out, "bbbbb") || strings.HasPrefix(out, "bbbbbb") {
		t.Fatalf("expected exactly 5 bytes kept, got %q", out)
	}
}

func TestSanitizeDropsNilFieldsAndCapsArrays(t *testing.T) {
	r := NewRedactor(1000, 100)

	items := make([]any, 80)
	for i := range items {
		items[i] = i
	}

	got := r.Sanitize(domain.Event{
		"type":    "agent:artifacts",
		"missing": nil,
		"items":   items,
	})

	if _, present := got["missing"]; present {
		t.Fatal("expected nil field dropped")
	}
	capped, ok := got["items"].([]any)
	if !ok {
		t.Fatalf("expected array, got %T", got["items"])
	}
	if len(capped) != maxArrayElements {
		t.Fatalf("expected array capped at %d, got %d", maxArrayElements, len(capped))
	}
}

func TestSanitizeRedactsInsideArrays(t *testing.T) {
	r := NewRedactor(1000, 100)

	got := r.Sanitize(domain.Event{
		"type": "agent:calls",
		"calls": []any{
			map[string]any{"authorization": "Bearer abc", "name": "fetch"},
		},
	})

	call := got["calls"].([]any)[0].(map[string]any)
	if call["authorization"] != RedactedMarker {
		t.Fatalf("expected authorization redacted, got %v", call["authorization"])
	}
	if call["name"] != "fetch" {
		t.Fatalf("expected name untouched, got %v", call["name"])
	}
}
