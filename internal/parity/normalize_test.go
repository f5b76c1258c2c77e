package parity

import (
	"encoding/json"
	"testing"
)

func TestStripJSONKeysRemovesKeys(t *testing.T) {
	normalizer := StripJSONKeys("requestId", "traceId")

	output := normalizer([]byte(`{"success":true,"requestId":"r1","nested":{"traceId":"t1","ph":6.5}}`))

	var obj map[string]any
	if err := json.Unmarshal(output, &obj); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := obj["requestId"]; exists {
		t.Fatalf("expected requestId removed")
	}
	nested := obj["nested"].(map[string]any)
	if _, exists := nested["traceId"]; exists {
		t.Fatalf("expected nested traceId removed")
	}
	if nested["ph"] != 6.5 {
		t.Fatalf("expected other keys kept, got %v", nested)
	}
}

func TestStripJSONKeysHandlesArraysAndInvalidJSON(t *testing.T) {
	normalizer := StripJSONKeys("checkedAt")

	var arr []map[string]any
	if err := json.Unmarshal(normalizer([]byte(`[{"checkedAt":"now","status":"ok"}]`)), &arr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := arr[0]["checkedAt"]; exists {
		t.Fatalf("expected checkedAt removed")
	}

	if got := string(normalizer([]byte("plain text"))); got != "plain text" {
		t.Fatalf("expected non-JSON passthrough, got %s", got)
	}
}
