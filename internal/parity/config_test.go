package parity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigSetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parity.yaml")
	data := "referenceBaseUrl: http://flask:5000\ncandidateBaseUrl: http://advisor:8080\nfixtures: [f.json]\nignoreKeys: [requestId]\n"

	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Concurrency != defaultConcurrency {
		t.Fatalf("expected default concurrency %d, got %d", defaultConcurrency, cfg.Concurrency)
	}
	if len(cfg.IgnoreKeys) != 1 || cfg.IgnoreKeys[0] != "requestId" {
		t.Fatalf("unexpected ignore keys: %v", cfg.IgnoreKeys)
	}
}

func TestLoadConfigAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parity.json")
	data := `{"referenceBaseUrl":"http://a","candidateBaseUrl":"http://b","concurrency":2}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Concurrency != 2 {
		t.Fatalf("expected concurrency 2, got %d", cfg.Concurrency)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing urls":       `fixtures: []`,
		"negative tolerance": "referenceBaseUrl: http://a\ncandidateBaseUrl: http://b\nfloatTolerance: -1\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "parity.yaml")
			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
