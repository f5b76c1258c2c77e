// Package parity replays recorded prediction requests against a reference
// deployment and the advisor and reports where their answers differ.
package parity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConcurrency = 4

// Config defines the inputs required to run a parity session.
type Config struct {
	ReferenceBaseURL string   `yaml:"referenceBaseUrl"`
	CandidateBaseURL string   `yaml:"candidateBaseUrl"`
	Fixtures         []string `yaml:"fixtures"`
	Concurrency      int      `yaml:"concurrency"`
	// FloatTolerance is the absolute difference under which two numbers match.
	FloatTolerance float64 `yaml:"floatTolerance"`
	// IgnoreKeys are stripped from both bodies before comparison.
	IgnoreKeys []string `yaml:"ignoreKeys"`
}

// LoadConfig reads configuration from a YAML (or JSON) file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if strings.TrimSpace(cfg.ReferenceBaseURL) == "" || strings.TrimSpace(cfg.CandidateBaseURL) == "" {
		return Config{}, errors.New("referenceBaseUrl and candidateBaseUrl are required")
	}
	if cfg.FloatTolerance < 0 {
		return Config{}, fmt.Errorf("floatTolerance must be non-negative, got %v", cfg.FloatTolerance)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}

	return cfg, nil
}
