package parity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Fixture is one recorded request. Method defaults to POST and Path to /predict.
type Fixture struct {
	Name    string            `json:"name"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	// ExpectCrop, when set, must equal the candidate's recommended crop.
	ExpectCrop string `json:"expectCrop"`
}

func (f Fixture) method() string {
	if m := strings.TrimSpace(f.Method); m != "" {
		return strings.ToUpper(m)
	}
	return http.MethodPost
}

func (f Fixture) path() string {
	if p := strings.TrimSpace(f.Path); p != "" {
		return p
	}
	return "/predict"
}

// LoadFixtures reads fixture arrays from disk.
func LoadFixtures(paths []string) ([]Fixture, error) {
	var fixtures []Fixture
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", path, err)
		}

		var fileFixtures []Fixture
		if err := json.Unmarshal(data, &fileFixtures); err != nil {
			return nil, fmt.Errorf("decode fixture %s: %w", path, err)
		}
		for i := range fileFixtures {
			if fileFixtures[i].Name == "" {
				fileFixtures[i].Name = fmt.Sprintf("%s#%d", path, i)
			}
		}
		fixtures = append(fixtures, fileFixtures...)
	}
	return fixtures, nil
}
