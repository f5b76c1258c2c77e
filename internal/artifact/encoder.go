package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type encoderDocument struct {
	Classes []string `json:"classes"`
}

// ClassEncoder is a label encoder backed by the ordered list of fitted classes.
type ClassEncoder struct {
	classes []string
}

// NewClassEncoder builds an encoder whose code i maps to classes[i].
func NewClassEncoder(classes []string) (*ClassEncoder, error) {
	if len(classes) == 0 {
		return nil, errors.New("label encoder requires at least one class")
	}
	seen := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		if strings.TrimSpace(c) == "" {
			return nil, errors.New("label encoder classes must not be empty")
		}
		if _, ok := seen[c]; ok {
			return nil, fmt.Errorf("duplicate label encoder class %q", c)
		}
		seen[c] = struct{}{}
	}
	return &ClassEncoder{classes: append([]string(nil), classes...)}, nil
}

// InverseTransform returns the class name for an encoded label.
func (e *ClassEncoder) InverseTransform(code int) (string, error) {
	if code < 0 || code >= len(e.classes) {
		return "", fmt.Errorf("%w: [%d]", ErrUnseenLabel, code)
	}
	return e.classes[code], nil
}

// Classes returns a copy of the fitted classes.
func (e *ClassEncoder) Classes() []string {
	return append([]string(nil), e.classes...)
}

// DecodeLabelEncoder parses a label encoder document.
func DecodeLabelEncoder(data []byte) (LabelEncoder, error) {
	var doc encoderDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode label encoder: %w", err)
	}
	enc, err := NewClassEncoder(doc.Classes)
	if err != nil {
		return nil, err
	}
	return enc, nil
}
