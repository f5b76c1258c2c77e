package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	scalerKindStandard = "standard"
	scalerKindMinMax   = "minmax"
)

type scalerDocument struct {
	Kind  string    `json:"kind"`
	Mean  []float64 `json:"mean"`
	Min   []float64 `json:"min"`
	Scale []float64 `json:"scale"`
}

// StandardScaler removes the fitted mean and divides by the fitted scale.
type StandardScaler struct {
	mean  []float64
	scale []float64
}

// NewStandardScaler validates and builds a standard scaler. A nil mean skips centring.
func NewStandardScaler(mean, scale []float64) (*StandardScaler, error) {
	if len(scale) == 0 {
		return nil, errors.New("standard scaler requires scale")
	}
	if mean != nil && len(mean) != len(scale) {
		return nil, fmt.Errorf("standard scaler mean has %d values, scale has %d", len(mean), len(scale))
	}
	s := &StandardScaler{mean: append([]float64(nil), mean...), scale: make([]float64, len(scale))}
	for i, v := range scale {
		// zero-variance features are left unscaled
		if v == 0 {
			v = 1
		}
		s.scale[i] = v
	}
	return s, nil
}

// Transform applies (x - mean) / scale.
func (s *StandardScaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.scale) {
		return nil, featureCountError("StandardScaler", len(features), len(s.scale))
	}
	out := make([]float64, len(features))
	for i, x := range features {
		if len(s.mean) > 0 {
			x -= s.mean[i]
		}
		out[i] = x / s.scale[i]
	}
	return out, nil
}

// MinMaxScaler applies the fitted per-feature scale and offset.
type MinMaxScaler struct {
	min   []float64
	scale []float64
}

// NewMinMaxScaler validates and builds a min-max scaler.
func NewMinMaxScaler(min, scale []float64) (*MinMaxScaler, error) {
	if len(scale) == 0 {
		return nil, errors.New("minmax scaler requires scale")
	}
	if len(min) != len(scale) {
		return nil, fmt.Errorf("minmax scaler min has %d values, scale has %d", len(min), len(scale))
	}
	return &MinMaxScaler{
		min:   append([]float64(nil), min...),
		scale: append([]float64(nil), scale...),
	}, nil
}

// Transform applies x * scale + min.
func (s *MinMaxScaler) Transform(features []float64) ([]float64, error) {
	if len(features) != len(s.scale) {
		return nil, featureCountError("MinMaxScaler", len(features), len(s.scale))
	}
	out := make([]float64, len(features))
	for i, x := range features {
		out[i] = x*s.scale[i] + s.min[i]
	}
	return out, nil
}

// DecodeScaler parses a scaler document.
func DecodeScaler(data []byte) (Scaler, error) {
	var doc scalerDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}

	switch doc.Kind {
	case scalerKindStandard, "":
		s, err := NewStandardScaler(doc.Mean, doc.Scale)
		if err != nil {
			return nil, err
		}
		return s, nil
	case scalerKindMinMax:
		s, err := NewMinMaxScaler(doc.Min, doc.Scale)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported scaler kind %q", doc.Kind)
	}
}

func featureCountError(owner string, got, want int) error {
	return fmt.Errorf("X has %d features, but %s is expecting %d features as input", got, owner, want)
}
