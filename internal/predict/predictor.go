// Package predict turns a crop recommendation request into a result by
// running the scale → classify → decode pipeline over an artifact bundle.
package predict

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
)

// Recommendation is a successful prediction with the echoed inputs.
type Recommendation struct {
	Crop        string
	Temperature float64
	PH          float64
}

// Response is the JSON payload returned by the predict endpoint.
type Response struct {
	Success     bool     `json:"success"`
	Crop        string   `json:"crop,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	PH          *float64 `json:"ph,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// NewResponse converts a recommendation or failure into the wire payload.
func NewResponse(rec Recommendation, err error) Response {
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	temperature, ph := rec.Temperature, rec.PH
	return Response{
		Success:     true,
		Crop:        rec.Crop,
		Temperature: &temperature,
		PH:          &ph,
	}
}

// Predictor runs inference over an immutable bundle. It is safe for concurrent use.
type Predictor struct {
	bundle      *artifact.Bundle
	unavailable error
}

// New builds a predictor. fileNames name the model, scaler, and label encoder
// files in the message returned while artifacts are unavailable.
func New(bundle *artifact.Bundle, fileNames ...string) *Predictor {
	names := [3]string{artifact.DefaultModelFile, artifact.DefaultScalerFile, artifact.DefaultLabelEncoderFile}
	for i := 0; i < len(fileNames) && i < len(names); i++ {
		if fileNames[i] != "" {
			names[i] = fileNames[i]
		}
	}

	return &Predictor{
		bundle: bundle,
		unavailable: &Error{
			Kind: ErrArtifactsUnavailable,
			Err: fmt.Errorf("Model files not found. Please ensure %s, %s, and %s are in the artifacts directory.",
				names[0], names[1], names[2]),
		},
	}
}

// Available reports whether predictions can be served.
func (p *Predictor) Available() bool {
	return p != nil && p.bundle.Available()
}

// Bundle returns the artifact bundle backing the predictor.
func (p *Predictor) Bundle() *artifact.Bundle {
	if p == nil {
		return nil
	}
	return p.bundle
}

// Recommend checks availability, decodes the body, and runs inference.
func (p *Predictor) Recommend(body []byte) (Recommendation, error) {
	if !p.Available() {
		return Recommendation{}, p.unavailableErr()
	}
	features, err := DecodeFeatures(body)
	if err != nil {
		return Recommendation{}, err
	}
	return p.Infer(features)
}

// Infer runs the pipeline on already decoded features.
func (p *Predictor) Infer(f Features) (rec Recommendation, err error) {
	if !p.Available() {
		return Recommendation{}, p.unavailableErr()
	}

	defer func() {
		if r := recover(); r != nil {
			rec = Recommendation{}
			err = &Error{Kind: ErrInferenceFailed, Err: fmt.Errorf("panic during inference: %v", r)}
		}
	}()

	scaled, err := p.bundle.Scaler().Transform(f.Vector())
	if err != nil {
		return Recommendation{}, inferenceFailed("scale features", err)
	}

	code, err := p.bundle.Classifier().Predict(scaled)
	if err != nil {
		return Recommendation{}, inferenceFailed("predict", err)
	}

	label, err := p.bundle.LabelEncoder().InverseTransform(code)
	if err != nil {
		return Recommendation{}, inferenceFailed("decode label", err)
	}
	if label == "" {
		return Recommendation{}, inferenceFailed("decode label", errors.New("empty class name"))
	}

	return Recommendation{
		Crop:        titleCase(label),
		Temperature: f.Temperature,
		PH:          f.PH,
	}, nil
}

func (p *Predictor) unavailableErr() error {
	if p == nil || p.unavailable == nil {
		return New(nil).unavailable
	}
	return p.unavailable
}

// titleCase upper-cases the first letter of each word and lower-cases the rest.
// A word is a run of cased letters, so digits, underscores, apostrophes and
// any other uncased rune start a new word ("black_gram" becomes "Black_Gram").
func titleCase(s string) string {
	caser := cases.Title(language.Und)

	var b strings.Builder
	b.Grow(len(s))
	start := -1
	for i, r := range s {
		if isCased(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(caser.String(s[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(caser.String(s[start:]))
	}
	return b.String()
}

func isCased(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsLower(r) || unicode.IsTitle(r)
}
