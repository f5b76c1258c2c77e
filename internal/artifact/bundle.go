// Package artifact loads the pre-trained objects used for crop recommendation
// and holds them in an immutable bundle. A bundle is either complete or
// unavailable: partial availability is never served.
package artifact

import "errors"

// Slot names identify the three artifacts of a bundle.
const (
	SlotModel        = "model"
	SlotScaler       = "scaler"
	SlotLabelEncoder = "label_encoder"
)

// ErrUnseenLabel is returned when a classifier emits a code the encoder does not know.
var ErrUnseenLabel = errors.New("y contains previously unseen labels")

// Scaler normalises a raw feature vector into the range the classifier expects.
type Scaler interface {
	Transform(features []float64) ([]float64, error)
}

// Classifier maps a scaled feature vector to an encoded class label.
type Classifier interface {
	Predict(features []float64) (int, error)
}

// LabelEncoder maps encoded class labels back to their names.
type LabelEncoder interface {
	InverseTransform(code int) (string, error)
}

// SlotStatus describes the load outcome of a single artifact.
type SlotStatus struct {
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Bundle holds the classifier, scaler, and label encoder. It is never mutated
// after construction.
type Bundle struct {
	classifier Classifier
	scaler     Scaler
	encoder    LabelEncoder
	statuses   []SlotStatus
	closers    []func()
}

// NewBundle builds a bundle from in-memory implementations. Any nil argument
// leaves the bundle unavailable.
func NewBundle(classifier Classifier, scaler Scaler, encoder LabelEncoder) *Bundle {
	return &Bundle{
		classifier: classifier,
		scaler:     scaler,
		encoder:    encoder,
		statuses: []SlotStatus{
			{Name: SlotModel, Loaded: classifier != nil},
			{Name: SlotScaler, Loaded: scaler != nil},
			{Name: SlotLabelEncoder, Loaded: encoder != nil},
		},
	}
}

// Available reports whether all three artifacts are present.
func (b *Bundle) Available() bool {
	if b == nil {
		return false
	}
	return b.classifier != nil && b.scaler != nil && b.encoder != nil
}

// Classifier returns the loaded classifier, or nil.
func (b *Bundle) Classifier() Classifier {
	if b == nil {
		return nil
	}
	return b.classifier
}

// Scaler returns the loaded scaler, or nil.
func (b *Bundle) Scaler() Scaler {
	if b == nil {
		return nil
	}
	return b.scaler
}

// LabelEncoder returns the loaded label encoder, or nil.
func (b *Bundle) LabelEncoder() LabelEncoder {
	if b == nil {
		return nil
	}
	return b.encoder
}

// Statuses returns a copy of the per-slot load outcomes.
func (b *Bundle) Statuses() []SlotStatus {
	if b == nil {
		return nil
	}
	out := make([]SlotStatus, len(b.statuses))
	copy(out, b.statuses)
	return out
}

// Close releases native resources held by the artifacts, if any.
func (b *Bundle) Close() {
	if b == nil {
		return
	}
	for _, fn := range b.closers {
		fn()
	}
	b.closers = nil
}
