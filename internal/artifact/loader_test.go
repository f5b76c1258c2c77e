package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Debugw(string, ...any) {}
func (l *recordingLogger) Infow(string, ...any)  {}

func (l *recordingLogger) Warnw(msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Errorw(msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprint(append([]any{msg}, kv...)...))
}

func copyFixtures(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join("testdata", name))
		if err != nil {
			t.Fatalf("read fixture %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write fixture %s: %v", name, err)
		}
	}
	return dir
}

func optionsFor(dir string) Options {
	opts := DefaultOptions()
	opts.Dir = dir
	return opts
}

func TestLoadAllArtifacts(t *testing.T) {
	dir := copyFixtures(t, DefaultModelFile, DefaultScalerFile, DefaultLabelEncoderFile)
	logger := &recordingLogger{}

	b := Load(optionsFor(dir), logger)
	if !b.Available() {
		t.Fatalf("expected bundle available, statuses: %+v", b.Statuses())
	}
	for _, st := range b.Statuses() {
		if !st.Loaded || st.Error != "" {
			t.Fatalf("unexpected status: %+v", st)
		}
	}
	if len(logger.errors) != 0 {
		t.Fatalf("expected no errors logged, got %v", logger.errors)
	}

	// Example input from the crop dataset lands on the "rice" leaf.
	scaled, err := b.Scaler().Transform([]float64{90, 42, 43, 20.8, 82.0, 6.5, 202.9})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	code, err := b.Classifier().Predict(scaled)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	name, err := b.LabelEncoder().InverseTransform(code)
	if err != nil {
		t.Fatalf("InverseTransform: %v", err)
	}
	if name != "rice" {
		t.Fatalf("expected rice, got %s", name)
	}
}

func TestLoadMissingArtifactLeavesSlotEmpty(t *testing.T) {
	dir := copyFixtures(t, DefaultModelFile, DefaultLabelEncoderFile)
	logger := &recordingLogger{}

	b := Load(optionsFor(dir), logger)
	if b.Available() {
		t.Fatalf("expected bundle unavailable when scaler missing")
	}
	if b.Scaler() != nil {
		t.Fatalf("expected empty scaler slot")
	}
	if b.Classifier() == nil || b.LabelEncoder() == nil {
		t.Fatalf("expected present artifacts to stay loaded")
	}

	statuses := b.Statuses()
	if statuses[1].Name != SlotScaler || statuses[1].Loaded || statuses[1].Error != "file not found" {
		t.Fatalf("unexpected scaler status: %+v", statuses[1])
	}
	if len(logger.warns) == 0 {
		t.Fatalf("expected unavailability warning")
	}
}

func TestLoadFailureEmptiesEverySlot(t *testing.T) {
	dir := copyFixtures(t, DefaultModelFile, DefaultLabelEncoderFile)
	if err := os.WriteFile(filepath.Join(dir, DefaultScalerFile), []byte(`{"kind":"standard","scale":"oops"}`), 0o644); err != nil {
		t.Fatalf("write scaler: %v", err)
	}
	logger := &recordingLogger{}

	b := Load(optionsFor(dir), logger)
	if b.Available() {
		t.Fatalf("expected bundle unavailable")
	}
	if b.Classifier() != nil || b.Scaler() != nil || b.LabelEncoder() != nil {
		t.Fatalf("expected every slot emptied after a decode failure")
	}
	if len(logger.errors) != 1 {
		t.Fatalf("expected one error logged, got %v", logger.errors)
	}

	statuses := b.Statuses()
	for _, st := range statuses {
		if st.Loaded {
			t.Fatalf("expected no slot loaded, got %+v", st)
		}
		if st.Error == "" {
			t.Fatalf("expected error recorded for %s", st.Name)
		}
	}
}

func TestLoadONNXFailureIsGroupFailure(t *testing.T) {
	dir := copyFixtures(t, DefaultScalerFile, DefaultLabelEncoderFile)
	if err := os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("not a model"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	opts := optionsFor(dir)
	opts.ModelFile = "model.onnx"
	opts.ONNX.LibraryPath = filepath.Join(dir, "missing-onnxruntime.so")

	b := Load(opts, &recordingLogger{})
	if b.Available() {
		t.Fatalf("expected bundle unavailable")
	}
	if b.Scaler() != nil || b.LabelEncoder() != nil {
		t.Fatalf("expected group fail-closed")
	}
}

func TestOptionsPath(t *testing.T) {
	opts := Options{Dir: "/srv/artifacts"}
	if got := opts.Path("model.json"); got != filepath.Join("/srv/artifacts", "model.json") {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := opts.Path("/abs/scaler.json"); got != "/abs/scaler.json" {
		t.Fatalf("absolute path should be kept, got %s", got)
	}

	opts.ModelFile = "nested/model.json"
	opts.ScalerFile = "scaler.json"
	opts.LabelEncoderFile = "label_encoder.json"
	model, scaler, encoder := opts.FileNames()
	if model != "model.json" || scaler != "scaler.json" || encoder != "label_encoder.json" {
		t.Fatalf("unexpected file names: %s %s %s", model, scaler, encoder)
	}
}
