package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

const (
	DefaultModelFile        = "model.json"
	DefaultScalerFile       = "scaler.json"
	DefaultLabelEncoderFile = "label_encoder.json"
)

// Options locates the artifact files on disk.
type Options struct {
	Dir              string
	ModelFile        string
	ScalerFile       string
	LabelEncoderFile string
	ONNX             ONNXOptions
}

// DefaultOptions looks for the default file names in the working directory.
func DefaultOptions() Options {
	return Options{
		Dir:              ".",
		ModelFile:        DefaultModelFile,
		ScalerFile:       DefaultScalerFile,
		LabelEncoderFile: DefaultLabelEncoderFile,
	}
}

// Path resolves a configured file name against the artifact directory.
func (o Options) Path(file string) string {
	if filepath.IsAbs(file) || strings.TrimSpace(o.Dir) == "" {
		return file
	}
	return filepath.Join(o.Dir, file)
}

// FileNames returns the base names of the model, scaler, and label encoder files.
func (o Options) FileNames() (model, scaler, encoder string) {
	return filepath.Base(o.ModelFile), filepath.Base(o.ScalerFile), filepath.Base(o.LabelEncoderFile)
}

type slotLoader struct {
	name   string
	path   string
	decode func(b *Bundle, path string) error
}

// Load reads the three artifacts. A missing file leaves its slot empty; any
// decode failure is logged and empties every slot, so the returned bundle is
// either complete or unavailable. Load itself never fails.
func Load(opts Options, logger pkglog.Logger) *Bundle {
	if logger == nil {
		logger = pkglog.Shared()
	}

	b := &Bundle{}
	slots := []slotLoader{
		{name: SlotModel, path: opts.Path(opts.ModelFile), decode: func(b *Bundle, path string) error {
			return b.loadClassifier(path, opts.ONNX)
		}},
		{name: SlotScaler, path: opts.Path(opts.ScalerFile), decode: func(b *Bundle, path string) error {
			s, err := readAndDecode(path, DecodeScaler)
			if err != nil {
				return err
			}
			b.scaler = s
			return nil
		}},
		{name: SlotLabelEncoder, path: opts.Path(opts.LabelEncoderFile), decode: func(b *Bundle, path string) error {
			e, err := readAndDecode(path, DecodeLabelEncoder)
			if err != nil {
				return err
			}
			b.encoder = e
			return nil
		}},
	}

	b.statuses = make([]SlotStatus, len(slots))
	for i, slot := range slots {
		b.statuses[i] = SlotStatus{Name: slot.name, Path: slot.path}
	}

	var (
		loadErr  error
		failedAt = -1
	)
	for i, slot := range slots {
		_, err := os.Stat(slot.path)
		if errors.Is(err, os.ErrNotExist) {
			b.statuses[i].Error = "file not found"
			continue
		}
		if err == nil {
			err = slot.decode(b, slot.path)
		}
		if err != nil {
			loadErr = fmt.Errorf("load %s from %q: %w", slot.name, slot.path, err)
			failedAt = i
			break
		}
		b.statuses[i].Loaded = true
	}

	if loadErr != nil {
		logger.Errorw("error loading artifacts", "error", loadErr)
		b.discard()
		for i := range b.statuses {
			b.statuses[i].Loaded = false
			switch {
			case i == failedAt:
				b.statuses[i].Error = loadErr.Error()
			case i > failedAt:
				b.statuses[i].Error = "not loaded after earlier failure"
			case b.statuses[i].Error == "":
				b.statuses[i].Error = "discarded after load failure"
			}
		}
		return b
	}

	if b.Available() {
		logger.Infow("artifacts loaded", "model", slots[0].path, "scaler", slots[1].path, "labelEncoder", slots[2].path)
	} else {
		missing := make([]string, 0, len(slots))
		for _, st := range b.statuses {
			if !st.Loaded {
				missing = append(missing, st.Path)
			}
		}
		logger.Warnw("artifacts unavailable, predictions disabled", "missing", missing)
	}

	return b
}

func (b *Bundle) loadClassifier(path string, onnx ONNXOptions) error {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		m, err := LoadONNXClassifier(path, onnx)
		if err != nil {
			return err
		}
		b.classifier = m
		b.closers = append(b.closers, m.Close)
		return nil
	}

	m, err := readAndDecode(path, DecodeClassifier)
	if err != nil {
		return err
	}
	b.classifier = m
	return nil
}

// discard empties every slot and releases native resources.
func (b *Bundle) discard() {
	b.Close()
	b.classifier = nil
	b.scaler = nil
	b.encoder = nil
}

func readAndDecode[T any](path string, decode func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	v, err := decode(data)
	if err != nil {
		return zero, err
	}
	return v, nil
}
