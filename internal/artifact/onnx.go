package artifact

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"
)

const (
	defaultONNXInput  = "float_input"
	defaultONNXOutput = "output_label"
)

// ONNXOptions configures the ONNX Runtime backed classifier.
type ONNXOptions struct {
	LibraryPath string
	InputName   string
	OutputName  string
}

var onnxEnvMu sync.Mutex

// ONNXClassifier runs a classifier exported to ONNX whose label output is int64.
type ONNXClassifier struct {
	session    *onnxruntime.DynamicAdvancedSession
	inputName  string
	outputName string
}

// LoadONNXClassifier opens an ONNX model, initialising the runtime environment on first use.
func LoadONNXClassifier(path string, opts ONNXOptions) (*ONNXClassifier, error) {
	if err := ensureONNXEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	input := strings.TrimSpace(opts.InputName)
	if input == "" {
		input = defaultONNXInput
	}
	output := strings.TrimSpace(opts.OutputName)
	if output == "" {
		output = defaultONNXOutput
	}

	options, err := onnxruntime.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create onnx session options: %w", err)
	}
	defer options.Destroy()

	session, err := onnxruntime.NewDynamicAdvancedSession(path, []string{input}, []string{output}, options)
	if err != nil {
		return nil, fmt.Errorf("load onnx model %q: %w", path, err)
	}

	return &ONNXClassifier{session: session, inputName: input, outputName: output}, nil
}

// Predict feeds a [1, n] float32 tensor and reads the int64 label output.
func (m *ONNXClassifier) Predict(features []float64) (int, error) {
	if m == nil || m.session == nil {
		return 0, errors.New("onnx session is closed")
	}

	data := make([]float32, len(features))
	for i, v := range features {
		data[i] = float32(v)
	}

	input, err := onnxruntime.NewTensor(onnxruntime.NewShape(1, int64(len(data))), data)
	if err != nil {
		return 0, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()

	label, err := onnxruntime.NewEmptyTensor[int64](onnxruntime.NewShape(1))
	if err != nil {
		return 0, fmt.Errorf("create label tensor: %w", err)
	}
	defer label.Destroy()

	if err := m.session.Run([]onnxruntime.Value{input}, []onnxruntime.Value{label}); err != nil {
		return 0, fmt.Errorf("onnx inference: %w", err)
	}

	out := label.GetData()
	if len(out) == 0 {
		return 0, errors.New("onnx model produced no label")
	}
	return int(out[0]), nil
}

// Close releases the underlying session.
func (m *ONNXClassifier) Close() {
	if m == nil || m.session == nil {
		return
	}
	_ = m.session.Destroy()
	m.session = nil
}

func ensureONNXEnvironment(libraryPath string) error {
	onnxEnvMu.Lock()
	defer onnxEnvMu.Unlock()

	if onnxruntime.IsInitialized() {
		return nil
	}
	if strings.TrimSpace(libraryPath) != "" {
		onnxruntime.SetSharedLibraryPath(libraryPath)
	}
	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}
