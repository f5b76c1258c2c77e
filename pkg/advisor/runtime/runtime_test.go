package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
)

func TestRuntimeRunStartsAndStops(t *testing.T) {
	rt, err := New(testConfig(), WithBundle(artifact.NewBundle(nil, nil, nil)))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	if err := rt.Run(ctx); err != nil {
		t.Fatalf("runtime.Run: %v", err)
	}
}

func TestRuntimeRejectsDoubleStart(t *testing.T) {
	rt, err := New(testConfig(), WithBundle(artifact.NewBundle(nil, nil, nil)))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("first start failed: %v", err)
	}

	if err := rt.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRuntimeWaitBeforeStart(t *testing.T) {
	rt, err := New(testConfig(), WithBundle(artifact.NewBundle(nil, nil, nil)))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	if err := rt.Wait(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestRuntimeReloadConstraints(t *testing.T) {
	cfg := testConfig()
	rt, err := New(cfg, WithBundle(artifact.NewBundle(nil, nil, nil)))
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := rt.Reload(cfg); !errors.Is(err, ErrReloadWhileRunning) {
		t.Fatalf("expected ErrReloadWhileRunning, got %v", err)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	cfgCopy := cfg
	cfgCopy.RateLimit.Max = 5
	if err := rt.Reload(cfgCopy); err != nil {
		t.Fatalf("reload after stop: %v", err)
	}
	if rt.Config().RateLimit.Max != 5 {
		t.Fatalf("expected reloaded config to apply")
	}
}

func TestRuntimeServesPredictionsFromLoadedArtifacts(t *testing.T) {
	cfg := testConfig()
	cfg.Artifacts.Dir = filepath.Join("..", "..", "..", "internal", "artifact", "testdata")

	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	defer rt.Close()

	if !rt.Bundle().Available() {
		t.Fatalf("expected artifacts to load, statuses: %+v", rt.Bundle().Statuses())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	body := []byte(`{"nitrogen":90,"phosphorus":42,"potassium":43,"temperature":20.8,"humidity":82,"ph":6.5,"rainfall":202.9}`)
	_, port, err := net.SplitHostPort(rt.Addr())
	if err != nil {
		t.Fatalf("split addr %q: %v", rt.Addr(), err)
	}
	resp, err := http.Post("http://127.0.0.1:"+port+"/predict", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /predict: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["success"] != true || payload["crop"] != "Rice" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if payload["temperature"] != 20.8 || payload["ph"] != 6.5 {
		t.Fatalf("expected inputs echoed, got %v", payload)
	}

	cancel()
	if err := rt.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestRuntimeMissingArtifactsServeUnavailableMessage(t *testing.T) {
	cfg := testConfig()
	cfg.Artifacts.Dir = t.TempDir()
	cfg.Artifacts.Model = "forest.json"

	rt, err := New(cfg)
	if err != nil {
		t.Fatalf("runtime.New: %v", err)
	}
	defer rt.Close()

	body := []byte(`{"nitrogen":1,"phosphorus":1,"potassium":1,"temperature":1,"humidity":1,"ph":1,"rainfall":1}`)
	req, _ := http.NewRequest(http.MethodPost, "/predict", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := "Model files not found. Please ensure forest.json, scaler.json, and label_encoder.json are in the artifacts directory."
	if payload["success"] != false || payload["error"] != want {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func testConfig() advisorconfig.Config {
	cfg := advisorconfig.Default()
	cfg.HTTP.Port = 0
	return cfg
}
