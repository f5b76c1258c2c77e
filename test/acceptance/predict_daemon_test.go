package acceptance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
)

const (
	secret   = "acceptance-secret-value"
	issuer   = "acceptance"
	audience = "crop-advisor"
)

const riceRequest = `{"nitrogen":90,"phosphorus":42,"potassium":43,"temperature":20.8,"humidity":82,"ph":6.5,"rainfall":202.9}`

func TestAdvisorDaemon_PredictAndReadiness(t *testing.T) {
	// These acceptance tests exercise the compiled CLI and managed daemon,
	// so keep them serial to avoid port clashes and expensive rebuilds.
	root := repoRoot(t)
	port := freePort(t)
	cfg := buildAcceptanceConfig(port, filepath.Join(root, "internal", "artifact", "testdata"))
	baseURL := startDaemon(t, root, cfg)

	waitForStatus(t, baseURL+"/readyz", http.StatusOK, 10*time.Second)
	t.Log("advisor reported ready")

	client := &http.Client{Timeout: 5 * time.Second}

	// No token: rejected at the edge before prediction.
	res := postPredict(t, client, baseURL, "", riceRequest)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", res.StatusCode)
	}
	res.Body.Close()

	// Token without the prediction scope.
	res = postPredict(t, client, baseURL, issueToken(t, []string{"crop.read"}), riceRequest)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without scope, got %d", res.StatusCode)
	}
	res.Body.Close()

	token := issueToken(t, []string{advisorconfig.Default().Auth.RequiredScope})

	res = postPredict(t, client, baseURL, token, riceRequest)
	payload := decodePayload(t, res)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", res.StatusCode, payload)
	}
	if payload["success"] != true || payload["crop"] != "Rice" {
		t.Fatalf("unexpected prediction payload: %v", payload)
	}
	if payload["temperature"] != 20.8 || payload["ph"] != 6.5 {
		t.Fatalf("expected inputs echoed, got %v", payload)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Errorf("expected X-Request-Id header to be set")
	}

	// Invalid input still answers 200 with success=false.
	res = postPredict(t, client, baseURL, token, `{"nitrogen":"abc"}`)
	payload = decodePayload(t, res)
	if res.StatusCode != http.StatusOK || payload["success"] != false {
		t.Fatalf("expected failure payload with 200, got %d %v", res.StatusCode, payload)
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Fatalf("expected error message, got %v", payload)
	}

	metricsRes, err := client.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer metricsRes.Body.Close()
	metricsBody, _ := io.ReadAll(metricsRes.Body)
	for _, want := range []string{
		`crop_advisor_predictions_total{outcome="success"} 1`,
		`crop_advisor_predictions_total{outcome="invalid_input"} 1`,
		`crop_advisor_recommended_crops_total{crop="Rice"} 1`,
	} {
		if !strings.Contains(string(metricsBody), want) {
			t.Errorf("expected metric %q in output", want)
		}
	}
}

func TestAdvisorDaemon_MissingArtifactsDegrade(t *testing.T) {
	root := repoRoot(t)
	port := freePort(t)
	cfg := buildAcceptanceConfig(port, t.TempDir())
	cfg.Auth = advisorconfig.AuthConfig{}
	baseURL := startDaemon(t, root, cfg)

	waitForStatus(t, baseURL+"/health", http.StatusOK, 10*time.Second)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with missing artifacts, got %d", resp.StatusCode)
	}

	var readiness readinessResponse
	if err := json.NewDecoder(resp.Body).Decode(&readiness); err != nil {
		t.Fatalf("decode readiness response: %v", err)
	}
	if readiness.Status != "degraded" {
		t.Fatalf("expected degraded status, got %s", readiness.Status)
	}
	for _, slot := range readiness.Artifacts {
		if slot.Loaded {
			t.Fatalf("expected no artifact loaded, got %+v", slot)
		}
	}

	res := postPredict(t, client, baseURL, "", riceRequest)
	payload := decodePayload(t, res)
	want := "Model files not found. Please ensure model.json, scaler.json, and label_encoder.json are in the artifacts directory."
	if res.StatusCode != http.StatusOK || payload["success"] != false || payload["error"] != want {
		t.Fatalf("unexpected unavailable payload: %d %v", res.StatusCode, payload)
	}
}

type readinessResponse struct {
	Status    string          `json:"status"`
	Artifacts []readinessSlot `json:"artifacts"`
}

type readinessSlot struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

func startDaemon(t *testing.T, root string, cfg advisorconfig.Config) string {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "advisor.yaml")
	pidPath := filepath.Join(dir, "advisor.pid")
	logPath := filepath.Join(dir, "advisor.log")

	writeYAML(t, configPath, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	startCmd := exec.CommandContext(ctx,
		"go", "run", "./cmd/advisor",
		"daemon", "start",
		"--config", configPath,
		"--pid", pidPath,
		"--log", logPath,
		"--background",
	)
	startCmd.Dir = root
	startCmd.Env = os.Environ()
	startCmd.Stdout = os.Stdout
	startCmd.Stderr = os.Stderr
	if err := startCmd.Run(); err != nil {
		t.Fatalf("daemon start failed: %v", err)
	}
	t.Log("daemon start command completed")

	t.Cleanup(func() {
		stopCmd := exec.Command("go", "run", "./cmd/advisor", "daemon", "stop", "--pid", pidPath, "--wait", "5s")
		stopCmd.Dir = root
		stopCmd.Env = os.Environ()
		_, _ = stopCmd.CombinedOutput()
	})

	return fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
}

func postPredict(t *testing.T, client *http.Client, baseURL, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/predict", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("predict request failed: %v", err)
	}
	return res
}

func decodePayload(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func buildAcceptanceConfig(port int, artifactsDir string) advisorconfig.Config {
	cfg := advisorconfig.Default()
	cfg.HTTP.Port = port
	cfg.HTTP.ShutdownTimeout = advisorconfig.DurationFrom(5 * time.Second)
	cfg.Artifacts.Dir = artifactsDir
	cfg.Auth.Secret = secret
	cfg.Auth.Issuer = issuer
	cfg.Auth.Audiences = []string{audience}
	cfg.RateLimit.Window = advisorconfig.DurationFrom(30 * time.Second)
	cfg.RateLimit.Max = 100
	cfg.Metrics.Enabled = true
	cfg.Admin.Enabled = false
	return cfg
}

func writeYAML(t *testing.T, path string, cfg advisorconfig.Config) {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitForStatus(t *testing.T, url string, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastStatus int
	var lastErr error
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == want {
				return
			}
			lastStatus = resp.StatusCode
			lastErr = nil
		} else {
			lastErr = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("%s did not return %d within %s (last error: %v)", url, want, timeout, lastErr)
	}
	t.Fatalf("%s did not return %d within %s (last status: %d)", url, want, timeout, lastStatus)
}

func issueToken(t *testing.T, scopes []string) string {
	t.Helper()
	claims := struct {
		jwt.RegisteredClaims
		Scopes []string `json:"scp"`
	}{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  []string{audience},
			Subject:   "acceptance-user",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if dir == "" || dir == "/" {
			t.Fatalf("unable to locate repo root containing go.mod")
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}
}
