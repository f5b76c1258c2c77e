package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFromEnvSuccess(t *testing.T) {
	t.Setenv("ADVISOR_CONFIG", "")
	t.Setenv("PORT", "9090")
	t.Setenv("SHUTDOWN_TIMEOUT_MS", "7000")
	t.Setenv("MAX_BODY_BYTES", "4096")
	t.Setenv("GIT_SHA", "def456")
	t.Setenv("ARTIFACTS_DIR", "/srv/models")
	t.Setenv("MODEL_FILE", "forest.json")
	t.Setenv("SCALER_FILE", "minmax.json")
	t.Setenv("LABEL_ENCODER_FILE", "labels.json")
	t.Setenv("ONNXRUNTIME_LIB", "/usr/lib/libonnxruntime.so")
	t.Setenv("JWT_SECRET", "supersecret-value")
	t.Setenv("JWT_AUDIENCE", "api, mobile")
	t.Setenv("JWT_ISSUER", "advisor")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "90000")
	t.Setenv("RATE_LIMIT_MAX", "300")
	t.Setenv("RATE_LIMIT_TRUST_FORWARDED_FOR", "true")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ADMIN_ENABLED", "true")
	t.Setenv("ADMIN_LISTEN", "127.0.0.1:0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected successful load, got error: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() != 7*time.Second {
		t.Fatalf("unexpected shutdown timeout: %v", cfg.HTTP.ShutdownTimeout.AsDuration())
	}
	if cfg.HTTP.MaxBodyBytes != 4096 {
		t.Fatalf("unexpected body limit: %d", cfg.HTTP.MaxBodyBytes)
	}
	if cfg.Version != "def456" {
		t.Fatalf("unexpected version: %s", cfg.Version)
	}
	if cfg.Artifacts.Dir != "/srv/models" || cfg.Artifacts.Model != "forest.json" ||
		cfg.Artifacts.Scaler != "minmax.json" || cfg.Artifacts.LabelEncoder != "labels.json" {
		t.Fatalf("unexpected artifacts config: %+v", cfg.Artifacts)
	}
	if cfg.Artifacts.ONNX.LibraryPath != "/usr/lib/libonnxruntime.so" {
		t.Fatalf("unexpected onnx library: %s", cfg.Artifacts.ONNX.LibraryPath)
	}
	if cfg.Metrics.Enabled {
		t.Fatalf("expected metrics enabled override to disable metrics")
	}
	if !cfg.Auth.Enabled() || cfg.Auth.Issuer != "advisor" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if len(cfg.Auth.Audiences) != 2 || cfg.Auth.Audiences[0] != "api" || cfg.Auth.Audiences[1] != "mobile" {
		t.Fatalf("unexpected audiences: %#v", cfg.Auth.Audiences)
	}
	if cfg.Auth.RequiredScope != "crop.predict" {
		t.Fatalf("expected default scope kept, got %s", cfg.Auth.RequiredScope)
	}
	if cfg.RateLimit.Window.AsDuration() != 90*time.Second || cfg.RateLimit.Max != 300 || !cfg.RateLimit.TrustForwardedFor {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected normalised log level, got %s", cfg.Log.Level)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Listen != "127.0.0.1:0" {
		t.Fatalf("unexpected admin config: %+v", cfg.Admin)
	}

	opts := cfg.Artifacts.Options()
	if opts.Path(opts.ModelFile) != filepath.Join("/srv/models", "forest.json") {
		t.Fatalf("unexpected model path: %s", opts.Path(opts.ModelFile))
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
	if cfg.Artifacts.Model != "model.json" || cfg.Artifacts.Scaler != "scaler.json" || cfg.Artifacts.LabelEncoder != "label_encoder.json" {
		t.Fatalf("unexpected default artifact names: %+v", cfg.Artifacts)
	}
}

func TestLoadLayersYAMLThenEnv(t *testing.T) {
	t.Setenv("ADVISOR_CONFIG", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "advisor.yaml")
	doc := `
http:
  port: 7000
  shutdownTimeout: 2500
artifacts:
  dir: ./models
  model: tree.json
rateLimit:
  window: 30s
  max: 10
log:
  level: warn
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	env := map[string]string{"RATE_LIMIT_MAX": "25"}
	cfg, err := Load(WithPath(path), WithLookupEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Port != 7000 {
		t.Fatalf("expected yaml port, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() != 2500*time.Millisecond {
		t.Fatalf("expected millisecond duration, got %v", cfg.HTTP.ShutdownTimeout.AsDuration())
	}
	if cfg.RateLimit.Window.AsDuration() != 30*time.Second {
		t.Fatalf("expected 30s window, got %v", cfg.RateLimit.Window.AsDuration())
	}
	if cfg.RateLimit.Max != 25 {
		t.Fatalf("expected env to override yaml, got %d", cfg.RateLimit.Max)
	}
	if cfg.Artifacts.Model != "tree.json" || cfg.Artifacts.Scaler != "scaler.json" {
		t.Fatalf("unexpected artifacts: %+v", cfg.Artifacts)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("unexpected log level: %s", cfg.Log.Level)
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("PORT=7100\nMODEL_FILE=dotenv.json\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	env := map[string]string{"PORT": "7200"}
	cfg, err := Load(WithDotEnv(envFile), WithLookupEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Port != 7200 {
		t.Fatalf("expected real environment to win, got %d", cfg.HTTP.Port)
	}
	if cfg.Artifacts.Model != "dotenv.json" {
		t.Fatalf("expected .env value applied, got %s", cfg.Artifacts.Model)
	}

	if _, err := Load(WithDotEnv(filepath.Join(dir, "missing.env")), WithLookupEnv(func(string) (string, bool) { return "", false })); err != nil {
		t.Fatalf("expected missing .env to be skipped, got %v", err)
	}
}

func TestLoadValidatesNumericValues(t *testing.T) {
	t.Setenv("ADVISOR_CONFIG", "")
	t.Setenv("PORT", "-1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid PORT")
	}

	t.Setenv("PORT", "8080")
	t.Setenv("SHUTDOWN_TIMEOUT_MS", "-1")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid SHUTDOWN_TIMEOUT_MS")
	}

	t.Setenv("SHUTDOWN_TIMEOUT_MS", "1000")
	t.Setenv("METRICS_ENABLED", "sometimes")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid METRICS_ENABLED")
	}
}

func TestValidateRejectsSharedArtifactFile(t *testing.T) {
	cfg := Default()
	cfg.Artifacts.Scaler = "model.json"

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "same file") {
		t.Fatalf("expected shared file error, got %v", err)
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected short secret rejected")
	}
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Auth.Secret = "supersecret-value"
	cfg.Admin.Token = "admin-token"

	out := cfg.Redacted()
	if out.Auth.Secret != "[redacted]" || out.Admin.Token != "[redacted]" {
		t.Fatalf("expected secrets redacted, got %+v %+v", out.Auth, out.Admin)
	}
	if cfg.Auth.Secret != "supersecret-value" {
		t.Fatalf("expected original config untouched")
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Config{
		HTTP: HTTPConfig{
			Port:            0,
			ShutdownTimeout: DurationFrom(0),
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(0),
			Max:    0,
		},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		t.Fatalf("expected joined error, got %T", err)
	}
	if len(joined.Unwrap()) < 3 {
		t.Fatalf("expected multiple errors, got %d", len(joined.Unwrap()))
	}
}

func TestMetricsOptions(t *testing.T) {
	cfg := Default()
	if !cfg.Metrics.RuntimeCollectors || cfg.Metrics.Namespace != "crop_advisor" {
		t.Fatalf("unexpected metrics defaults: %+v", cfg.Metrics)
	}

	t.Setenv("ADVISOR_CONFIG", "")
	t.Setenv("METRICS_NAMESPACE", "farm")
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := loaded.Metrics.Options("v1")
	if opts.Namespace != "farm" || opts.Version != "v1" || !opts.RuntimeCollectors {
		t.Fatalf("unexpected registry options: %+v", opts)
	}
}
