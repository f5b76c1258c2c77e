// Package config loads, validates, and normalises advisor configuration.
//
// It supports layered YAML files, an optional .env file, and environment
// variable overrides, and is shared by the runtime and CLI.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8080
	defaultShutdownTimeout  = 15 * time.Second
	defaultMaxBodyBytes     = 1 << 20
	defaultArtifactsDir     = "."
	defaultModelFile        = "model.json"
	defaultScalerFile       = "scaler.json"
	defaultLabelEncoderFile = "label_encoder.json"
	defaultONNXInputName    = "float_input"
	defaultONNXOutputName   = "output_label"
	defaultRequiredScope    = "crop.predict"
	defaultRateLimitWindow  = 60 * time.Second
	defaultRateLimitMax     = 120
	defaultMetricsEnabled   = true
	defaultMetricsNamespace = "crop_advisor"
	defaultLogLevel         = "info"
	defaultLogMaxSizeMB     = 100
	defaultAdminListen      = "127.0.0.1:9090"

	// ConfigEnvVar names the environment variable holding an extra config path.
	ConfigEnvVar = "ADVISOR_CONFIG"

	envPort               = "PORT"
	envShutdownTimeout    = "SHUTDOWN_TIMEOUT_MS"
	envMaxBodyBytes       = "MAX_BODY_BYTES"
	envGitSHA             = "GIT_SHA"
	envArtifactsDir       = "ARTIFACTS_DIR"
	envModelFile          = "MODEL_FILE"
	envScalerFile         = "SCALER_FILE"
	envLabelEncoderFile   = "LABEL_ENCODER_FILE"
	envONNXLibrary        = "ONNXRUNTIME_LIB"
	envJWTSecret          = "JWT_SECRET"
	envJWTAudience        = "JWT_AUDIENCE"
	envJWTIssuer          = "JWT_ISSUER"
	envJWTScope           = "JWT_REQUIRED_SCOPE"
	envCorsAllowedOrigins = "CORS_ALLOWED_ORIGINS"
	envRateLimitWindow    = "RATE_LIMIT_WINDOW_MS"
	envRateLimitMax       = "RATE_LIMIT_MAX"
	envRateLimitTrustXFF  = "RATE_LIMIT_TRUST_FORWARDED_FOR"
	envMetricsEnabled     = "METRICS_ENABLED"
	envMetricsNamespace   = "METRICS_NAMESPACE"
	envLogLevel           = "LOG_LEVEL"
	envLogFile            = "LOG_FILE"
	envAdminEnabled       = "ADMIN_ENABLED"
	envAdminListen        = "ADMIN_LISTEN"
	envAdminToken         = "ADMIN_TOKEN"
	envAdminAllow         = "ADMIN_ALLOW"
)

// Config captures runtime configuration for the advisor service.
type Config struct {
	Version   string          `yaml:"version" json:"version"`
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Artifacts ArtifactsConfig `yaml:"artifacts" json:"artifacts"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
}

// HTTPConfig configures listener behaviour.
type HTTPConfig struct {
	Port            int      `yaml:"port" json:"port"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	MaxBodyBytes    int64    `yaml:"maxBodyBytes" json:"maxBodyBytes"`
}

// ArtifactsConfig locates the model, scaler, and label encoder files.
type ArtifactsConfig struct {
	Dir          string     `yaml:"dir" json:"dir"`
	Model        string     `yaml:"model" json:"model"`
	Scaler       string     `yaml:"scaler" json:"scaler"`
	LabelEncoder string     `yaml:"labelEncoder" json:"labelEncoder"`
	ONNX         ONNXConfig `yaml:"onnx" json:"onnx"`
}

// ONNXConfig applies when the model file is an ONNX graph.
type ONNXConfig struct {
	LibraryPath string `yaml:"libraryPath" json:"libraryPath"`
	InputName   string `yaml:"inputName" json:"inputName"`
	OutputName  string `yaml:"outputName" json:"outputName"`
}

// AuthConfig captures JWT validation settings. An empty secret disables auth.
type AuthConfig struct {
	Secret        string   `yaml:"secret" json:"secret,omitempty"`
	Audiences     []string `yaml:"audiences" json:"audiences"`
	Issuer        string   `yaml:"issuer" json:"issuer"`
	RequiredScope string   `yaml:"requiredScope" json:"requiredScope"`
}

// Enabled reports whether bearer tokens are required on /predict.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.Secret) != ""
}

// CORSConfig captures allowed origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins"`
}

// RateLimitConfig captures throttling settings applied at the edge.
type RateLimitConfig struct {
	Window Duration `yaml:"window" json:"window"`
	Max    int      `yaml:"max" json:"max"`
	// Keys clients on X-Forwarded-For instead of the peer address.
	TrustForwardedFor bool `yaml:"trustForwardedFor" json:"trustForwardedFor"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	Namespace         string `yaml:"namespace" json:"namespace"`
	RuntimeCollectors bool   `yaml:"runtimeCollectors" json:"runtimeCollectors"`
}

// LogConfig controls log level and optional rotating file output.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// AdminConfig controls the admin listener.
type AdminConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Listen  string   `yaml:"listen" json:"listen"`
	Token   string   `yaml:"token" json:"token,omitempty"`
	Allow   []string `yaml:"allow" json:"allow"`
}

// Duration is a YAML-friendly wrapper over time.Duration supporting numeric millisecond inputs.
type Duration time.Duration

// AsDuration returns the underlying time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.AsDuration().String(), nil
}

// MarshalText encodes the duration as a string for JSON output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.AsDuration().String()), nil
}

// UnmarshalYAML decodes scalar duration values from either Go duration strings or millisecond integers.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		txt := strings.TrimSpace(value.Value)
		if txt == "" {
			*d = Duration(0)
			return nil
		}
		if ms, err := strconv.Atoi(txt); err == nil {
			if ms < 0 {
				return fmt.Errorf("duration must be non-negative, got %d", ms)
			}
			*d = Duration(time.Duration(ms) * time.Millisecond)
			return nil
		}
		parsed, err := time.ParseDuration(txt)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", txt, err)
		}
		if parsed < 0 {
			return fmt.Errorf("duration must be non-negative, got %s", parsed)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// DurationFrom constructs a Duration from a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return Duration(d)
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Version: os.Getenv(envGitSHA),
		HTTP: HTTPConfig{
			Port:            defaultPort,
			ShutdownTimeout: DurationFrom(defaultShutdownTimeout),
			MaxBodyBytes:    defaultMaxBodyBytes,
		},
		Artifacts: ArtifactsConfig{
			Dir:          defaultArtifactsDir,
			Model:        defaultModelFile,
			Scaler:       defaultScalerFile,
			LabelEncoder: defaultLabelEncoderFile,
			ONNX: ONNXConfig{
				InputName:  defaultONNXInputName,
				OutputName: defaultONNXOutputName,
			},
		},
		Auth: AuthConfig{
			RequiredScope: defaultRequiredScope,
		},
		RateLimit: RateLimitConfig{
			Window: DurationFrom(defaultRateLimitWindow),
			Max:    defaultRateLimitMax,
		},
		Metrics: MetricsConfig{
			Enabled:           defaultMetricsEnabled,
			Namespace:         defaultMetricsNamespace,
			RuntimeCollectors: true,
		},
		Log: LogConfig{
			Level:     defaultLogLevel,
			MaxSizeMB: defaultLogMaxSizeMB,
		},
		Admin: AdminConfig{
			Listen: defaultAdminListen,
		},
	}
}

// Option customises the load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	paths     []string
	dotenv    []string
	lookupEnv func(string) (string, bool)
}

// WithPath adds a YAML config path to attempt loading.
func WithPath(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.paths = append(o.paths, path)
		}
	}
}

// WithDotEnv adds a .env file whose values apply when the real environment
// does not already define them. Missing files are skipped.
func WithDotEnv(path string) Option {
	return func(o *loaderOptions) {
		if strings.TrimSpace(path) != "" {
			o.dotenv = append(o.dotenv, path)
		}
	}
}

// WithLookupEnv overrides the environment lookup function (useful for tests).
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *loaderOptions) {
		o.lookupEnv = fn
	}
}

// Load builds a Config from defaults, YAML files, .env files, and environment
// overrides (in that order).
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		lookupEnv: os.LookupEnv,
	}
	if envPath := strings.TrimSpace(os.Getenv(ConfigEnvVar)); envPath != "" {
		options.paths = append(options.paths, envPath)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	cfg := Default()

	for _, path := range options.paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return cfg, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %q: %w", path, err)
		}
	}

	lookup, err := withDotEnv(options.lookupEnv, options.dotenv)
	if err != nil {
		return cfg, err
	}

	if err := applyEnvOverrides(&cfg, lookup); err != nil {
		return cfg, err
	}

	if err := cfg.normalize(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func withDotEnv(lookup func(string) (string, bool), paths []string) (func(string) (string, bool), error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	values := make(map[string]string)
	for _, path := range paths {
		env, err := godotenv.Read(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			continue
		case err != nil:
			return nil, fmt.Errorf("read env file %q: %w", path, err)
		}
		for key, value := range env {
			values[key] = value
		}
	}
	if len(values) == 0 {
		return lookup, nil
	}

	return func(key string) (string, bool) {
		if val, ok := lookup(key); ok {
			return val, true
		}
		val, ok := values[key]
		return val, ok
	}, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	str := func(key string, dst *string) {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			*dst = strings.TrimSpace(val)
		}
	}
	boolean := func(key string, dst *bool) error {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			parsed, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = parsed
		}
		return nil
	}

	if val, ok := lookup(envPort); ok && strings.TrimSpace(val) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || port <= 0 {
			return fmt.Errorf("invalid %s value: %s", envPort, val)
		}
		cfg.HTTP.Port = port
	}

	if val, ok := lookup(envShutdownTimeout); ok && strings.TrimSpace(val) != "" {
		timeout, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envShutdownTimeout, err)
		}
		cfg.HTTP.ShutdownTimeout = DurationFrom(timeout)
	}

	if val, ok := lookup(envMaxBodyBytes); ok && strings.TrimSpace(val) != "" {
		limit, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid %s: %s", envMaxBodyBytes, val)
		}
		cfg.HTTP.MaxBodyBytes = limit
	}

	str(envGitSHA, &cfg.Version)
	str(envArtifactsDir, &cfg.Artifacts.Dir)
	str(envModelFile, &cfg.Artifacts.Model)
	str(envScalerFile, &cfg.Artifacts.Scaler)
	str(envLabelEncoderFile, &cfg.Artifacts.LabelEncoder)
	str(envONNXLibrary, &cfg.Artifacts.ONNX.LibraryPath)

	str(envJWTSecret, &cfg.Auth.Secret)
	if val, ok := lookup(envJWTAudience); ok && strings.TrimSpace(val) != "" {
		cfg.Auth.Audiences = splitAndTrim(val)
	}
	str(envJWTIssuer, &cfg.Auth.Issuer)
	str(envJWTScope, &cfg.Auth.RequiredScope)

	if val, ok := lookup(envCorsAllowedOrigins); ok && strings.TrimSpace(val) != "" {
		cfg.CORS.AllowedOrigins = splitAndTrim(val)
	}

	if val, ok := lookup(envRateLimitWindow); ok && strings.TrimSpace(val) != "" {
		window, err := parsePositiveDurationMillis(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envRateLimitWindow, err)
		}
		cfg.RateLimit.Window = DurationFrom(window)
	}

	if val, ok := lookup(envRateLimitMax); ok && strings.TrimSpace(val) != "" {
		max, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || max <= 0 {
			return fmt.Errorf("invalid %s: %s", envRateLimitMax, val)
		}
		cfg.RateLimit.Max = max
	}

	if err := boolean(envRateLimitTrustXFF, &cfg.RateLimit.TrustForwardedFor); err != nil {
		return err
	}

	if err := boolean(envMetricsEnabled, &cfg.Metrics.Enabled); err != nil {
		return err
	}
	str(envMetricsNamespace, &cfg.Metrics.Namespace)

	str(envLogLevel, &cfg.Log.Level)
	str(envLogFile, &cfg.Log.File)

	if err := boolean(envAdminEnabled, &cfg.Admin.Enabled); err != nil {
		return err
	}
	str(envAdminListen, &cfg.Admin.Listen)
	str(envAdminToken, &cfg.Admin.Token)
	if val, ok := lookup(envAdminAllow); ok && strings.TrimSpace(val) != "" {
		cfg.Admin.Allow = splitAndTrim(val)
	}

	return nil
}

// normalize fills in defaults that may be missing after YAML/env overrides.
func (cfg *Config) normalize() error {
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = defaultPort
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		cfg.HTTP.ShutdownTimeout = DurationFrom(defaultShutdownTimeout)
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}
	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		cfg.Artifacts.Dir = defaultArtifactsDir
	}
	if strings.TrimSpace(cfg.Artifacts.Model) == "" {
		cfg.Artifacts.Model = defaultModelFile
	}
	if strings.TrimSpace(cfg.Artifacts.Scaler) == "" {
		cfg.Artifacts.Scaler = defaultScalerFile
	}
	if strings.TrimSpace(cfg.Artifacts.LabelEncoder) == "" {
		cfg.Artifacts.LabelEncoder = defaultLabelEncoderFile
	}
	if strings.TrimSpace(cfg.Artifacts.ONNX.InputName) == "" {
		cfg.Artifacts.ONNX.InputName = defaultONNXInputName
	}
	if strings.TrimSpace(cfg.Artifacts.ONNX.OutputName) == "" {
		cfg.Artifacts.ONNX.OutputName = defaultONNXOutputName
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		cfg.RateLimit.Window = DurationFrom(defaultRateLimitWindow)
	}
	if cfg.RateLimit.Max <= 0 {
		cfg.RateLimit.Max = defaultRateLimitMax
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaultLogLevel
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = defaultLogMaxSizeMB
	}
	if strings.TrimSpace(cfg.Admin.Listen) == "" {
		cfg.Admin.Listen = defaultAdminListen
	}

	return nil
}

// Validate performs semantic validation on the configuration.
func (cfg Config) Validate() error {
	var errs []error

	if cfg.HTTP.Port <= 0 {
		errs = append(errs, fmt.Errorf("http.port must be positive"))
	}
	if cfg.HTTP.ShutdownTimeout.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdownTimeout must be positive"))
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.maxBodyBytes must be positive"))
	}

	files := map[string]string{
		"artifacts.model":        cfg.Artifacts.Model,
		"artifacts.scaler":       cfg.Artifacts.Scaler,
		"artifacts.labelEncoder": cfg.Artifacts.LabelEncoder,
	}
	seen := make(map[string]string, len(files))
	for _, key := range []string{"artifacts.model", "artifacts.scaler", "artifacts.labelEncoder"} {
		name := strings.TrimSpace(files[key])
		if name == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", key))
			continue
		}
		clean := filepath.Clean(name)
		if other, ok := seen[clean]; ok {
			errs = append(errs, fmt.Errorf("%s and %s refer to the same file %s", other, key, name))
			continue
		}
		seen[clean] = key
	}

	if cfg.Auth.Enabled() && len(cfg.Auth.Secret) < 16 {
		errs = append(errs, fmt.Errorf("auth.secret must be at least 16 characters"))
	}

	if cfg.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.max must be positive"))
	}
	if cfg.RateLimit.Window.AsDuration() <= 0 {
		errs = append(errs, fmt.Errorf("rateLimit.window must be positive"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", cfg.Log.Level))
	}

	if cfg.Admin.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Admin.Listen); err != nil {
			errs = append(errs, fmt.Errorf("admin.listen invalid: %w", err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets removed, suitable for display.
func (cfg Config) Redacted() Config {
	out := cfg
	if out.Auth.Secret != "" {
		out.Auth.Secret = "[redacted]"
	}
	if out.Admin.Token != "" {
		out.Admin.Token = "[redacted]"
	}
	out.Auth.Audiences = append([]string(nil), cfg.Auth.Audiences...)
	out.CORS.AllowedOrigins = append([]string(nil), cfg.CORS.AllowedOrigins...)
	out.Admin.Allow = append([]string(nil), cfg.Admin.Allow...)
	return out
}

func parsePositiveDurationMillis(value string) (time.Duration, error) {
	ms, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, fmt.Errorf("value must be positive: %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitAndTrim(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == ';'
	})
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
