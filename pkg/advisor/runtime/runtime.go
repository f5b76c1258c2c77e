// Package runtime composes configuration, the artifact bundle, and the HTTP
// server into a controllable lifecycle for the CLI or an embedding service.
// It exposes helpers to start, wait, reload, and shut down the advisor.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
	"github.com/theroutercompany/crop_advisor/internal/platform/health"
	"github.com/theroutercompany/crop_advisor/internal/predict"
	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	advisormetrics "github.com/theroutercompany/crop_advisor/pkg/advisor/metrics"
	advisorserver "github.com/theroutercompany/crop_advisor/pkg/advisor/server"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

var (
	// ErrAlreadyRunning indicates the runtime is already serving requests.
	ErrAlreadyRunning = errors.New("runtime already running")
	// ErrNotRunning indicates the runtime has not been started yet.
	ErrNotRunning = errors.New("runtime not running")
	// ErrReloadWhileRunning is returned when attempting to reload while serving.
	ErrReloadWhileRunning = errors.New("cannot reload runtime while it is running")
)

// Runtime orchestrates the HTTP server lifecycle around one artifact bundle.
// The bundle is loaded once and survives reloads.
type Runtime struct {
	mu sync.Mutex

	cfg        advisorconfig.Config
	bundle     *artifact.Bundle
	ownsBundle bool
	predictor  *predict.Predictor
	server     *advisorserver.Server
	checker    *health.Checker
	registry   *advisormetrics.Registry
	reloadFn   func() (advisorconfig.Config, error)
	adminGuard adminGuard
	bootTime   time.Time
	logger     pkglog.Logger

	cancel     context.CancelFunc
	errCh      chan error
	addr       string
	adminSrv   *http.Server
	adminErrCh chan error
	adminAddr  string
}

// Option customises runtime behaviour.
type Option func(*Runtime)

// WithReloadFunc registers a callback invoked by the admin server when a reload is requested.
func WithReloadFunc(fn func() (advisorconfig.Config, error)) Option {
	return func(r *Runtime) {
		r.reloadFn = fn
	}
}

// WithLogger overrides the logger used by the runtime and underlying server.
func WithLogger(logger pkglog.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBundle serves an already constructed bundle instead of loading one
// from the configured artifact files. The caller keeps ownership of it.
func WithBundle(bundle *artifact.Bundle) Option {
	return func(r *Runtime) {
		if bundle != nil {
			r.bundle = bundle
		}
	}
}

// New loads the artifacts (unless supplied) and constructs a runtime from the
// provided configuration. Missing artifacts do not fail construction; the
// service then answers every prediction with the unavailable message.
func New(cfg advisorconfig.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:        cfg,
		adminGuard: newAdminGuard(cfg.Admin),
		bootTime:   time.Now(),
		logger:     pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}

	if rt.logger == nil {
		rt.logger = pkglog.Shared()
	}

	if rt.bundle == nil {
		rt.bundle = artifact.Load(cfg.Artifacts.Options(), rt.logger)
		rt.ownsBundle = true
	}

	model, scaler, encoder := cfg.Artifacts.Options().FileNames()
	rt.predictor = predict.New(rt.bundle, model, scaler, encoder)

	comps, err := rt.buildComponents(cfg)
	if err != nil {
		return nil, err
	}

	rt.server = comps.server
	rt.checker = comps.checker
	rt.registry = comps.registry

	return rt, nil
}

// Start begins serving in the background until the supplied context is cancelled or Shutdown is called.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrAlreadyRunning
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ln, err := net.Listen("tcp", r.server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.server.Addr(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.addr = ln.Addr().String()
	r.errCh = make(chan error, 1)

	srv := r.server
	go func() {
		err := srv.Serve(runCtx, ln)
		r.errCh <- err
		close(r.errCh)
	}()

	if r.cfg.Admin.Enabled {
		if err := r.startAdminServer(runCtx); err != nil {
			r.logger.Errorw("admin server failed to start", "error", err, "listen", r.cfg.Admin.Listen)
		}
	} else {
		r.adminAddr = ""
	}

	return nil
}

// Wait blocks until the runtime stops and returns the terminal error, normalising context cancellation to nil.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	errCh := r.errCh
	adminErrCh := r.adminErrCh
	r.mu.Unlock()

	if errCh == nil {
		return ErrNotRunning
	}

	var err error
	select {
	case err = <-errCh:
	case adminErr := <-adminErrCh:
		if adminErr != nil && !errors.Is(adminErr, http.ErrServerClosed) {
			r.logger.Errorw("admin server stopped with error", "error", adminErr)
		}
		err = <-errCh
	}

	if errors.Is(err, context.Canceled) {
		err = nil
	}

	r.mu.Lock()
	r.errCh = nil
	r.addr = ""
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.adminSrv != nil {
		_ = r.adminSrv.Shutdown(context.Background())
	}
	r.adminSrv = nil
	r.adminErrCh = nil
	r.adminAddr = ""
	r.mu.Unlock()

	return err
}

// Run starts the runtime and waits for completion.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	return r.Wait()
}

// Shutdown gracefully stops the runtime if it is running.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil || r.errCh == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if r.cancel != nil {
		r.cancel()
	}

	if r.adminSrv != nil {
		_ = r.adminSrv.Shutdown(ctx)
		r.adminSrv = nil
		r.adminErrCh = nil
	}

	return r.server.Shutdown(ctx)
}

// Reload rebuilds the HTTP edge using the supplied configuration. The runtime
// must not be running. The artifact bundle is kept: changes to the artifacts
// section take effect only on restart.
func (r *Runtime) Reload(cfg advisorconfig.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.errCh != nil {
		return ErrReloadWhileRunning
	}

	if !reflect.DeepEqual(cfg.Artifacts, r.cfg.Artifacts) {
		r.logger.Warnw("artifact settings changed; restart to load new artifacts",
			"dir", cfg.Artifacts.Dir, "model", cfg.Artifacts.Model)
	}

	comps, err := r.buildComponents(cfg)
	if err != nil {
		return err
	}

	r.cfg = cfg
	r.server = comps.server
	r.checker = comps.checker
	r.registry = comps.registry
	r.adminGuard = newAdminGuard(cfg.Admin)

	return nil
}

// Close releases resources held by a bundle the runtime loaded itself.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ownsBundle {
		r.bundle.Close()
	}
}

// Config returns the runtime's current configuration.
func (r *Runtime) Config() advisorconfig.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Bundle returns the artifact bundle served by the runtime.
func (r *Runtime) Bundle() *artifact.Bundle {
	return r.bundle
}

// Addr returns the bound HTTP address while running.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Handler returns the HTTP handler of the current server, for in-process use.
func (r *Runtime) Handler() http.Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server.Handler()
}

type components struct {
	server   *advisorserver.Server
	checker  *health.Checker
	registry *advisormetrics.Registry
}

func (r *Runtime) buildComponents(cfg advisorconfig.Config) (components, error) {
	if r.predictor == nil {
		return components{}, errors.New("predictor not initialised")
	}

	checker := health.NewChecker(r.bundle)

	var (
		registry    *advisormetrics.Registry
		predictions *advisormetrics.Predictions
	)
	if cfg.Metrics.Enabled {
		registry = advisormetrics.NewRegistry(cfg.Metrics.Options(cfg.Version))
		predictions = advisormetrics.NewPredictions(registry)
		predictions.SetArtifacts(r.bundle.Statuses())
	}

	srv := advisorserver.New(cfg, r.predictor, checker, registry,
		advisorserver.WithLogger(r.logger),
		advisorserver.WithPredictionMetrics(predictions),
	)
	return components{server: srv, checker: checker, registry: registry}, nil
}
