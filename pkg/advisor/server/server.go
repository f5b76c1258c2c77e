// Package server exposes the HTTP surface of the advisor: the prediction
// endpoint, health and readiness checks, the OpenAPI document, and metrics,
// wrapped in the edge middleware chain.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/theroutercompany/crop_advisor/internal/openapi"
	"github.com/theroutercompany/crop_advisor/internal/platform/health"
	"github.com/theroutercompany/crop_advisor/internal/predict"
	advisorauth "github.com/theroutercompany/crop_advisor/pkg/advisor/auth"
	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	advisormetrics "github.com/theroutercompany/crop_advisor/pkg/advisor/metrics"
	advisorproblem "github.com/theroutercompany/crop_advisor/pkg/advisor/problem"
	advisormiddleware "github.com/theroutercompany/crop_advisor/pkg/advisor/server/middleware"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

// Recommender answers prediction requests from raw JSON bodies.
type Recommender interface {
	Recommend(body []byte) (predict.Recommendation, error)
}

type readinessReporter interface {
	Readiness(ctx context.Context) health.Report
}

// Option configures optional server dependencies.
type Option func(*Server)

// WithOpenAPIProvider overrides the default OpenAPI document provider.
func WithOpenAPIProvider(provider openapi.DocumentProvider) Option {
	return func(s *Server) {
		s.openapiProvider = provider
	}
}

// WithLogger overrides the logger used by the server. Defaults to the shared logger.
func WithLogger(logger pkglog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPredictionMetrics records prediction outcomes on the given collectors
// instead of registering new ones.
func WithPredictionMetrics(p *advisormetrics.Predictions) Option {
	return func(s *Server) {
		s.predictions = p
	}
}

// Server coordinates HTTP routes and lifecycle hooks.
type Server struct {
	cfg             advisorconfig.Config
	router          *http.ServeMux
	httpServer      *http.Server
	handler         http.Handler
	recommender     Recommender
	healthChecker   readinessReporter
	bootTime        time.Time
	metricsHandler  http.Handler
	verifier        *advisorauth.Verifier
	authErr         error
	rateLimiter     *rateLimiter
	cors            *cors.Cors
	openapiProvider openapi.DocumentProvider
	httpMetrics     *httpMetrics
	predictions     *advisormetrics.Predictions
	logger          pkglog.Logger
}

// New constructs a server around the given recommender and readiness checker.
// A nil registry disables /metrics.
func New(cfg advisorconfig.Config, recommender Recommender, checker readinessReporter, registry *advisormetrics.Registry, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		cfg:           cfg,
		router:        mux,
		recommender:   recommender,
		healthChecker: checker,
		bootTime:      time.Now().UTC(),
		rateLimiter:   newRateLimiter(cfg.RateLimit.Window.AsDuration(), cfg.RateLimit.Max),
		cors:          buildCORS(cfg.CORS.AllowedOrigins),
		logger:        pkglog.Shared(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.logger == nil {
		s.logger = pkglog.Shared()
	}

	if registry != nil && cfg.Metrics.Enabled {
		s.metricsHandler = registry.Handler()
		s.httpMetrics = newHTTPMetrics(registry)
		if s.predictions == nil {
			s.predictions = advisormetrics.NewPredictions(registry)
		}
	}

	if cfg.Auth.Enabled() {
		s.verifier, s.authErr = advisorauth.NewVerifier(cfg.Auth)
		if s.authErr != nil {
			s.logger.Errorw("failed to initialize token verifier", "error", s.authErr)
		}
	}

	if s.openapiProvider == nil {
		s.openapiProvider = openapi.NewService(openapi.WithVersion(cfg.Version))
	}

	s.mountRoutes()

	handler := http.Handler(mux)
	handler = advisormiddleware.Recover(s.logger, traceIDFromContext, advisorproblem.Write)(handler)
	handler = advisormiddleware.BodyLimit(cfg.HTTP.MaxBodyBytes, traceIDFromContext, advisorproblem.Write)(handler)
	if s.rateLimiter != nil {
		handler = advisormiddleware.RateLimit(
			s.rateLimiter.allow,
			clientKeyFunc(cfg.RateLimit.TrustForwardedFor),
			time.Now,
			traceIDFromContext,
			advisorproblem.Write,
		)(handler)
	}
	if s.cors != nil {
		handler = advisormiddleware.CORS(s.cors, traceIDFromContext, advisorproblem.Write)(handler)
	}
	var tracker advisormiddleware.TrackFunc
	if s.httpMetrics != nil {
		tracker = s.httpMetrics.track
	}
	handler = advisormiddleware.Logging(s.logger, tracker, requestIDFromContext, traceIDFromContext, clientAddress)(handler)
	handler = advisormiddleware.SecurityHeaders()(handler)
	handler = advisormiddleware.RequestMetadata(ensureRequestIDs)(handler)
	http2Server := &http2.Server{}
	handler = h2c.NewHandler(handler, http2Server)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureServer(s.httpServer, http2Server); err != nil {
		s.logger.Errorw("failed to configure http2 server", "error", err)
	}

	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	if s.httpServer == nil {
		return errors.New("http server not initialised")
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled or an error occurs.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTP.ShutdownTimeout.AsDuration())
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Errorw("http server shutdown failed", "error", err)
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			s.logger.Errorw("http server stopped with error", "error", err)
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server using the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) mountRoutes() {
	predictHandler := http.Handler(http.HandlerFunc(s.handlePredict))
	if s.cfg.Auth.Enabled() {
		predictHandler = s.protect(predictHandler)
	}
	s.router.Handle("/predict", predictHandler)
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/readyz", s.handleReadiness)
	s.router.HandleFunc("/readiness", s.handleReadiness)
	if s.openapiProvider != nil {
		s.router.HandleFunc("/openapi.json", s.handleOpenAPI)
	}
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler)
	}
}

// handlePredict answers 200 for every prediction outcome. Only requests
// rejected before inference get a problem response.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	traceID := traceIDFromContext(r.Context())

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		advisorproblem.Write(w, http.StatusMethodNotAllowed, "Method Not Allowed", "Use POST with a JSON body", traceID, r.URL.Path)
		return
	}

	if s.recommender == nil {
		advisorproblem.Write(w, http.StatusServiceUnavailable, "Service Unavailable", "Predictor not configured", traceID, r.URL.Path)
		return
	}

	start := time.Now()

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				advisorproblem.Write(w, http.StatusRequestEntityTooLarge, "Payload Too Large", fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), traceID, r.URL.Path)
				return
			}
			advisorproblem.Write(w, http.StatusBadRequest, "Bad Request", "Unable to read request body", traceID, r.URL.Path)
			return
		}
	}

	rec, err := s.recommender.Recommend(body)
	outcome := predict.Outcome(err)
	s.predictions.Observe(outcome, rec.Crop, time.Since(start))
	if err != nil {
		fields := []any{"outcome", outcome, "error", err, "traceId", traceID}
		if caller, ok := advisorauth.CallerFromContext(r.Context()); ok {
			fields = append(fields, "subject", caller.Subject)
		}
		s.logger.Debugw("prediction failed", fields...)
	}

	writeJSON(w, http.StatusOK, predict.NewResponse(rec, err))
}

func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := traceIDFromContext(r.Context())

		if s.verifier == nil {
			advisorproblem.Write(w, http.StatusServiceUnavailable, "Service Unavailable", "Authentication is not configured", traceID, r.URL.Path)
			return
		}

		caller, err := s.verifier.Verify(r)
		if err != nil {
			s.writeAuthProblem(w, r, err, traceID)
			return
		}

		next.ServeHTTP(w, r.WithContext(advisorauth.WithCaller(r.Context(), caller)))
	})
}

func (s *Server) writeAuthProblem(w http.ResponseWriter, r *http.Request, err error, traceID string) {
	var rejection *advisorauth.Rejection
	if !errors.As(err, &rejection) {
		rejection = &advisorauth.Rejection{Kind: advisorauth.ErrBadCredentials, Reason: err.Error()}
	}
	if rejection.Status() == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	advisorproblem.Write(w, rejection.Status(), rejection.Title(), rejection.Error(), traceID, r.URL.Path)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := struct {
		Status    string  `json:"status"`
		Uptime    float64 `json:"uptime"`
		Timestamp string  `json:"timestamp"`
		Version   string  `json:"version,omitempty"`
	}{
		Status:    "ok",
		Uptime:    time.Since(s.bootTime).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := health.Report{Status: "degraded", CheckedAt: time.Now().UTC()}
	if s.healthChecker != nil {
		report = s.healthChecker.Readiness(r.Context())
	}

	statusCode := http.StatusOK
	if !report.Ready() {
		statusCode = http.StatusServiceUnavailable
	}

	response := struct {
		health.Report
		RequestID string `json:"requestId,omitempty"`
		TraceID   string `json:"traceId,omitempty"`
	}{
		Report:    report,
		RequestID: requestIDFromContext(r.Context()),
		TraceID:   traceIDFromContext(r.Context()),
	}

	writeJSON(w, statusCode, response)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	data, err := s.openapiProvider.Document(r.Context())
	if err != nil {
		advisorproblem.Write(w, http.StatusServiceUnavailable, "OpenAPI Unavailable", err.Error(), traceIDFromContext(r.Context()), r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warnw("failed to write openapi response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clientKeyFunc keys rate limiting on the TCP peer. X-Forwarded-For is only
// honoured when the deployment sits behind a proxy that sets it.
func clientKeyFunc(trustForwarded bool) advisormiddleware.ClientKey {
	return func(r *http.Request) string {
		addr := remoteHost(r)
		if trustForwarded {
			if forwarded := forwardedFor(r); forwarded != "" {
				addr = forwarded
			}
		}
		if addr == "" {
			return "global"
		}
		return addr
	}
}

// clientAddress is the caller as reported in access logs.
func clientAddress(r *http.Request) string {
	if forwarded := forwardedFor(r); forwarded != "" {
		return forwarded
	}
	return remoteHost(r)
}

func forwardedFor(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return ""
	}
	parts := strings.Split(forwarded, ",")
	return strings.TrimSpace(parts[0])
}

func remoteHost(r *http.Request) string {
	if r == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func buildCORS(origins []string) *cors.Cors {
	allowAll := len(origins) == 0

	allowed := make(map[string]struct{})
	for _, origin := range origins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			break
		}
		allowed[o] = struct{}{}
	}

	return cors.New(cors.Options{
		AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"*"},
		ExposedHeaders:       []string{"X-Request-Id", "X-Trace-Id"},
		OptionsSuccessStatus: http.StatusNoContent,
		AllowOriginRequestFunc: func(_ *http.Request, origin string) bool {
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	})
}
