// Package daemon supervises a background advisor process through a PID file.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	advisorruntime "github.com/theroutercompany/crop_advisor/pkg/advisor/runtime"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

// ErrArtifactsUnavailable is returned by Run when RequireArtifacts is set and
// the model, scaler or label encoder failed to load.
var ErrArtifactsUnavailable = errors.New("artifacts unavailable")

// Options configure a daemon run.
type Options struct {
	ConfigPath string
	PIDFile    string
	// LogFile overrides log.file from the configuration.
	LogFile string
	// RequireArtifacts refuses to serve a degraded advisor.
	RequireArtifacts bool
}

// Run claims the pid file, loads configuration and artifacts, and serves
// until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	pidFile := PIDFile(opts.PIDFile)
	release, err := pidFile.Acquire()
	if err != nil {
		return err
	}
	defer release()

	var loadOpts []advisorconfig.Option
	if path := strings.TrimSpace(opts.ConfigPath); path != "" {
		loadOpts = append(loadOpts, advisorconfig.WithPath(path))
	}
	cfg, err := advisorconfig.Load(loadOpts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, syncLog, err := pkglog.New(logOptions(cfg, opts.LogFile))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = syncLog() }()

	rt, err := advisorruntime.New(cfg, advisorruntime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	available := rt.Bundle().Available()
	if opts.RequireArtifacts && !available {
		return fmt.Errorf("%w in %s", ErrArtifactsUnavailable, cfg.Artifacts.Dir)
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}
	logger.Infow("advisor daemon serving",
		"pid", os.Getpid(),
		"pidFile", pidFile.path(),
		"listen", rt.Addr(),
		"artifactsAvailable", available,
	)
	return rt.Wait()
}

func logOptions(cfg advisorconfig.Config, logFile string) pkglog.Options {
	opts := cfg.Log.Options()
	if path := strings.TrimSpace(logFile); path != "" {
		opts.File = path
	}
	return opts
}
