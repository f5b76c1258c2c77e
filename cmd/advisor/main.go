package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	advisorruntime "github.com/theroutercompany/crop_advisor/pkg/advisor/runtime"
	pkglog "github.com/theroutercompany/crop_advisor/pkg/log"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "init":
		err = initCommand(os.Args[2:])
	case "inspect":
		err = inspectCommand(os.Args[2:])
	case "predict":
		err = predictCommand(os.Args[2:])
	case "daemon":
		err = daemonCommand(os.Args[2:])
	case "admin":
		err = adminCommand(os.Args[2:])
	case "convert-env":
		err = convertEnvCommand(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("advisor %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: advisor <command> [options]\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  run          Start the advisor using the provided config\n")
	fmt.Fprintf(os.Stderr, "  validate     Validate configuration without starting the advisor\n")
	fmt.Fprintf(os.Stderr, "  init         Generate a config skeleton\n")
	fmt.Fprintf(os.Stderr, "  inspect      Load the artifacts and print their status\n")
	fmt.Fprintf(os.Stderr, "  predict      Run one prediction offline and print the response\n")
	fmt.Fprintf(os.Stderr, "  daemon       Manage the advisor as a background process\n")
	fmt.Fprintf(os.Stderr, "  admin        Invoke admin control-plane endpoints (status/config/reload)\n")
	fmt.Fprintf(os.Stderr, "  convert-env  Snapshot environment variables into a YAML config\n")
}

// configArgs holds the flags shared by commands that load configuration.
type configArgs struct {
	path    *string
	envFile *string
}

func configFlags(fs *flag.FlagSet) configArgs {
	return configArgs{
		path:    fs.String("config", "", "Path to advisor configuration file"),
		envFile: fs.String("env-file", "", "Optional .env file layered under the real environment"),
	}
}

func (c configArgs) options() []advisorconfig.Option {
	opts := []advisorconfig.Option{}
	if p := strings.TrimSpace(*c.path); p != "" {
		opts = append(opts, advisorconfig.WithPath(p))
	}
	if p := strings.TrimSpace(*c.envFile); p != "" {
		opts = append(opts, advisorconfig.WithDotEnv(p))
	}
	return opts
}

// watchTarget resolves the file to watch: the --config flag, else ADVISOR_CONFIG.
func (c configArgs) watchTarget() string {
	if p := strings.TrimSpace(*c.path); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(advisorconfig.ConfigEnvVar))
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgArgs := configFlags(fs)
	watch := fs.Bool("watch", false, "Watch the config file for changes and hot-reload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts := cfgArgs.options()

	cfg, err := advisorconfig.Load(opts...)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, syncLog, err := pkglog.New(cfg.Log.Options())
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = syncLog() }()

	reloadRequests := make(chan advisorconfig.Config, 1)
	enqueueReload := func(cfg advisorconfig.Config) {
		select {
		case reloadRequests <- cfg:
		default:
			go func() { reloadRequests <- cfg }()
		}
	}

	reloadFunc := func() (advisorconfig.Config, error) {
		cfg, err := advisorconfig.Load(opts...)
		if err != nil {
			return advisorconfig.Config{}, err
		}
		enqueueReload(cfg)
		return cfg, nil
	}

	rt, err := advisorruntime.New(cfg,
		advisorruntime.WithReloadFunc(reloadFunc),
		advisorruntime.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		watchErrCh  <-chan error
		watchCancel context.CancelFunc
	)
	if *watch {
		path := cfgArgs.watchTarget()
		if path == "" {
			return errors.New("--config (or ADVISOR_CONFIG) is required when --watch is enabled")
		}
		watchReloadCh, errCh, cancelWatch, err := watchConfig(ctx, path, opts)
		if err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
		watchErrCh = errCh
		watchCancel = cancelWatch
		go func() {
			for cfg := range watchReloadCh {
				enqueueReload(cfg)
			}
		}()
	}
	defer func() {
		if watchCancel != nil {
			watchCancel()
		}
	}()

	logger.Infow("advisor starting",
		"port", cfg.HTTP.Port,
		"artifactsDir", cfg.Artifacts.Dir,
		"artifactsAvailable", rt.Bundle().Available(),
	)

	runCtx, runCancel := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() {
		runDone <- rt.Run(runCtx)
	}()

	for {
		select {
		case err := <-runDone:
			runCancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case cfg := <-reloadRequests:
			runCancel()
			if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if err := rt.Reload(cfg); err != nil {
				return fmt.Errorf("reload config: %w", err)
			}
			runCtx, runCancel = context.WithCancel(ctx)
			runDone = make(chan error, 1)
			go func() {
				runDone <- rt.Run(runCtx)
			}()
			logger.Infow("configuration reloaded")
		case err, ok := <-watchErrCh:
			if !ok {
				watchErrCh = nil
				continue
			}
			if err != nil {
				logger.Warnw("config watch error", "error", err)
			}
		case <-ctx.Done():
			runCancel()
		}
	}
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgArgs := configFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := advisorconfig.Load(cfgArgs.options()...); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	fmt.Println("configuration valid")
	return nil
}

func initCommand(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	outputPath := fs.String("path", "advisor.yaml", "Destination path for generated config")
	force := fs.Bool("force", false, "Overwrite existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*outputPath); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", *outputPath)
		}
	}

	if err := os.WriteFile(*outputPath, []byte(sampleConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("configuration written to %s\n", *outputPath)
	return nil
}

func watchConfig(parent context.Context, path string, opts []advisorconfig.Option) (<-chan advisorconfig.Config, <-chan error, context.CancelFunc, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, nil, err
	}
	// Editors often replace files; watching the directory survives renames.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return nil, nil, nil, fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	reloadCh := make(chan advisorconfig.Config)
	errCh := make(chan error, 1)

	go func() {
		defer close(reloadCh)
		defer close(errCh)
		defer watcher.Close()

		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !targetsFile(evt.Name, absPath) {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(200 * time.Millisecond)
			case <-debounce:
				debounce = nil
				cfg, err := advisorconfig.Load(opts...)
				if err != nil {
					sendErr(errCh, err)
					continue
				}
				select {
				case reloadCh <- cfg:
				case <-ctx.Done():
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				sendErr(errCh, err)
			}
		}
	}()

	return reloadCh, errCh, cancel, nil
}

func sendErr(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func targetsFile(eventPath, target string) bool {
	if eventPath == "" {
		return false
	}
	abs, err := filepath.Abs(eventPath)
	if err != nil {
		return false
	}
	return abs == target
}

func convertEnvCommand(args []string) error {
	fs := flag.NewFlagSet("convert-env", flag.ExitOnError)
	cfgArgs := configFlags(fs)
	outputPath := fs.String("output", "", "Destination path for generated YAML (stdout when empty)")
	force := fs.Bool("force", false, "Overwrite existing output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := advisorconfig.Load(cfgArgs.options()...)
	if err != nil {
		return fmt.Errorf("load config from environment: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	path := strings.TrimSpace(*outputPath)
	if path == "" {
		fmt.Print(string(data))
		return nil
	}

	if !*force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("output file %s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat output file: %w", err)
		}
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure output directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write output file: %w", err)
	}

	fmt.Printf("configuration written to %s\n", path)
	return nil
}

const sampleConfigYAML = `# Crop advisor configuration.
version: ""

http:
  port: 8080
  shutdownTimeout: 15s
  maxBodyBytes: 1048576

artifacts:
  dir: .
  model: model.json
  scaler: scaler.json
  labelEncoder: label_encoder.json
  onnx:
    libraryPath: ""
    inputName: float_input
    outputName: output_label

auth:
  secret: ""
  issuer: ""
  audiences: []
  requiredScope: crop.predict

cors:
  allowedOrigins: []

rateLimit:
  window: 60s
  max: 120

metrics:
  enabled: true

log:
  level: info
  file: ""
  maxSizeMB: 100

admin:
  enabled: false
  listen: 127.0.0.1:9090
  token: ""
  allow: []
`
