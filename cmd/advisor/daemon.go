package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	advisordaemon "github.com/theroutercompany/crop_advisor/pkg/advisor/daemon"
)

const (
	daemonChildEnv = "ADVISOR_DAEMON_CHILD"
	defaultPIDFile = "advisor.pid"
)

func daemonCommand(args []string) error {
	subcommand := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcommand = args[0]
		args = args[1:]
	}

	switch subcommand {
	case "start":
		return daemonStart(args)
	case "stop":
		return daemonStop(args)
	case "status":
		return daemonStatus(args)
	default:
		return fmt.Errorf("unknown daemon subcommand %q", subcommand)
	}
}

func daemonStart(args []string) error {
	rawArgs := append([]string(nil), args...)
	fs := flag.NewFlagSet("daemon start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to advisor configuration file")
	pidPath := fs.String("pid", defaultPIDFile, "Path to write the PID file")
	logPath := fs.String("log", "", "Path to write daemon logs (overrides log.file)")
	background := fs.Bool("background", false, "Run the daemon in the background")
	requireArtifacts := fs.Bool("require-artifacts", false, "Refuse to start when artifacts fail to load")
	if err := fs.Parse(args); err != nil {
		return err
	}

	isChild := os.Getenv(daemonChildEnv) == "1"
	if *background && !isChild {
		cmd := exec.Command(os.Args[0], childArgs(rawArgs)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start background daemon: %w", err)
		}
		fmt.Fprintf(os.Stdout, "daemon started (pid %d)\n", cmd.Process.Pid)
		return cmd.Process.Release()
	}

	_ = os.Unsetenv(daemonChildEnv)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return advisordaemon.Run(ctx, advisordaemon.Options{
		ConfigPath:       *configPath,
		PIDFile:          *pidPath,
		LogFile:          *logPath,
		RequireArtifacts: *requireArtifacts,
	})
}

// childArgs rebuilds the daemon start arguments without the background flag.
func childArgs(raw []string) []string {
	out := []string{"daemon", "start"}
	for _, arg := range raw {
		if strings.HasPrefix(strings.TrimLeft(arg, "-"), "background") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func daemonStop(args []string) error {
	fs := flag.NewFlagSet("daemon stop", flag.ExitOnError)
	pidPath := fs.String("pid", defaultPIDFile, "Path to PID file")
	signalName := fs.String("signal", "SIGTERM", "Signal to send (name or number)")
	wait := fs.Duration("wait", 5*time.Second, "Time to wait for shutdown")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sig, err := parseSignal(*signalName)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	status, err := advisordaemon.PIDFile(*pidPath).Stop(ctx, sig)
	switch {
	case errors.Is(err, advisordaemon.ErrNotRunning):
		fmt.Fprintln(os.Stdout, "daemon not running (no pid file)")
		return nil
	case err != nil:
		return fmt.Errorf("stop daemon: %w", err)
	}
	fmt.Fprintf(os.Stdout, "daemon stopped (pid %d)\n", status.PID)
	return nil
}

func daemonStatus(args []string) error {
	fs := flag.NewFlagSet("daemon status", flag.ExitOnError)
	pidPath := fs.String("pid", defaultPIDFile, "Path to PID file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	status, err := advisordaemon.PIDFile(*pidPath).Inspect()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	fmt.Fprintf(os.Stdout, "daemon %s\n", status)
	return nil
}

var signalNames = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"KILL": syscall.SIGKILL,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
}

// parseSignal accepts a number or a name with or without the SIG prefix.
func parseSignal(value string) (syscall.Signal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return syscall.SIGTERM, nil
	}
	if n, err := strconv.Atoi(value); err == nil {
		return syscall.Signal(n), nil
	}
	if sig, ok := signalNames[strings.TrimPrefix(strings.ToUpper(value), "SIG")]; ok {
		return sig, nil
	}
	return 0, fmt.Errorf("unsupported signal %q", value)
}
