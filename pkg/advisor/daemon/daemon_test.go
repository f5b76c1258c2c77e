package daemon

import (
	"context"
	"errors"
	"os"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
)

func TestLogOptionsOverrideFile(t *testing.T) {
	cfg := advisorconfig.Default()
	cfg.Log.File = "/var/log/advisor.log"

	if got := logOptions(cfg, "").File; got != "/var/log/advisor.log" {
		t.Fatalf("expected configured file, got %s", got)
	}
	if got := logOptions(cfg, " /tmp/daemon.log ").File; got != "/tmp/daemon.log" {
		t.Fatalf("expected override, got %s", got)
	}
}

func TestRunRequiresArtifactsWhenAsked(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ADVISOR_CONFIG", "")
	t.Setenv("ARTIFACTS_DIR", dir)
	t.Setenv("ADMIN_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	pidPath := filepath.Join(dir, "advisor.pid")
	err := Run(context.Background(), Options{PIDFile: pidPath, RequireArtifacts: true})
	if !errors.Is(err, ErrArtifactsUnavailable) {
		t.Fatalf("expected ErrArtifactsUnavailable, got %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file released, got %v", err)
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ADVISOR_CONFIG", "")
	t.Setenv("ARTIFACTS_DIR", filepath.Join("..", "..", "..", "internal", "artifact", "testdata"))
	t.Setenv("ADMIN_ENABLED", "false")
	t.Setenv("PORT", strconv.Itoa(freePort(t)))
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithCancel(context.Background())
	pidPath := filepath.Join(dir, "advisor.pid")
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{PIDFile: pidPath, RequireArtifacts: true})
	}()

	waitForPIDFile(t, pidPath)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed on shutdown, got %v", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func waitForPIDFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pid, err := PIDFile(path).Read(); err == nil && pid == os.Getpid() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid file %s not written", path)
}
