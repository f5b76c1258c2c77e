package runtime

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/theroutercompany/crop_advisor/internal/artifact"
	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
	"github.com/theroutercompany/crop_advisor/pkg/advisor/problem"
)

// Admin routes.
const (
	adminStatusPath = "/__admin/status"
	adminConfigPath = "/__admin/config"
	adminReloadPath = "/__admin/reload"
)

// adminGuard authorises control-plane requests. A configured token takes
// precedence; without one, loopback callers and allow-listed networks pass.
type adminGuard struct {
	token string
	allow []*net.IPNet
}

func newAdminGuard(cfg advisorconfig.AdminConfig) adminGuard {
	return adminGuard{
		token: strings.TrimSpace(cfg.Token),
		allow: parseAllowList(cfg.Allow),
	}
}

// check returns 0 when the request is authorised, else the status to reject with.
func (g adminGuard) check(req *http.Request) int {
	if g.token != "" {
		presented, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(g.token)) != 1 {
			return http.StatusUnauthorized
		}
		return 0
	}

	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return http.StatusForbidden
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return http.StatusForbidden
	}
	if ip.IsLoopback() {
		return 0
	}
	for _, network := range g.allow {
		if network.Contains(ip) {
			return 0
		}
	}
	return http.StatusForbidden
}

// parseAllowList accepts CIDR blocks and bare addresses; invalid entries are skipped.
func parseAllowList(entries []string) []*net.IPNet {
	if len(entries) == 0 {
		return nil
	}
	allow := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		e := strings.TrimSpace(entry)
		switch {
		case e == "":
		case strings.Contains(e, "/"):
			if _, network, err := net.ParseCIDR(e); err == nil {
				allow = append(allow, network)
			}
		default:
			ip := net.ParseIP(e)
			if ip == nil {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			bits := len(ip) * 8
			allow = append(allow, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return allow
}

// adminStatus is the body of GET /__admin/status.
type adminStatus struct {
	PID           int            `json:"pid"`
	UptimeSeconds float64        `json:"uptimeSeconds"`
	Version       string         `json:"version"`
	Listen        string         `json:"listen"`
	Artifacts     artifactStatus `json:"artifacts"`
	Admin         adminListener  `json:"admin"`
}

type artifactStatus struct {
	Dir       string                `json:"dir"`
	Available bool                  `json:"available"`
	Slots     []artifact.SlotStatus `json:"slots"`
}

type adminListener struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// startAdminServer must be called with r.mu held.
func (r *Runtime) startAdminServer(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.cfg.Admin.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(adminStatusPath, r.adminOnly(http.MethodGet, r.handleAdminStatus))
	mux.Handle(adminConfigPath, r.adminOnly(http.MethodGet, r.handleAdminConfig))
	mux.Handle(adminReloadPath, r.adminOnly(http.MethodPost, r.handleAdminReload))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)

	r.adminAddr = ln.Addr().String()
	r.adminSrv = srv
	r.adminErrCh = errCh

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	shutdownTimeout := r.cfg.HTTP.ShutdownTimeout.AsDuration()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return nil
}

func (r *Runtime) adminOnly(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.authorizeAdmin(w, req) {
			return
		}
		if req.Method != method {
			w.Header().Set("Allow", method)
			problem.Write(w, http.StatusMethodNotAllowed, "", fmt.Sprintf("%s only accepts %s", req.URL.Path, method), "", req.URL.Path)
			return
		}
		next(w, req)
	})
}

func (r *Runtime) authorizeAdmin(w http.ResponseWriter, req *http.Request) bool {
	r.mu.Lock()
	guard := r.adminGuard
	r.mu.Unlock()

	status := guard.check(req)
	if status == 0 {
		return true
	}
	detail := "caller is not on the admin allow list"
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="advisor-admin"`)
		detail = "valid admin token required"
	}
	p := problem.New(status, detail)
	p.Instance = req.URL.Path
	p.Render(w)
	return false
}

func (r *Runtime) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	status := adminStatus{
		PID:           os.Getpid(),
		UptimeSeconds: time.Since(r.bootTime).Seconds(),
		Version:       r.cfg.Version,
		Listen:        r.addr,
		Artifacts: artifactStatus{
			Dir:       r.cfg.Artifacts.Dir,
			Available: r.bundle.Available(),
			Slots:     r.bundle.Statuses(),
		},
		Admin: adminListener{Enabled: r.cfg.Admin.Enabled, Listen: r.adminAddr},
	}
	r.mu.Unlock()

	writeAdminJSON(w, http.StatusOK, status)
}

func (r *Runtime) handleAdminConfig(w http.ResponseWriter, _ *http.Request) {
	writeAdminJSON(w, http.StatusOK, r.Config().Redacted())
}

func (r *Runtime) handleAdminReload(w http.ResponseWriter, req *http.Request) {
	if r.reloadFn == nil {
		problem.Write(w, http.StatusServiceUnavailable, "", "runtime reload callback not configured", "", req.URL.Path)
		return
	}
	if _, err := r.reloadFn(); err != nil {
		problem.Write(w, http.StatusInternalServerError, "Reload Failed", err.Error(), "", req.URL.Path)
		return
	}
	writeAdminJSON(w, http.StatusAccepted, map[string]string{"status": "reload requested"})
}

func writeAdminJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// AdminAddr returns the bound admin server address when enabled.
func (r *Runtime) AdminAddr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adminAddr
}
