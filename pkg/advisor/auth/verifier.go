// Package auth checks the bearer tokens that gate crop predictions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	advisorconfig "github.com/theroutercompany/crop_advisor/pkg/advisor/config"
)

// clockSkew tolerated on exp, nbf and iat.
const clockSkew = 30 * time.Second

// Rejection kinds. Match them with errors.Is.
var (
	ErrNoCredentials  = errors.New("missing bearer token")
	ErrBadCredentials = errors.New("invalid or expired token")
	ErrScopeDenied    = errors.New("token lacks the required scope")
)

// Rejection explains why a caller was refused.
type Rejection struct {
	Kind   error
	Reason string
}

func (r *Rejection) Error() string {
	if r.Reason == "" {
		return r.Kind.Error()
	}
	return r.Kind.Error() + ": " + r.Reason
}

func (r *Rejection) Unwrap() error { return r.Kind }

// Status is 403 for a valid token without the scope and 401 otherwise.
func (r *Rejection) Status() int {
	if errors.Is(r.Kind, ErrScopeDenied) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Title is the problem document title for the rejection.
func (r *Rejection) Title() string {
	if r.Status() == http.StatusForbidden {
		return "Insufficient Scope"
	}
	return "Authentication Required"
}

func reject(kind error, format string, args ...any) *Rejection {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Caller is the identity a prediction was requested under.
type Caller struct {
	Subject string
	Scopes  []string
}

// Allows reports whether the caller holds scope, either exactly or through a
// trailing wildcard grant such as "crop.*" or "*".
func (c Caller) Allows(scope string) bool {
	for _, owned := range c.Scopes {
		if owned == scope || owned == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(owned, ".*"); ok && strings.HasPrefix(scope, prefix+".") {
			return true
		}
	}
	return false
}

type callerKey struct{}

// WithCaller stores the verified caller on the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext returns the caller stored by WithCaller.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Verifier validates HS256 bearer tokens against the configured audience,
// issuer and prediction scope.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
	scope  string
}

// NewVerifier builds a verifier. It fails when no secret is configured.
func NewVerifier(cfg advisorconfig.AuthConfig) (*Verifier, error) {
	if !cfg.Enabled() {
		return nil, errors.New("jwt secret not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	}
	if len(cfg.Audiences) > 0 {
		opts = append(opts, jwt.WithAudience(cfg.Audiences...))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Verifier{
		secret: []byte(cfg.Secret),
		parser: jwt.NewParser(opts...),
		scope:  strings.TrimSpace(cfg.RequiredScope),
	}, nil
}

// Verify checks the request's Authorization header. Failures are *Rejection.
func (v *Verifier) Verify(r *http.Request) (Caller, error) {
	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return Caller{}, err
	}

	claims := &cropClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.key); err != nil {
		return Caller{}, reject(ErrBadCredentials, "%v", err)
	}

	caller := Caller{Subject: claims.Subject, Scopes: claims.scopes()}
	if v.scope != "" && !caller.Allows(v.scope) {
		return Caller{}, reject(ErrScopeDenied, "requires %s", v.scope)
	}
	return caller, nil
}

func (v *Verifier) key(*jwt.Token) (any, error) {
	return v.secret, nil
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", &Rejection{Kind: ErrNoCredentials}
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", reject(ErrBadCredentials, "authorization scheme must be Bearer")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", &Rejection{Kind: ErrNoCredentials}
	}
	return token, nil
}

// cropClaims accepts scopes as a space separated "scope" string or a "scp" array.
type cropClaims struct {
	Scope string   `json:"scope"`
	Scp   []string `json:"scp"`
	jwt.RegisteredClaims
}

func (c *cropClaims) scopes() []string {
	if len(c.Scp) > 0 {
		return c.Scp
	}
	return strings.Fields(c.Scope)
}
