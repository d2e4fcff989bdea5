// Package token owns the authentication token for the secret store and the
// AppRole login/renew protocol around it.
package token

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reddit/vaultbp.go/timebp"
)

// DefaultExpiryMargin is how long before the token's actual expiry we start
// treating it as expired, so renewal happens before the store rejects the
// token, not after.
const DefaultExpiryMargin = 5 * time.Minute

const (
	loginPath = "/v1/auth/approle/login"
	renewPath = "/v1/auth/token/renew-self"
)

const promNamespace = "vaulttoken"

var (
	loginCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "logins_total",
		Help:      "Total number of AppRole logins by result",
	}, []string{"success"})

	renewCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "renewals_total",
		Help:      "Total number of token self-renewals by result",
	}, []string{"success"})
)

// A Doer issues requests against the secret store.
// *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, path, token string, body, result interface{}) error
}

// Config is used to construct a Manager.
type Config struct {
	// Transport to reach the store with. Required.
	Transport Doer

	// Credentials supplies the AppRole pair used by Login. Required.
	Credentials CredentialsProvider

	// ExpiryMargin overrides DefaultExpiryMargin when > 0.
	ExpiryMargin time.Duration

	// Now overrides the clock used for expiry math, for tests.
	Now func() time.Time
}

// Manager owns the current auth token and its expiry instant.
//
// All state transitions happen under a single mutex, so overlapping
// EnsureValid calls cannot both issue a login/renew and leave an
// inconsistent expiry recorded; the last successful writer's token is
// authoritative.
type Manager struct {
	transport Doer
	creds     CredentialsProvider
	margin    time.Duration
	nowFn     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewManager creates a Manager. It does not log in; call Login or let the
// first EnsureValid do it.
func NewManager(cfg Config) *Manager {
	margin := cfg.ExpiryMargin
	if margin <= 0 {
		margin = DefaultExpiryMargin
	}
	return &Manager{
		transport: cfg.Transport,
		creds:     cfg.Credentials,
		margin:    margin,
		nowFn:     cfg.Now,
	}
}

func (m *Manager) now() time.Time {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return time.Now()
}

type authResponse struct {
	Auth *struct {
		ClientToken   string                `json:"client_token"`
		LeaseDuration timebp.DurationSecond `json:"lease_duration"`
	} `json:"auth"`
}

// Login exchanges the AppRole credentials for a fresh token.
//
// On failure the previously held token (if any) is left untouched.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginLocked(ctx)
}

func (m *Manager) loginLocked(ctx context.Context) error {
	creds, err := m.creds.Credentials()
	if err != nil {
		loginCounter.With(prometheus.Labels{"success": "false"}).Inc()
		return fmt.Errorf("token: failed to read approle credentials: %w", err)
	}

	var resp authResponse
	err = m.transport.Do(
		ctx,
		http.MethodPost,
		loginPath,
		"", // not authenticated yet
		map[string]string{
			"role_id":   creds.RoleID,
			"secret_id": creds.SecretID,
		},
		&resp,
	)
	if err == nil && resp.Auth == nil {
		err = fmt.Errorf("token: login response carries no auth block")
	}
	if err != nil {
		loginCounter.With(prometheus.Labels{"success": "false"}).Inc()
		return fmt.Errorf("token: login failed: %w", err)
	}

	m.token = resp.Auth.ClientToken
	m.expiresAt = m.now().Add(resp.Auth.LeaseDuration.ToDuration())
	loginCounter.With(prometheus.Labels{"success": "true"}).Inc()
	return nil
}

// Renew calls the store's renew-self endpoint with the current token and
// pushes the expiry instant out on success.
//
// A transient transport failure never invalidates an already held token:
// Renew just reports the failure and the caller decides whether to retry or
// fall back to a fresh login.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewLocked(ctx)
}

func (m *Manager) renewLocked(ctx context.Context) error {
	if m.token == "" {
		return fmt.Errorf("token: no token held, nothing to renew")
	}

	var resp authResponse
	err := m.transport.Do(ctx, http.MethodPost, renewPath, m.token, nil, &resp)
	if err == nil && resp.Auth == nil {
		err = fmt.Errorf("token: renew response carries no auth block")
	}
	if err != nil {
		renewCounter.With(prometheus.Labels{"success": "false"}).Inc()
		return fmt.Errorf("token: renewal failed: %w", err)
	}

	m.expiresAt = m.now().Add(resp.Auth.LeaseDuration.ToDuration())
	renewCounter.With(prometheus.Labels{"success": "true"}).Inc()
	return nil
}

// IsExpired reports whether the manager holds no token, or the held token is
// within the expiry safety margin.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isExpiredLocked()
}

func (m *Manager) isExpiredLocked() bool {
	if m.token == "" {
		return true
	}
	return !m.now().Before(m.expiresAt.Add(-m.margin))
}

// EnsureValid makes sure a usable token is held, in one critical section:
// no token yet means login, an expiring token means renew with a fresh login
// as the fallback, and a valid token means no calls at all.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isExpiredLocked() {
		return nil
	}
	if m.token == "" {
		return m.loginLocked(ctx)
	}
	if err := m.renewLocked(ctx); err != nil {
		return m.loginLocked(ctx)
	}
	return nil
}

// Token returns the currently held token, or the empty string when no token
// has been issued yet.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}
