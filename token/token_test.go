package token_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reddit/vaultbp.go/filewatcher"
	"github.com/reddit/vaultbp.go/token"
)

// fakeStore implements token.Doer and counts login/renew calls.
type fakeStore struct {
	mu sync.Mutex

	loginCalls int
	renewCalls int

	loginErr error
	renewErr error

	lease     time.Duration
	nextToken string

	lastLoginBody map[string]string
}

func fill(result interface{}, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, result)
}

func (f *fakeStore) Do(ctx context.Context, method, path, tok string, body, result interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(path, "/approle/login"):
		f.loginCalls++
		if f.loginErr != nil {
			return f.loginErr
		}
		if m, ok := body.(map[string]string); ok {
			f.lastLoginBody = m
		}
		return fill(result, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   f.nextToken,
				"lease_duration": int64(f.lease / time.Second),
			},
		})
	case strings.HasSuffix(path, "/renew-self"):
		f.renewCalls++
		if f.renewErr != nil {
			return f.renewErr
		}
		return fill(result, map[string]interface{}{
			"auth": map[string]interface{}{
				"client_token":   tok,
				"lease_duration": int64(f.lease / time.Second),
			},
		})
	default:
		return errors.New("unexpected path " + path)
	}
}

func (f *fakeStore) calls() (logins, renews int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCalls, f.renewCalls
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newManager(store *fakeStore, clock *manualClock) *token.Manager {
	return token.NewManager(token.Config{
		Transport:   store,
		Credentials: token.StaticCredentials{RoleID: "role-1", SecretID: "secret-1"},
		Now:         clock.now,
	})
}

func TestLoginSuccess(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := m.Token(); got != "s.abc" {
		t.Errorf("Token() = %q, want s.abc", got)
	}
	if m.IsExpired() {
		t.Error("fresh token must not be expired")
	}
	if got := store.lastLoginBody["role_id"]; got != "role-1" {
		t.Errorf("login body role_id = %q, want role-1", got)
	}
}

func TestLoginFailureLeavesNoToken(t *testing.T) {
	store := &fakeStore{loginErr: errors.New("permission denied")}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
	if got := m.Token(); got != "" {
		t.Errorf("Token() = %q, want empty after failed login", got)
	}
	if !m.IsExpired() {
		t.Error("manager without a token must report expired")
	}
}

func TestIsExpiredBoundary(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Expiry is at +1h, the safety margin is 5 minutes, so the token turns
	// expired at exactly +55m.
	clock.advance(55*time.Minute - time.Nanosecond)
	if m.IsExpired() {
		t.Error("token must not be expired just before the margin")
	}
	clock.advance(time.Nanosecond)
	if !m.IsExpired() {
		t.Error("token must be expired once inside the margin")
	}
}

func TestEnsureValidLogsInWithoutToken(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	logins, renews := store.calls()
	if logins != 1 || renews != 0 {
		t.Errorf("calls = %d logins, %d renews; want 1, 0", logins, renews)
	}
}

func TestEnsureValidNoopOnValidToken(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	logins, renews := store.calls()
	if logins != 1 || renews != 0 {
		t.Errorf("calls = %d logins, %d renews; want 1, 0 (no-op)", logins, renews)
	}
}

func TestEnsureValidRenewsInsideMargin(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.advance(56 * time.Minute)

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	logins, renews := store.calls()
	if logins != 1 || renews != 1 {
		t.Errorf("calls = %d logins, %d renews; want 1, 1", logins, renews)
	}
	if m.IsExpired() {
		t.Error("renewed token must not be expired")
	}
}

func TestEnsureValidFallsBackToLogin(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.advance(56 * time.Minute)
	store.renewErr = errors.New("lease is not renewable")
	store.nextToken = "s.fresh"

	if err := m.EnsureValid(context.Background()); err != nil {
		t.Fatal(err)
	}
	logins, renews := store.calls()
	if logins != 2 || renews != 1 {
		t.Errorf("calls = %d logins, %d renews; want 2, 1", logins, renews)
	}
	if got := m.Token(); got != "s.fresh" {
		t.Errorf("Token() = %q, want the re-login token", got)
	}
}

func TestRenewFailureKeepsToken(t *testing.T) {
	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := newManager(store, clock)

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	store.renewErr = errors.New("connection refused")

	if err := m.Renew(context.Background()); err == nil {
		t.Fatal("expected renew error")
	}
	if got := m.Token(); got != "s.abc" {
		t.Errorf("Token() = %q, a transient renew failure must not drop the token", got)
	}
	if m.IsExpired() {
		t.Error("still-valid token must survive a failed renewal")
	}
}

func TestWatchedCredentialsRotation(t *testing.T) {
	watcher, err := filewatcher.NewMockFilewatcher(
		strings.NewReader(`{"role_id": "role-1", "secret_id": "secret-old"}`),
		token.ParseCredentials,
	)
	if err != nil {
		t.Fatal(err)
	}

	store := &fakeStore{lease: time.Hour, nextToken: "s.abc"}
	clock := &manualClock{t: time.Unix(1700000000, 0)}
	m := token.NewManager(token.Config{
		Transport:   store,
		Credentials: token.WatchedCredentials{Watcher: watcher},
		Now:         clock.now,
	})

	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := store.lastLoginBody["secret_id"]; got != "secret-old" {
		t.Errorf("secret_id = %q, want secret-old", got)
	}

	if err := watcher.Update(strings.NewReader(`{"role_id": "role-1", "secret_id": "secret-new"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.Login(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := store.lastLoginBody["secret_id"]; got != "secret-new" {
		t.Errorf("secret_id = %q, rotated credentials must be used by the next login", got)
	}
}

func TestParseCredentialsRejectsIncomplete(t *testing.T) {
	if _, err := token.ParseCredentials(strings.NewReader(`{"role_id": "r"}`)); err == nil {
		t.Error("expected an error on missing secret_id")
	}
	if _, err := token.ParseCredentials(strings.NewReader(`not json`)); err == nil {
		t.Error("expected an error on malformed file")
	}
}
