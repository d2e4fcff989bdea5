package vaultbp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reddit/vaultbp.go/log"
	"github.com/reddit/vaultbp.go/secretcache"
	"github.com/reddit/vaultbp.go/timebp"
	"github.com/reddit/vaultbp.go/token"
)

// Default staleness thresholds per secret class.
//
// Dynamic credentials go stale quickly because the store can revoke their
// lease at any time. Static credentials are rotated by the store on its own
// schedule, so the client only needs to avoid hammering the endpoint. KV
// staleness is configurable, see Config.KV.RefreshInterval.
const (
	DefaultKVRefreshInterval = 5 * time.Second
	DynamicStaleThreshold    = 10 * time.Second
	StaticStaleThreshold     = 300 * time.Second
)

// DefaultStaticTTL is assumed for a static credential when the store's
// response omits the ttl field.
const DefaultStaticTTL = 3600 * time.Second

const promNamespace = "vaultbp"

var (
	cacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cache_requests_total",
		Help:      "Total number of secret lookups by kind and cache result",
	}, []string{"kind", "result"})

	staleServedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "stale_served_total",
		Help:      "Total number of lookups that served a stale value after a failed refresh",
	}, []string{"kind"})
)

// A Doer issues requests against the secret store.
// *transport.Client implements it.
type Doer interface {
	Do(ctx context.Context, method, path, token string, body, result interface{}) error
}

// KVSecret is a versioned key-value secret.
//
// Version is the store's version number for the secret at fetch time. It is
// informational only and plays no part in staleness decisions, which are
// purely age based.
type KVSecret struct {
	Data    map[string]string
	Version int
}

// DynamicSecret is a store-generated credential pair with a bounded lease.
//
// TTL is the lease life remaining at lookup time, saturating at zero, so a
// cached credential reports a shrinking TTL on every call.
type DynamicSecret struct {
	Username string
	Password string
	TTL      time.Duration
	LeaseID  string
}

// StaticSecret is a long-lived credential whose password the store rotates
// on its own schedule. TTL is the remaining rotation window at lookup time,
// saturating at zero.
type StaticSecret struct {
	Username string
	Password string
	TTL      time.Duration
}

// A secretEngine supplies the per-class parameters of the shared retrieval
// template: the cache-key kind, the staleness threshold, and the read
// request against the store.
type secretEngine interface {
	kind() secretcache.Kind
	threshold() time.Duration
	fetch(ctx context.Context, doer Doer, tok, id string) (secretcache.Entry, error)
}

type kvEngine struct {
	entity          string
	refreshInterval time.Duration
}

func (e kvEngine) kind() secretcache.Kind {
	return secretcache.KindKV
}

func (e kvEngine) threshold() time.Duration {
	return e.refreshInterval
}

func (e kvEngine) fetch(ctx context.Context, doer Doer, tok, path string) (secretcache.Entry, error) {
	var resp struct {
		Data struct {
			Data     map[string]string `json:"data"`
			Metadata struct {
				Version int `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	url := fmt.Sprintf("/v1/%s-kv/data/%s", e.entity, path)
	if err := doer.Do(ctx, http.MethodGet, url, tok, nil, &resp); err != nil {
		return secretcache.Entry{}, err
	}
	if resp.Data.Data == nil {
		return secretcache.Entry{}, fmt.Errorf("response carries no data.data block")
	}
	return secretcache.Entry{
		Data:    resp.Data.Data,
		Version: resp.Data.Metadata.Version,
	}, nil
}

type dynamicEngine struct {
	entity string
}

func (e dynamicEngine) kind() secretcache.Kind {
	return secretcache.KindDynamic
}

func (e dynamicEngine) threshold() time.Duration {
	return DynamicStaleThreshold
}

func (e dynamicEngine) fetch(ctx context.Context, doer Doer, tok, role string) (secretcache.Entry, error) {
	var resp struct {
		Data          map[string]string     `json:"data"`
		LeaseDuration timebp.DurationSecond `json:"lease_duration"`
		LeaseID       string                `json:"lease_id"`
	}
	url := fmt.Sprintf("/v1/%s-database/creds/%s", e.entity, role)
	if err := doer.Do(ctx, http.MethodGet, url, tok, nil, &resp); err != nil {
		return secretcache.Entry{}, err
	}
	if resp.Data == nil {
		return secretcache.Entry{}, fmt.Errorf("response carries no data block")
	}
	return secretcache.Entry{
		Data:    resp.Data,
		TTL:     resp.LeaseDuration.ToDuration(),
		LeaseID: resp.LeaseID,
	}, nil
}

type staticEngine struct {
	entity string
}

func (e staticEngine) kind() secretcache.Kind {
	return secretcache.KindStatic
}

func (e staticEngine) threshold() time.Duration {
	return StaticStaleThreshold
}

func (e staticEngine) fetch(ctx context.Context, doer Doer, tok, role string) (secretcache.Entry, error) {
	var resp struct {
		Data map[string]string     `json:"data"`
		TTL  timebp.DurationSecond `json:"ttl"`
	}
	url := fmt.Sprintf("/v1/%s-database/static-creds/%s", e.entity, role)
	if err := doer.Do(ctx, http.MethodGet, url, tok, nil, &resp); err != nil {
		return secretcache.Entry{}, err
	}
	if resp.Data == nil {
		return secretcache.Entry{}, fmt.Errorf("response carries no data block")
	}
	ttl := resp.TTL.ToDuration()
	if ttl <= 0 {
		ttl = DefaultStaticTTL
	}
	return secretcache.Entry{
		Data: resp.Data,
		TTL:  ttl,
	}, nil
}

// Client composes the token manager, the secret cache, and the transport
// into the retrieval API.
//
// All methods are safe for concurrent use. Overlapping refreshes of the same
// key resolve last writer wins; token state transitions are serialized by
// the token manager.
type Client struct {
	cfg    Config
	doer   Doer
	tokens *token.Manager
	cache  *secretcache.Store
	nowFn  func() time.Time

	kv      kvEngine
	dynamic dynamicEngine
	static  staticEngine

	onClose []func()
}

func (c *Client) now() time.Time {
	if c.nowFn != nil {
		return c.nowFn()
	}
	return time.Now()
}

// Login performs the initial AppRole login eagerly.
//
// Calling it is optional, the first getter logs in on demand, but a long
// running process usually wants to fail fast on bad credentials.
func (c *Client) Login(ctx context.Context) error {
	if err := c.tokens.Login(ctx); err != nil {
		return AuthenticationError{Cause: err}
	}
	return nil
}

// GetKVSecret returns the key-value secret at the given path under the
// entity's kv engine, from cache when the cached copy is younger than the
// configured refresh interval.
func (c *Client) GetKVSecret(ctx context.Context, path string) (KVSecret, error) {
	entry, err := c.getSecret(ctx, c.kv, path)
	if err != nil {
		return KVSecret{}, err
	}
	return KVSecret{
		Data:    entry.Data,
		Version: entry.Version,
	}, nil
}

// GetDynamicSecret returns the dynamic database credential for the given
// role, from cache when the cached copy is younger than 10 seconds.
func (c *Client) GetDynamicSecret(ctx context.Context, role string) (DynamicSecret, error) {
	entry, err := c.getSecret(ctx, c.dynamic, role)
	if err != nil {
		return DynamicSecret{}, err
	}
	return DynamicSecret{
		Username: entry.Data["username"],
		Password: entry.Data["password"],
		TTL:      entry.RemainingTTL(c.now()),
		LeaseID:  entry.LeaseID,
	}, nil
}

// GetStaticSecret returns the static database credential for the given role,
// from cache when the cached copy is younger than 300 seconds.
func (c *Client) GetStaticSecret(ctx context.Context, role string) (StaticSecret, error) {
	entry, err := c.getSecret(ctx, c.static, role)
	if err != nil {
		return StaticSecret{}, err
	}
	return StaticSecret{
		Username: entry.Data["username"],
		Password: entry.Data["password"],
		TTL:      entry.RemainingTTL(c.now()),
	}, nil
}

// getSecret runs the shared retrieval template:
//
// 1. a non-stale cached entry is returned with no network call and no token
// check,
//
// 2. otherwise the token is validated, the store is read, and the fresh
// entry replaces the cached one,
//
// 3. when either step fails and a prior entry exists, the prior entry is
// served and the failure is reported through logs and metrics only; the
// next refresh is the retry.
func (c *Client) getSecret(ctx context.Context, eng secretEngine, id string) (secretcache.Entry, error) {
	kind := eng.kind()
	key := secretcache.Key(kind, id)

	if !c.cache.IsStale(key, eng.threshold()) {
		if entry, ok := c.cache.Get(key); ok {
			cacheCounter.With(prometheus.Labels{
				"kind":   string(kind),
				"result": "hit",
			}).Inc()
			return entry, nil
		}
	}
	cacheCounter.With(prometheus.Labels{
		"kind":   string(kind),
		"result": "miss",
	}).Inc()

	if err := c.tokens.EnsureValid(ctx); err != nil {
		return c.degrade(ctx, key, string(kind), id, AuthenticationError{Cause: err})
	}

	entry, err := eng.fetch(ctx, c.doer, c.tokens.Token(), id)
	if err != nil {
		return c.degrade(ctx, key, string(kind), id, RetrievalError{
			Kind:  string(kind),
			ID:    id,
			Cause: err,
		})
	}

	c.cache.Put(key, entry)
	entry, _ = c.cache.Get(key)
	return entry, nil
}

// degrade resolves a failed refresh: serve the prior entry when one exists,
// surface the typed error when none does. The prior entry is never erased
// either way.
func (c *Client) degrade(ctx context.Context, key, kind, id string, failure error) (secretcache.Entry, error) {
	prior, ok := c.cache.Get(key)
	if !ok {
		return secretcache.Entry{}, failure
	}
	staleServedCounter.With(prometheus.Labels{"kind": kind}).Inc()
	log.ErrorWithSentry(
		ctx,
		"vaultbp: refresh failed, serving last good value",
		failure,
		"kind", kind,
		"id", id,
		"age", prior.Age(c.now()),
	)
	return prior, nil
}

// Close releases resources held by the client, such as the credentials file
// watcher. The in-memory cache simply vanishes; there is no state to flush.
func (c *Client) Close() error {
	for _, stop := range c.onClose {
		stop()
	}
	return nil
}
