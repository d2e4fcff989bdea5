// Package poller runs the fixed-interval refresh loops that keep a vaultbp
// client's cache warm in a long running process.
//
// Each enabled secret engine gets its own ticker, so a slow static refresh
// never delays the kv and dynamic ones. A failed refresh is logged and
// dropped; the next tick is the retry mechanism, there is no backoff.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	vaultbp "github.com/reddit/vaultbp.go"
	"github.com/reddit/vaultbp.go/log"
)

// DefaultInterval is the refresh interval for kv and dynamic secrets when
// Config.Interval is unset.
const DefaultInterval = 5 * time.Second

// DefaultLoginAttempts bounds the initial login retry when
// Config.LoginAttempts is unset.
const DefaultLoginAttempts = 5

const promNamespace = "vaultpoller"

var refreshCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: promNamespace,
	Name:      "refreshes_total",
	Help:      "Total number of background refreshes by secret kind and result",
}, []string{"kind", "success"})

// ErrNoSecretsConfigured is returned by Start when the config names no
// secret to poll.
var ErrNoSecretsConfigured = errors.New("poller: no secrets configured")

// Config is used to construct a Poller.
type Config struct {
	// Client to refresh through. Required.
	Client *vaultbp.Client

	// The secrets to keep warm. At least one must be set; an empty value
	// disables that engine's loop.
	KVPath      string
	DynamicRole string
	StaticRole  string

	// Interval between kv and dynamic refreshes. Default 5 seconds.
	Interval time.Duration

	// StaticInterval between static refreshes.
	// Default is twice Interval; the store rotates static credentials on
	// its own schedule so polling them as often as the others buys nothing.
	StaticInterval time.Duration

	// LoginAttempts bounds the retry around the initial login. Default 5.
	// Only the initial login is retried; refresh failures wait for the next
	// tick instead.
	LoginAttempts uint

	// Logger for refresh failures. Optional.
	Logger log.Wrapper

	// OnUpdate, when non-nil, is called after every successful refresh.
	// It receives the kind and identifier only, never the secret value.
	OnUpdate func(kind, id string)
}

// Poller owns the background refresh goroutines.
type Poller struct {
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start performs the initial login, with bounded retry, then starts one
// refresh loop per configured secret.
//
// The loops run until Stop is called or ctx is canceled. In-flight calls at
// shutdown are abandoned.
func Start(ctx context.Context, cfg Config) (*Poller, error) {
	if cfg.KVPath == "" && cfg.DynamicRole == "" && cfg.StaticRole == "" {
		return nil, ErrNoSecretsConfigured
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	staticInterval := cfg.StaticInterval
	if staticInterval <= 0 {
		staticInterval = 2 * interval
	}
	attempts := cfg.LoginAttempts
	if attempts == 0 {
		attempts = DefaultLoginAttempts
	}

	err := retry.Do(
		func() error {
			return cfg.Client.Login(ctx)
		},
		retry.Attempts(attempts),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("poller: initial login failed after %d attempts: %w", attempts, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		cfg:    cfg,
		cancel: cancel,
	}

	if cfg.KVPath != "" {
		p.spawn(ctx, interval, "kv", cfg.KVPath, func(ctx context.Context) error {
			_, err := cfg.Client.GetKVSecret(ctx, cfg.KVPath)
			return err
		})
	}
	if cfg.DynamicRole != "" {
		p.spawn(ctx, interval, "dynamic", cfg.DynamicRole, func(ctx context.Context) error {
			_, err := cfg.Client.GetDynamicSecret(ctx, cfg.DynamicRole)
			return err
		})
	}
	if cfg.StaticRole != "" {
		p.spawn(ctx, staticInterval, "static", cfg.StaticRole, func(ctx context.Context) error {
			_, err := cfg.Client.GetStaticSecret(ctx, cfg.StaticRole)
			return err
		})
	}
	return p, nil
}

func (p *Poller) spawn(ctx context.Context, interval time.Duration, kind, id string, refresh func(context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := refresh(ctx); err != nil {
					refreshCounter.With(prometheus.Labels{
						"kind":    kind,
						"success": "false",
					}).Inc()
					p.cfg.Logger.Log(ctx, fmt.Sprintf(
						"poller: refresh of %s secret %q failed, retrying on next tick: %v",
						kind,
						id,
						err,
					))
					continue
				}
				refreshCounter.With(prometheus.Labels{
					"kind":    kind,
					"success": "true",
				}).Inc()
				if p.cfg.OnUpdate != nil {
					p.cfg.OnUpdate(kind, id)
				}
			}
		}
	}()
}

// Stop stops the refresh loops and waits for them to exit.
// It is safe to call more than once.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}
