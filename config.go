package vaultbp

import (
	"context"
	"errors"
	"time"

	"github.com/reddit/vaultbp.go/configbp"
	"github.com/reddit/vaultbp.go/errorsbp"
	"github.com/reddit/vaultbp.go/filewatcher"
	"github.com/reddit/vaultbp.go/log"
	"github.com/reddit/vaultbp.go/secretcache"
	"github.com/reddit/vaultbp.go/timebp"
	"github.com/reddit/vaultbp.go/token"
	"github.com/reddit/vaultbp.go/transport"
)

// AuthConfig supplies the AppRole pair, either inline or through a
// credentials file that is watched for rotation.
type AuthConfig struct {
	// Inline AppRole pair. Required unless CredentialsPath is set.
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`

	// CredentialsPath points to a JSON file carrying role_id and secret_id.
	// When set it takes precedence over the inline pair and the file is
	// watched, so a secret_id rotated on disk is picked up by the next
	// login without a restart.
	CredentialsPath string `yaml:"credentials_path"`
}

// EngineConfig enables one secret engine and names the path or role to read.
type EngineConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the secret path under the kv engine. Only used by KV.
	Path string `yaml:"path"`

	// Role is the database role name. Only used by dynamic and static.
	Role string `yaml:"role"`

	// RefreshInterval is the staleness threshold in seconds. Only used by
	// KV; dynamic and static use fixed thresholds. Default 5 seconds.
	RefreshInterval timebp.DurationSecond `yaml:"refresh_interval"`
}

// HTTPConfig bounds the transport.
type HTTPConfig struct {
	// Timeout in seconds for every request. Default 30 seconds.
	Timeout timebp.DurationSecond `yaml:"timeout"`

	// MaxResponseSize in bytes. Default 4096.
	MaxResponseSize int64 `yaml:"max_response_size"`
}

// Config is the YAML config for a Client, usually parsed via InitFromConfig
// with ${ENV} substitution.
//
// Example:
//
//	entity: myservice
//	url: https://vault.example.com
//	namespace: team-a
//	auth:
//	  role_id: ${VAULT_ROLE_ID}
//	  secret_id: ${VAULT_SECRET_ID}
//	kv:
//	  enabled: true
//	  path: myservice/config
//	  refresh_interval: 5
//	dynamic:
//	  enabled: true
//	  role: myservice-rw
//	static:
//	  enabled: true
//	  role: myservice-batch
type Config struct {
	// Entity prefixes the engine mounts: {entity}-kv and {entity}-database.
	// Required.
	Entity string `yaml:"entity"`

	// URL is the base URL of the secret store. Required.
	URL string `yaml:"url"`

	// Namespace is sent as the tenant header when non-empty. Optional.
	Namespace string `yaml:"namespace"`

	Auth AuthConfig `yaml:"auth"`

	HTTP HTTPConfig `yaml:"http"`

	KV      EngineConfig `yaml:"kv"`
	Dynamic EngineConfig `yaml:"dynamic"`
	Static  EngineConfig `yaml:"static"`
}

// Validate collects every missing required identifier into one error.
func (cfg Config) Validate() error {
	var batch errorsbp.Batch
	if cfg.Entity == "" {
		batch.Add(errors.New("entity is required"))
	}
	if cfg.URL == "" {
		batch.Add(errors.New("url is required"))
	}
	if cfg.Auth.CredentialsPath == "" {
		if cfg.Auth.RoleID == "" {
			batch.Add(errors.New("auth.role_id is required"))
		}
		if cfg.Auth.SecretID == "" {
			batch.Add(errors.New("auth.secret_id is required"))
		}
	}
	if cfg.KV.Enabled && cfg.KV.Path == "" {
		batch.Add(errors.New("kv.path is required when kv is enabled"))
	}
	if cfg.Dynamic.Enabled && cfg.Dynamic.Role == "" {
		batch.Add(errors.New("dynamic.role is required when dynamic is enabled"))
	}
	if cfg.Static.Enabled && cfg.Static.Role == "" {
		batch.Add(errors.New("static.role is required when static is enabled"))
	}
	return batch.Compile()
}

// An Option customizes New beyond what Config carries.
type Option func(*Client)

// WithTransport replaces the HTTP transport, mainly so tests can count and
// script store responses.
func WithTransport(doer Doer) Option {
	return func(c *Client) {
		c.doer = doer
	}
}

// WithClock replaces the wall clock used for staleness and TTL math, for
// deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.nowFn = now
	}
}

// New validates cfg and constructs a Client.
//
// A validation failure returns a ConfigurationError wrapping every missing
// identifier. The context is only used while waiting for the credentials
// file to appear; it is not retained.
//
// New does not log in. Call Login, or let the first getter do it.
func New(ctx context.Context, cfg Config, options ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ConfigurationError{Cause: err}
	}

	kvInterval := cfg.KV.RefreshInterval.ToDuration()
	if kvInterval <= 0 {
		kvInterval = DefaultKVRefreshInterval
	}

	c := &Client{
		cfg: cfg,
		doer: transport.NewClient(transport.Config{
			BaseURL:         cfg.URL,
			Namespace:       cfg.Namespace,
			Timeout:         cfg.HTTP.Timeout.ToDuration(),
			MaxResponseSize: cfg.HTTP.MaxResponseSize,
		}),
		kv:      kvEngine{entity: cfg.Entity, refreshInterval: kvInterval},
		dynamic: dynamicEngine{entity: cfg.Entity},
		static:  staticEngine{entity: cfg.Entity},
	}
	for _, opt := range options {
		opt(c)
	}

	creds, err := c.credentialsProvider(ctx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	c.cache = &secretcache.Store{Now: c.nowFn}
	c.tokens = token.NewManager(token.Config{
		Transport:   c.doer,
		Credentials: creds,
		Now:         c.nowFn,
	})
	return c, nil
}

func (c *Client) credentialsProvider(ctx context.Context, cfg AuthConfig) (token.CredentialsProvider, error) {
	if cfg.CredentialsPath == "" {
		return token.StaticCredentials{
			RoleID:   cfg.RoleID,
			SecretID: cfg.SecretID,
		}, nil
	}
	watcher, err := filewatcher.New(ctx, filewatcher.Config{
		Path:   cfg.CredentialsPath,
		Parser: token.ParseCredentials,
		Logger: log.ErrorWithSentryWrapper(),
	})
	if err != nil {
		return nil, ConfigurationError{Cause: err}
	}
	c.onClose = append(c.onClose, watcher.Stop)
	return token.WatchedCredentials{Watcher: watcher}, nil
}

// InitFromConfig parses the YAML config file at path, with ${ENV}
// substitution, and constructs a Client from it.
func InitFromConfig(ctx context.Context, path string, options ...Option) (*Client, error) {
	var cfg Config
	if err := configbp.ParseStrictFile(path, &cfg); err != nil {
		return nil, ConfigurationError{Cause: err}
	}
	return New(ctx, cfg, options...)
}
