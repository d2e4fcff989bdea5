package token

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/reddit/vaultbp.go/filewatcher"
)

// Credentials is the AppRole role/secret pair exchanged for a token.
type Credentials struct {
	RoleID   string `json:"role_id" yaml:"role_id"`
	SecretID string `json:"secret_id" yaml:"secret_id"`
}

// A CredentialsProvider supplies the AppRole pair at login time.
//
// Login reads the provider on every attempt, so providers backed by mutable
// sources (a rotated credentials file, for example) take effect on the next
// login without a restart.
type CredentialsProvider interface {
	Credentials() (Credentials, error)
}

// StaticCredentials is a CredentialsProvider holding a fixed pair,
// typically straight from config.
type StaticCredentials Credentials

// Credentials implements CredentialsProvider.
func (c StaticCredentials) Credentials() (Credentials, error) {
	return Credentials(c), nil
}

// ParseCredentials is a filewatcher.Parser for an AppRole credentials file:
// a JSON document with role_id and secret_id fields.
func ParseCredentials(f io.Reader) (interface{}, error) {
	var creds Credentials
	if err := json.NewDecoder(f).Decode(&creds); err != nil {
		return nil, fmt.Errorf("token: failed to parse credentials file: %w", err)
	}
	if creds.RoleID == "" || creds.SecretID == "" {
		return nil, fmt.Errorf("token: credentials file is missing role_id or secret_id")
	}
	return creds, nil
}

// WatchedCredentials is a CredentialsProvider backed by a FileWatcher whose
// parser is ParseCredentials, so secret_ids rotated on disk are picked up by
// the next login.
type WatchedCredentials struct {
	Watcher filewatcher.FileWatcher
}

// Credentials implements CredentialsProvider.
func (w WatchedCredentials) Credentials() (Credentials, error) {
	creds, ok := w.Watcher.Get().(Credentials)
	if !ok {
		return Credentials{}, fmt.Errorf("token: unexpected type %T in credentials watcher", w.Watcher.Get())
	}
	return creds, nil
}
