package vaultbp_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	vaultbp "github.com/reddit/vaultbp.go"
	"github.com/reddit/vaultbp.go/errorsbp"
)

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		if err := testConfig().Validate(); err != nil {
			t.Errorf("unexpected validation error: %v", err)
		}
	})

	t.Run("collects-all-failures", func(t *testing.T) {
		var cfg vaultbp.Config
		cfg.KV.Enabled = true

		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected a validation error on empty config")
		}
		var batch errorsbp.Batch
		if !errors.As(err, &batch) {
			t.Fatalf("expected errorsbp.Batch, got %T", err)
		}
		// entity, url, role_id, secret_id, kv.path.
		if batch.Len() != 5 {
			t.Errorf("batch carries %d errors, want all 5: %v", batch.Len(), batch)
		}
	})

	t.Run("credentials-path-replaces-inline-pair", func(t *testing.T) {
		cfg := testConfig()
		cfg.Auth.RoleID = ""
		cfg.Auth.SecretID = ""
		cfg.Auth.CredentialsPath = "/var/run/secrets/approle.json"
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected validation error: %v", err)
		}
	})

	t.Run("disabled-engine-needs-no-role", func(t *testing.T) {
		cfg := testConfig()
		cfg.Dynamic.Enabled = false
		cfg.Dynamic.Role = ""
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected validation error: %v", err)
		}
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	var cfg vaultbp.Config
	_, err := vaultbp.New(context.Background(), cfg)

	var configErr vaultbp.ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

const configYAML = `
entity: demo
url: https://vault.example.com
namespace: team-a
auth:
  role_id: ${TEST_VAULT_ROLE_ID}
  secret_id: ${TEST_VAULT_SECRET_ID}
http:
  timeout: 10
  max_response_size: 8192
kv:
  enabled: true
  path: demo/config
  refresh_interval: 5
dynamic:
  enabled: true
  role: demo-rw
static:
  enabled: true
  role: demo-batch
`

func TestInitFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(configYAML)), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_VAULT_ROLE_ID", "role-1")
	t.Setenv("TEST_VAULT_SECRET_ID", "secret-1")

	client, err := vaultbp.InitFromConfig(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
}

func TestInitFromConfigMissingIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	if err := os.WriteFile(path, []byte("entity: demo\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := vaultbp.InitFromConfig(context.Background(), path)

	var configErr vaultbp.ConfigurationError
	if !errors.As(err, &configErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
