package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reddit/vaultbp.go/transport"
)

func TestDoHeaders(t *testing.T) {
	var gotToken, gotNamespace, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(transport.TokenHeader)
		gotNamespace = r.Header.Get(transport.NamespaceHeader)
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:     server.URL,
		Namespace:   "team-a",
		Middlewares: []transport.ClientMiddleware{},
	})
	err := client.Do(
		context.Background(),
		http.MethodPost,
		"/v1/auth/approle/login",
		"s.token",
		map[string]string{"role_id": "r"},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	if gotToken != "s.token" {
		t.Errorf("token header = %q, want s.token", gotToken)
	}
	if gotNamespace != "team-a" {
		t.Errorf("namespace header = %q, want team-a", gotNamespace)
	}
	if gotContentType != "application/json" {
		t.Errorf("content type = %q, want application/json", gotContentType)
	}
}

func TestDoOmitsEmptyHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header[transport.TokenHeader]; ok {
			t.Error("token header must be omitted when no token is held")
		}
		if _, ok := r.Header[transport.NamespaceHeader]; ok {
			t.Error("namespace header must be omitted when namespace is unset")
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:     server.URL,
		Middlewares: []transport.ClientMiddleware{},
	})
	if err := client.Do(context.Background(), http.MethodGet, "/v1/x", "", nil, nil); err != nil {
		t.Fatal(err)
	}
}

func TestDoDecodesJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"lease_id":       "database/creds/role/abc",
			"lease_duration": 60,
		})
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:     server.URL,
		Middlewares: []transport.ClientMiddleware{},
	})

	var result struct {
		LeaseID       string `json:"lease_id"`
		LeaseDuration int    `json:"lease_duration"`
	}
	if err := client.Do(context.Background(), http.MethodGet, "/v1/creds", "", nil, &result); err != nil {
		t.Fatal(err)
	}
	if result.LeaseID != "database/creds/role/abc" || result.LeaseDuration != 60 {
		t.Errorf("unexpected decoded result: %+v", result)
	}
}

func TestDoStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":["permission denied"]}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:     server.URL,
		Middlewares: []transport.ClientMiddleware{},
	})
	err := client.Do(context.Background(), http.MethodGet, "/v1/secret", "s.token", nil, nil)

	var statusErr *transport.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusForbidden {
		t.Errorf("code = %d, want 403", statusErr.Code)
	}
}

func TestDoResponseSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"` + strings.Repeat("x", 100) + `"}`))
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:         server.URL,
		MaxResponseSize: 64,
		Middlewares:     []transport.ClientMiddleware{},
	})
	if err := client.Do(context.Background(), http.MethodGet, "/v1/big", "", nil, nil); err == nil {
		t.Error("expected an error on oversized response body")
	}
}

func TestDoMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	client := transport.NewClient(transport.Config{
		BaseURL:     server.URL,
		Middlewares: []transport.ClientMiddleware{},
	})
	var result map[string]interface{}
	if err := client.Do(context.Background(), http.MethodGet, "/v1/x", "", nil, &result); err == nil {
		t.Error("expected an error on malformed response body")
	}
}
