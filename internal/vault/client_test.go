package vault

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"futures-trading-engine/config"
)

func vaultServer(t *testing.T, secretData map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/secret/data/trading-engine/binance", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		resp := map[string]interface{}{
			"data": map[string]interface{}{
				"data":     secretData,
				"metadata": map[string]interface{}{"version": 1},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"initialized": true,
			"sealed":      false,
			"standby":     false,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(addr string) config.VaultConfig {
	return config.VaultConfig{
		Enabled:    true,
		Address:    addr,
		Token:      "test-token",
		MountPath:  "secret",
		SecretPath: "trading-engine/binance",
	}
}

func TestCredentials(t *testing.T) {
	srv := vaultServer(t, map[string]interface{}{
		"api_key":    "key-from-vault",
		"secret_key": "secret-from-vault",
	})

	c, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	creds, err := c.Credentials(context.Background())
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if creds.APIKey != "key-from-vault" || creds.SecretKey != "secret-from-vault" {
		t.Errorf("got %+v, want vault values", creds)
	}
}

func TestCredentialsMissingField(t *testing.T) {
	srv := vaultServer(t, map[string]interface{}{"api_key": "only-key"})

	c, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.Credentials(context.Background()); err == nil {
		t.Fatalf("Credentials = nil error, want missing-field failure")
	}
}

func TestCredentialsAbsentSecret(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errors":[]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if _, err := c.Credentials(context.Background()); err == nil {
		t.Fatalf("Credentials = nil error, want not-found failure")
	}
}

func TestHealth(t *testing.T) {
	srv := vaultServer(t, map[string]interface{}{})

	c, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health: %v", err)
	}
}
