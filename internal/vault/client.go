// Package vault reads the exchange credentials from HashiCorp Vault so
// API keys never have to live in the config file. Only the KV v2
// secrets engine is supported.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/vault/api"

	"futures-trading-engine/config"
)

// Credentials is the secret payload the engine needs to sign requests.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the Vault API client for credential reads.
type Client struct {
	client *api.Client
	cfg    config.VaultConfig
}

// NewClient builds a Vault client from config. Callers gate on
// cfg.Enabled; this constructor assumes Vault is wanted.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{CACert: cfg.CACert}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, cfg: cfg}, nil
}

// Credentials reads the API key pair from the configured KV v2 path
// (<mount>/data/<secret_path>).
func (c *Client) Credentials(ctx context.Context) (Credentials, error) {
	path := fmt.Sprintf("%s/data/%s", c.cfg.MountPath, c.cfg.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("vault: no secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("vault: secret at %s is not in KV v2 format", path)
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("vault: secret at %s is missing api_key or secret_key", path)
	}
	return creds, nil
}

// Health fails when Vault is unreachable or sealed.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
