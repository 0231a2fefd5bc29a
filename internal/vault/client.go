// Package vault stores and retrieves each live-mode agent's exchange API
// credentials, grounded on the teacher's internal/vault.Client: same
// HashiCorp Vault KV-v2 path scheme and in-memory cache fallback, narrowed
// from a multi-exchange per-user store to one credential pair per agent.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/reversalpro/broker/config"
)

// Credentials is one agent's live-mode venue API key/secret.
type Credentials struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client wraps the HashiCorp Vault client, falling back to an in-memory
// cache when Vault is disabled (local/paper-only deployments).
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache map[int64]Credentials
}

// NewClient constructs a Client. With cfg.Enabled false it runs purely
// in-memory: credentials survive for the process lifetime, not across
// restarts, which is fine for paper-only or single-process deployments.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg, cache: make(map[int64]Credentials)}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("vault: create client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg, cache: make(map[int64]Credentials)}, nil
}

// StoreCredentials writes an agent's venue credentials.
func (c *Client) StoreCredentials(ctx context.Context, agentID int64, creds Credentials) error {
	c.mu.Lock()
	c.cache[agentID] = creds
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	path := c.secretPath(agentID)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"api_key": creds.APIKey, "secret_key": creds.SecretKey, "is_testnet": creds.IsTestnet,
		},
	}
	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("vault: store credentials: %w", err)
	}
	return nil
}

// GetCredentials returns an agent's venue credentials, checking the
// in-memory cache before Vault.
func (c *Client) GetCredentials(ctx context.Context, agentID int64) (Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[agentID]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return Credentials{}, fmt.Errorf("vault: no credentials cached for agent %d and vault is disabled", agentID)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.secretPath(agentID))
	if err != nil {
		return Credentials{}, fmt.Errorf("vault: read credentials: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("vault: no credentials stored for agent %d", agentID)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("vault: malformed secret for agent %d", agentID)
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
		IsTestnet: getBool(data, "is_testnet"),
	}

	c.mu.Lock()
	c.cache[agentID] = creds
	c.mu.Unlock()
	return creds, nil
}

// DeleteCredentials removes an agent's stored credentials.
func (c *Client) DeleteCredentials(ctx context.Context, agentID int64) error {
	c.mu.Lock()
	delete(c.cache, agentID)
	c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}
	path := fmt.Sprintf("%s/metadata/%s/%d", c.config.MountPath, c.config.SecretPath, agentID)
	if _, err := c.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("vault: delete credentials: %w", err)
	}
	return nil
}

// IsEnabled reports whether Vault-backed persistence is active.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection, a no-op when Vault is disabled.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault: health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: sealed")
	}
	return nil
}

func (c *Client) secretPath(agentID int64) string {
	return fmt.Sprintf("%s/data/%s/%d", c.config.MountPath, c.config.SecretPath, agentID)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}
