package vault

import (
	"context"
	"testing"

	"github.com/reversalpro/broker/config"
)

func TestClient_DisabledRoundTripsThroughCache(t *testing.T) {
	c, err := NewClient(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx := context.Background()
	creds := Credentials{APIKey: "key", SecretKey: "secret", IsTestnet: true}
	if err := c.StoreCredentials(ctx, 42, creds); err != nil {
		t.Fatalf("StoreCredentials: %v", err)
	}

	got, err := c.GetCredentials(ctx, 42)
	if err != nil {
		t.Fatalf("GetCredentials: %v", err)
	}
	if got != creds {
		t.Errorf("got %+v, want %+v", got, creds)
	}
}

func TestClient_DisabledMissingAgentErrors(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	if _, err := c.GetCredentials(context.Background(), 99); err == nil {
		t.Error("expected error for agent with no stored credentials")
	}
}

func TestClient_DeleteCredentialsClearsCache(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	ctx := context.Background()
	_ = c.StoreCredentials(ctx, 1, Credentials{APIKey: "k"})
	if err := c.DeleteCredentials(ctx, 1); err != nil {
		t.Fatalf("DeleteCredentials: %v", err)
	}
	if _, err := c.GetCredentials(ctx, 1); err == nil {
		t.Error("expected error after deletion")
	}
}

func TestClient_HealthNoopWhenDisabled(t *testing.T) {
	c, _ := NewClient(config.VaultConfig{Enabled: false})
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("Health should be a no-op when disabled, got %v", err)
	}
}
