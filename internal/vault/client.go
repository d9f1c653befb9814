// Package vault retrieves engine secrets from HashiCorp Vault.
//
// Secrets live under a KV v2 mount (default "secret") at a configurable
// base path (default "stockcouncil/production"). When Vault is disabled
// the engine falls back to environment variables and config file values,
// so local development does not require a running Vault.
package vault

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

// Config holds Vault connection configuration
type Config struct {
	Enabled    bool
	Address    string        // Vault server address
	Token      string        // Vault token (token auth)
	AuthMethod string        // "token", "kubernetes", "approle"
	MountPath  string        // KV v2 mount path (default: "secret")
	SecretPath string        // base path for engine secrets
	Namespace  string        // Vault namespace (Enterprise)
	CacheTTL   time.Duration // how long to cache secrets (default: 5 minutes)
}

// Client wraps the Vault API client with a read-through secret cache
type Client struct {
	client   *vault.Client
	config   Config
	cache    map[string]*cachedSecret
	cacheMu  sync.RWMutex
	cacheTTL time.Duration
}

type cachedSecret struct {
	data      map[string]interface{}
	expiresAt time.Time
}

// NewClient creates a new Vault client and authenticates it.
func NewClient(cfg Config) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	if cfg.Address == "" {
		cfg.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}
	if cfg.SecretPath == "" {
		cfg.SecretPath = "stockcouncil/production"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	switch cfg.AuthMethod {
	case "token", "":
		if cfg.Token == "" {
			cfg.Token = os.Getenv("VAULT_TOKEN")
		}
		if cfg.Token == "" {
			return nil, fmt.Errorf("VAULT_TOKEN not set for token authentication")
		}
		client.SetToken(cfg.Token)

	case "kubernetes":
		if err := authenticateKubernetes(client); err != nil {
			return nil, fmt.Errorf("kubernetes authentication failed: %w", err)
		}

	case "approle":
		if err := authenticateAppRole(client); err != nil {
			return nil, fmt.Errorf("AppRole authentication failed: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported Vault auth method: %s", cfg.AuthMethod)
	}

	log.Info().
		Str("address", cfg.Address).
		Str("auth_method", cfg.AuthMethod).
		Str("mount_path", cfg.MountPath).
		Str("secret_path", cfg.SecretPath).
		Dur("cache_ttl", cfg.CacheTTL).
		Msg("Vault client initialized")

	return &Client{
		client:   client,
		config:   cfg,
		cache:    make(map[string]*cachedSecret),
		cacheTTL: cfg.CacheTTL,
	}, nil
}

// GetSecret retrieves a secret from the KV v2 engine.
// path is relative to the configured SecretPath, e.g. "database".
func (c *Client) GetSecret(ctx context.Context, path string) (map[string]interface{}, error) {
	if cached := c.getCached(path); cached != nil {
		log.Debug().Str("path", path).Msg("Vault secret served from cache")
		return cached, nil
	}

	metrics.RecordVaultCacheMiss()

	fullPath := fmt.Sprintf("%s/data/%s/%s", c.config.MountPath, c.config.SecretPath, path)

	secret, err := c.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		metrics.RecordVaultRequest(err)
		return nil, fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if secret == nil {
		notFound := fmt.Errorf("secret not found at path: %s", fullPath)
		metrics.RecordVaultRequest(notFound)
		return nil, notFound
	}

	// KV v2 nests the payload under a "data" key
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	metrics.RecordVaultRequest(nil)
	c.setCached(path, data)
	log.Debug().Str("path", path).Msg("Vault secret retrieved and cached")

	return data, nil
}

// GetSecretString retrieves a single string value from a secret.
func (c *Client) GetSecretString(ctx context.Context, path, key string) (string, error) {
	data, err := c.GetSecret(ctx, path)
	if err != nil {
		return "", err
	}

	value, ok := data[key].(string)
	if !ok {
		return "", fmt.Errorf("key %q not found or not a string at %s", key, path)
	}

	return value, nil
}

// Health checks whether Vault is initialized and unsealed.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if !health.Initialized {
		return fmt.Errorf("vault is not initialized")
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

// ClearCache drops all cached secrets.
func (c *Client) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache = make(map[string]*cachedSecret)
}

func (c *Client) getCached(path string) map[string]interface{} {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()

	cached, ok := c.cache[path]
	if !ok {
		return nil
	}
	if time.Now().After(cached.expiresAt) {
		return nil
	}

	metrics.RecordVaultCacheHit()
	return cached.data
}

func (c *Client) setCached(path string, data map[string]interface{}) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	c.cache[path] = &cachedSecret{
		data:      data,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
}

// authenticateKubernetes performs Kubernetes service account authentication
func authenticateKubernetes(client *vault.Client) error {
	jwtPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
	jwt, err := os.ReadFile(jwtPath)
	if err != nil {
		return fmt.Errorf("failed to read service account token: %w", err)
	}

	role := os.Getenv("VAULT_K8S_ROLE")
	if role == "" {
		role = "stockcouncil"
	}

	data := map[string]interface{}{
		"jwt":  string(jwt),
		"role": role,
	}

	secret, err := client.Logical().Write("auth/kubernetes/login", data)
	if err != nil {
		return fmt.Errorf("failed to login with Kubernetes auth: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("kubernetes authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)

	log.Info().Str("role", role).Msg("Authenticated to Vault using Kubernetes service account")
	return nil
}

// authenticateAppRole performs AppRole authentication
func authenticateAppRole(client *vault.Client) error {
	roleID := os.Getenv("VAULT_ROLE_ID")
	secretID := os.Getenv("VAULT_SECRET_ID")

	if roleID == "" || secretID == "" {
		return fmt.Errorf("VAULT_ROLE_ID and VAULT_SECRET_ID must be set for AppRole authentication")
	}

	data := map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	}

	secret, err := client.Logical().Write("auth/approle/login", data)
	if err != nil {
		return fmt.Errorf("failed to login with AppRole: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("AppRole authentication returned no token")
	}

	client.SetToken(secret.Auth.ClientToken)

	log.Info().Msg("Authenticated to Vault using AppRole")
	return nil
}

// ConfigFromEnv builds a Vault Config from standard VAULT_* environment
// variables. Vault integration is off unless VAULT_ENABLED=true.
func ConfigFromEnv() Config {
	if os.Getenv("VAULT_ENABLED") != "true" {
		return Config{Enabled: false}
	}

	return Config{
		Enabled:    true,
		Address:    getEnvOrDefault("VAULT_ADDR", "http://localhost:8200"),
		Token:      os.Getenv("VAULT_TOKEN"),
		AuthMethod: getEnvOrDefault("VAULT_AUTH_METHOD", "token"),
		MountPath:  getEnvOrDefault("VAULT_MOUNT_PATH", "secret"),
		SecretPath: getEnvOrDefault("VAULT_SECRET_PATH", "stockcouncil/production"),
		Namespace:  os.Getenv("VAULT_NAMESPACE"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
