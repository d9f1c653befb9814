package vault

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/config"
)

// LoadSecrets overlays Vault-managed secrets onto the engine configuration.
// Each secret group is loaded independently and failures are logged rather
// than fatal, so environments can mix Vault-managed and env-managed
// credentials.
func LoadSecrets(ctx context.Context, cfg *config.Config, vaultCfg Config) error {
	if !vaultCfg.Enabled {
		log.Info().Msg("Vault integration disabled, using environment for secrets")
		return nil
	}

	log.Info().Msg("Loading secrets from HashiCorp Vault")

	client, err := NewClient(vaultCfg)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}

	if err := loadDatabaseSecrets(ctx, client, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load database secrets from Vault")
	}
	if err := loadRedisSecrets(ctx, client, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load Redis secrets from Vault")
	}
	if err := loadProviderSecrets(ctx, client, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load market provider secrets from Vault")
	}
	if err := loadLLMSecrets(ctx, client, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load LLM secrets from Vault")
	}
	if err := loadAlertSecrets(ctx, client, cfg); err != nil {
		log.Warn().Err(err).Msg("Failed to load alert secrets from Vault")
	}

	log.Info().Msg("Secrets loaded from Vault")
	return nil
}

func loadDatabaseSecrets(ctx context.Context, client *Client, cfg *config.Config) error {
	secrets, err := client.GetSecret(ctx, "database")
	if err != nil {
		return err
	}

	if password, ok := secrets["password"].(string); ok && password != "" {
		cfg.Database.Password = password
		log.Info().Msg("Loaded database password from Vault")
	}
	if user, ok := secrets["user"].(string); ok && user != "" {
		cfg.Database.User = user
	}

	return nil
}

func loadRedisSecrets(ctx context.Context, client *Client, cfg *config.Config) error {
	secrets, err := client.GetSecret(ctx, "redis")
	if err != nil {
		return err
	}

	if password, ok := secrets["password"].(string); ok && password != "" {
		cfg.Redis.Password = password
		log.Info().Msg("Loaded Redis password from Vault")
	}

	return nil
}

func loadProviderSecrets(ctx context.Context, client *Client, cfg *config.Config) error {
	secrets, err := client.GetSecret(ctx, "provider")
	if err != nil {
		return err
	}

	if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
		cfg.Provider.APIKey = apiKey
		log.Info().Msg("Loaded market provider API key from Vault")
	}

	return nil
}

func loadLLMSecrets(ctx context.Context, client *Client, cfg *config.Config) error {
	secrets, err := client.GetSecret(ctx, "llm")
	if err != nil {
		return err
	}

	if apiKey, ok := secrets["api_key"].(string); ok && apiKey != "" {
		cfg.LLM.APIKey = apiKey
		log.Info().Msg("Loaded LLM API key from Vault")
	}

	return nil
}

func loadAlertSecrets(ctx context.Context, client *Client, cfg *config.Config) error {
	secrets, err := client.GetSecret(ctx, "alerts")
	if err != nil {
		return err
	}

	if token, ok := secrets["telegram_bot_token"].(string); ok && token != "" {
		cfg.Alerts.Telegram.BotToken = token
		log.Info().Msg("Loaded Telegram bot token from Vault")
	}

	return nil
}
