/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the transfer-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	TransferEventExchange    string `mapstructure:"TRANSFER_EVENT_EXCHANGE"`
	LedgerAPIBaseURL         string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey             string `mapstructure:"LEDGER_API_KEY"`
	MarketplaceJWKSURL       string `mapstructure:"MARKETPLACE_JWKS_URL"`
	MarketplaceAudience      string `mapstructure:"MARKETPLACE_AUDIENCE"`
	MarketplaceIssuer        string `mapstructure:"MARKETPLACE_ISSUER"`
	ClaimTTLDays             int    `mapstructure:"CLAIM_TTL_DAYS"`
	ClaimRetentionDays       int    `mapstructure:"CLAIM_RETENTION_DAYS"`
	ClaimPurgeSchedule       string `mapstructure:"CLAIM_PURGE_SCHEDULE"`
	VerifyRateLimitPerMinute int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`
	AcceptRateLimitPerMinute int    `mapstructure:"ACCEPT_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "transfer:rate_limit")
	viper.SetDefault("TRANSFER_EVENT_EXCHANGE", "transfer.events")
	viper.SetDefault("CLAIM_TTL_DAYS", 7)
	viper.SetDefault("CLAIM_RETENTION_DAYS", 30)
	viper.SetDefault("CLAIM_PURGE_SCHEDULE", "0 3 * * *")
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("ACCEPT_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRANSFER_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TRANSFER_EVENT_EXCHANGE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY", "LEDGER_API_KEY", "RESOURCE_LEDGER_API_KEY")
	_ = viper.BindEnv("MARKETPLACE_JWKS_URL")
	_ = viper.BindEnv("MARKETPLACE_AUDIENCE")
	_ = viper.BindEnv("MARKETPLACE_ISSUER")
	_ = viper.BindEnv("CLAIM_TTL_DAYS")
	_ = viper.BindEnv("CLAIM_RETENTION_DAYS")
	_ = viper.BindEnv("CLAIM_PURGE_SCHEDULE")
	_ = viper.BindEnv("VERIFY_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ACCEPT_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "transfer:rate_limit"
	}
	config.MarketplaceAudience = strings.TrimSpace(config.MarketplaceAudience)
	config.MarketplaceIssuer = strings.TrimSpace(config.MarketplaceIssuer)
	config.LedgerAPIKey = strings.TrimSpace(config.LedgerAPIKey)
	if config.LedgerAPIKey == "" {
		config.LedgerAPIKey = strings.TrimSpace(os.Getenv("RESOURCE_LEDGER_API_KEY"))
	}

	if config.ClaimTTLDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive claim ttl configured; using default\" ttl_days=%d", config.ClaimTTLDays)
		config.ClaimTTLDays = 7
	}
	if config.ClaimRetentionDays <= 0 {
		config.ClaimRetentionDays = 30
	}
	if strings.TrimSpace(config.ClaimPurgeSchedule) == "" {
		config.ClaimPurgeSchedule = "0 3 * * *"
	}
	if config.VerifyRateLimitPerMinute < 0 {
		config.VerifyRateLimitPerMinute = 0
	}
	if config.AcceptRateLimitPerMinute < 0 {
		config.AcceptRateLimitPerMinute = 0
	}

	return
}
