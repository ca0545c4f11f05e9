/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * Watched-contract asset mappings are supplied as comma-separated
 * `address=ASSET` pairs, e.g. `EVM_ASSET_MAP=0xabc...=GOLD,0xdef...=SILVER`.
 * The watched address list is derived from the map's keys.
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

// Config holds all the configuration variables for the reconciliation-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	EVMRPCURL           string `mapstructure:"EVM_RPC_URL"`
	EVMAssetMap         string `mapstructure:"EVM_ASSET_MAP"`
	EVMStartHeight      uint64 `mapstructure:"EVM_START_HEIGHT"`
	EVMPollSeconds      int    `mapstructure:"EVM_POLL_SECONDS"`
	SolanaRPCURL        string `mapstructure:"SOLANA_RPC_URL"`
	SolanaAssetMap      string `mapstructure:"SOLANA_ASSET_MAP"`
	SolanaStartHeight   uint64 `mapstructure:"SOLANA_START_HEIGHT"`
	SolanaPollSeconds   int    `mapstructure:"SOLANA_POLL_SECONDS"`

	IngestBatchSize     uint64 `mapstructure:"INGEST_BATCH_SIZE"`
	SweepSchedule       string `mapstructure:"SWEEP_SCHEDULE"`
	LookupRetryAttempts int    `mapstructure:"LOOKUP_RETRY_ATTEMPTS"`
	LookupRetryDelayMS  int    `mapstructure:"LOOKUP_RETRY_DELAY_MS"`
	BatchRetryAttempts  int    `mapstructure:"BATCH_RETRY_ATTEMPTS"`
	BatchRetryDelayMS   int    `mapstructure:"BATCH_RETRY_DELAY_MS"`

	AdminRateLimitPerMinute int `mapstructure:"ADMIN_RATE_LIMIT_PER_MINUTE"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "aurum:rate_limit")
	viper.SetDefault("EVM_POLL_SECONDS", 5)
	viper.SetDefault("SOLANA_POLL_SECONDS", 2)
	viper.SetDefault("INGEST_BATCH_SIZE", 500)
	viper.SetDefault("SWEEP_SCHEDULE", "*/2 * * * *")
	viper.SetDefault("LOOKUP_RETRY_ATTEMPTS", 3)
	viper.SetDefault("LOOKUP_RETRY_DELAY_MS", 200)
	viper.SetDefault("BATCH_RETRY_ATTEMPTS", 4)
	viper.SetDefault("BATCH_RETRY_DELAY_MS", 500)
	viper.SetDefault("ADMIN_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "RECONCILIATION_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RECONCILIATION_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("EVM_RPC_URL")
	_ = viper.BindEnv("EVM_ASSET_MAP")
	_ = viper.BindEnv("EVM_START_HEIGHT")
	_ = viper.BindEnv("EVM_POLL_SECONDS")
	_ = viper.BindEnv("SOLANA_RPC_URL")
	_ = viper.BindEnv("SOLANA_ASSET_MAP")
	_ = viper.BindEnv("SOLANA_START_HEIGHT")
	_ = viper.BindEnv("SOLANA_POLL_SECONDS")
	_ = viper.BindEnv("INGEST_BATCH_SIZE")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("LOOKUP_RETRY_ATTEMPTS")
	_ = viper.BindEnv("LOOKUP_RETRY_DELAY_MS")
	_ = viper.BindEnv("BATCH_RETRY_ATTEMPTS")
	_ = viper.BindEnv("BATCH_RETRY_DELAY_MS")
	_ = viper.BindEnv("ADMIN_RATE_LIMIT_PER_MINUTE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("RECONCILIATION_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "aurum:rate_limit"
	}

	if config.IngestBatchSize == 0 {
		config.IngestBatchSize = 500
	}
	if config.EVMPollSeconds <= 0 {
		config.EVMPollSeconds = 5
	}
	if config.SolanaPollSeconds <= 0 {
		config.SolanaPollSeconds = 2
	}
	if config.LookupRetryAttempts <= 0 {
		config.LookupRetryAttempts = 3
	}
	if config.LookupRetryDelayMS <= 0 {
		config.LookupRetryDelayMS = 200
	}
	if config.BatchRetryAttempts <= 0 {
		config.BatchRetryAttempts = 4
	}
	if config.BatchRetryDelayMS <= 0 {
		config.BatchRetryDelayMS = 500
	}
	if config.AdminRateLimitPerMinute <= 0 {
		config.AdminRateLimitPerMinute = 30
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "*/2 * * * *"
	}

	return
}

// EVMAssets parses EVM_ASSET_MAP into an address-to-asset map.
func (c Config) EVMAssets() map[string]string {
	return parseAssetMap(c.EVMAssetMap)
}

// SolanaAssets parses SOLANA_ASSET_MAP into a program-to-asset map.
func (c Config) SolanaAssets() map[string]string {
	return parseAssetMap(c.SolanaAssetMap)
}

// parseAssetMap turns `address=ASSET,address=ASSET` into a map. Malformed
// pairs are logged and skipped rather than failing startup.
func parseAssetMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		address, asset, ok := strings.Cut(pair, "=")
		address = strings.TrimSpace(address)
		asset = strings.TrimSpace(asset)
		if !ok || address == "" || asset == "" {
			log.Printf("level=warn component=config msg=\"skipping malformed asset mapping\" pair=%q", pair)
			continue
		}
		out[address] = asset
	}
	return out
}
