package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds process-level configuration for the bot.
type Config struct {
	DiscordToken  string
	DataDir       string
	ConfigDir     string
	CommandPrefix string
	LogLevel      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		// .env file is optional, continue with environment variables
	}

	config := &Config{
		DiscordToken:  os.Getenv("DISCORD_TOKEN"),
		DataDir:       envOr("DATA_DIR", "data"),
		ConfigDir:     envOr("CONFIG_DIR", "config"),
		CommandPrefix: envOr("COMMAND_PREFIX", "!"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
	}

	if config.DiscordToken == "" {
		return nil, &ConfigError{Field: "DISCORD_TOKEN", Message: "DISCORD_TOKEN is required"}
	}

	return config, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
