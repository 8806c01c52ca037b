package config

import (
	"os"
)

type Config struct {
	Server ServerConfig
	Log    LogConfig
}

type ServerConfig struct {
	Address string
}

type LogConfig struct {
	Level  string
	Format string
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: getenv("SERVER_ADDRESS", ":8080"),
		},
		Log: LogConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "json"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
