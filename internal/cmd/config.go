package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables that do not belong in the environment.
// Missing file or missing keys fall back to defaults.
type Config struct {
	Realtime struct {
		HeartbeatIntervalSeconds int   `yaml:"heartbeat_interval_seconds"`
		SendBufferSize           int   `yaml:"send_buffer_size"`
		MaxMessageSize           int64 `yaml:"max_message_size"`
		ReadTimeoutSeconds       int   `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds      int   `yaml:"write_timeout_seconds"`
	} `yaml:"realtime"`
	Bidding struct {
		SoftCloseWindowSeconds    int `yaml:"soft_close_window_seconds"`
		SoftCloseExtensionSeconds int `yaml:"soft_close_extension_seconds"`
	} `yaml:"bidding"`
	NATS struct {
		Enabled       bool   `yaml:"enabled"`
		StreamName    string `yaml:"stream_name"`
		ConsumerName  string `yaml:"consumer_name"`
		SubjectFilter string `yaml:"subject_filter"`
	} `yaml:"nats"`
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	var config Config
	config.NATS.Enabled = true

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

func (c *Config) heartbeatInterval() time.Duration {
	if c.Realtime.HeartbeatIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Realtime.HeartbeatIntervalSeconds) * time.Second
}
