package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the connector host configuration.
type Config struct {
	// PromptTimeoutMs bounds consent prompts and vault-unlock waits.
	PromptTimeoutMs int `yaml:"prompt_timeout_ms"`

	// AllowAutoUnlock brings the host to foreground and waits for a
	// vault unlock when a request arrives with everything locked.
	AllowAutoUnlock bool `yaml:"allow_auto_unlock"`

	// GrantDBPath is the SQLite file for durable permission grants.
	GrantDBPath string `yaml:"grant_db_path"`

	// Extension describes the connecting extension as declared by the
	// transport. Real hosts derive this from the native-messaging origin.
	Extension ExtensionConfig `yaml:"extension"`

	// PasswordLength is the generated-password length.
	PasswordLength int `yaml:"password_length"`
}

// ExtensionConfig identifies the peer extension for this transport.
type ExtensionConfig struct {
	Name       string `yaml:"name"`
	AppName    string `yaml:"app_name"`
	NativeHost bool   `yaml:"native_host"`
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PromptTimeoutMs: 60000,
		AllowAutoUnlock: true,
		GrantDBPath:     "keeweb-grants.db",
		Extension: ExtensionConfig{
			Name:       "keeweb-connect",
			AppName:    "KeeWeb",
			NativeHost: true,
		},
		PasswordLength: 20,
	}
}
