package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config is the runtime configuration. Zero values are replaced by defaults
// on load; the endpoint lists are part of the config so tests can point the
// dispatcher at local servers.
type Config struct {
	Port     int    `json:"port"`
	Host     string `json:"host"`
	APIKey   string `json:"apiKey,omitempty"`
	Strategy string `json:"strategy,omitempty"`
	DevMode  bool   `json:"-"`

	MaxRetries           int   `json:"maxRetries"`
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`
	TokenCacheTTLMs      int64 `json:"tokenCacheTtlMs"`
	MaxAccounts          int   `json:"maxAccounts"`
	FallbackEnabled      bool  `json:"fallbackEnabled"`

	Endpoints               []string `json:"endpoints,omitempty"`
	LoadCodeAssistEndpoints []string `json:"loadCodeAssistEndpoints,omitempty"`
	DefaultProjectID        string   `json:"defaultProjectId,omitempty"`

	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`

	AccountsPath string `json:"accountsPath,omitempty"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:                    DefaultPort,
		Host:                    "0.0.0.0",
		Strategy:                DefaultSelectionStrategy,
		MaxRetries:              MaxRetries,
		DefaultCooldownMs:       DefaultCooldownMs,
		MaxWaitBeforeErrorMs:    MaxWaitBeforeErrorMs,
		TokenCacheTTLMs:         TokenCacheTTLMs,
		MaxAccounts:             MaxAccounts,
		FallbackEnabled:         true,
		Endpoints:               EndpointFallbacks,
		LoadCodeAssistEndpoints: LoadCodeAssistEndpoints,
		DefaultProjectID:        DefaultProjectID,
		AccountsPath:            AccountsPath(),
	}
}

// Load merges values from the config file on disk, if present.
func (c *Config) Load() error {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}

	if loaded.Port > 0 {
		c.Port = loaded.Port
	}
	if loaded.Host != "" {
		c.Host = loaded.Host
	}
	if loaded.APIKey != "" {
		c.APIKey = loaded.APIKey
	}
	if loaded.Strategy != "" {
		c.Strategy = loaded.Strategy
	}
	if loaded.MaxRetries > 0 {
		c.MaxRetries = loaded.MaxRetries
	}
	if loaded.DefaultCooldownMs > 0 {
		c.DefaultCooldownMs = loaded.DefaultCooldownMs
	}
	if loaded.MaxWaitBeforeErrorMs > 0 {
		c.MaxWaitBeforeErrorMs = loaded.MaxWaitBeforeErrorMs
	}
	if loaded.TokenCacheTTLMs > 0 {
		c.TokenCacheTTLMs = loaded.TokenCacheTTLMs
	}
	if loaded.MaxAccounts > 0 {
		c.MaxAccounts = loaded.MaxAccounts
	}
	var aux struct {
		FallbackEnabled *bool `json:"fallbackEnabled"`
	}
	if err := json.Unmarshal(data, &aux); err == nil && aux.FallbackEnabled != nil {
		c.FallbackEnabled = *aux.FallbackEnabled
	}
	if len(loaded.Endpoints) > 0 {
		c.Endpoints = loaded.Endpoints
	}
	if len(loaded.LoadCodeAssistEndpoints) > 0 {
		c.LoadCodeAssistEndpoints = loaded.LoadCodeAssistEndpoints
	}
	if loaded.DefaultProjectID != "" {
		c.DefaultProjectID = loaded.DefaultProjectID
	}
	if loaded.RedisAddr != "" {
		c.RedisAddr = loaded.RedisAddr
		c.RedisPassword = loaded.RedisPassword
		c.RedisDB = loaded.RedisDB
	}
	if loaded.AccountsPath != "" {
		c.AccountsPath = loaded.AccountsPath
	}

	return nil
}

// Save writes the config file to disk.
func (c *Config) Save() error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
