// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// minTokenLength rejects values that cannot be a GitHub token.
const minTokenLength = 21

var ErrTokenMissing = errors.New("OCTOPHUS_GITHUB_TOKEN not set")

type Config struct {
	// Server
	Addr string

	// Logging
	LogLevel  string
	LogFormat string

	// GitHub
	GitHubToken   string
	GitHubAPIURL  string
	BlobCacheSize int

	// Repo, when set, is opened at startup ("owner/name[:branch]").
	Repo string

	// Basic auth for the editor API; disabled when either is empty.
	AuthUser     string
	AuthPassword string
	// AuthProxy trusts the username set by a reverse proxy when basic auth
	// is disabled.
	AuthProxy bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	addr := envOr("OCTOPHUS_ADDR", ":8080")
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	cfg := &Config{
		Addr:          addr,
		LogLevel:      envOr("OCTOPHUS_LOG_LEVEL", "info"),
		LogFormat:     envOr("OCTOPHUS_LOG_FORMAT", "json"),
		GitHubToken:   os.Getenv("OCTOPHUS_GITHUB_TOKEN"),
		GitHubAPIURL:  os.Getenv("OCTOPHUS_GITHUB_API_URL"),
		BlobCacheSize: envInt("OCTOPHUS_BLOB_CACHE_SIZE", 256),
		Repo:          os.Getenv("OCTOPHUS_REPO"),
		AuthUser:      os.Getenv("OCTOPHUS_AUTH_USER"),
		AuthPassword:  os.Getenv("OCTOPHUS_AUTH_PASSWORD"),
		AuthProxy:     envBool("OCTOPHUS_AUTH_PROXY"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return ErrTokenMissing
	}
	if len(c.GitHubToken) < minTokenLength {
		return fmt.Errorf("OCTOPHUS_GITHUB_TOKEN too short (%d chars); needs repo access, see https://github.com/settings/tokens/new", len(c.GitHubToken))
	}
	if c.BlobCacheSize <= 0 {
		return fmt.Errorf("OCTOPHUS_BLOB_CACHE_SIZE must be positive, got %d", c.BlobCacheSize)
	}
	return nil
}

// AuthEnabled reports whether the API is guarded by basic auth.
func (c *Config) AuthEnabled() bool {
	return c.AuthUser != "" && c.AuthPassword != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
