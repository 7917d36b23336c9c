// Package config loads runtime configuration for the fedigo-demo binary
// from environment variables, in the teacher's getEnv/parseDuration/
// parseInt style (internal/config/config.go).
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for a demo federation server.
type Config struct {
	LocalDomain       string
	Port              string
	DatabaseURL       string
	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	RequireSignature  bool

	// Username is the single demo actor's identifier, served at
	// /users/{username}.
	Username    string
	DisplayName string
	Summary     string

	// Tunable performance constants.
	DocumentCacheTTL    time.Duration // DOCUMENT_CACHE_TTL — TTL for the JSON-LD document/WebFinger caches (default 1h)
	InboxVerifyWindow   time.Duration // INBOX_VERIFY_WINDOW — allowed clock skew for inbound HTTP signatures (default 1h)
	DeliveryConcurrency int           // DELIVERY_CONCURRENCY — max concurrent outbound deliveries (default 10)
}

// Load reads configuration from environment variables, applying the same
// fallback defaults the teacher's Load does for its own settings.
func Load() *Config {
	username := getEnv("FEDIGO_USERNAME", "demo")
	displayName := os.Getenv("FEDIGO_DISPLAY_NAME")
	if displayName == "" {
		displayName = username
	}

	return &Config{
		LocalDomain:       getEnv("LOCAL_DOMAIN", "http://localhost:8000"),
		Port:              getEnv("PORT", "8000"),
		DatabaseURL:       getEnv("DATABASE_URL", "fedigo.db"),
		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "private.pem"),
		RSAPublicKeyPath:  getEnv("RSA_PUBLIC_KEY_PATH", "public.pem"),
		RequireSignature:  getEnv("REQUIRE_SIGNATURE", "true") != "false",

		Username:    username,
		DisplayName: displayName,
		Summary:     os.Getenv("FEDIGO_SUMMARY"),

		DocumentCacheTTL:    parseDuration(os.Getenv("DOCUMENT_CACHE_TTL"), time.Hour),
		InboxVerifyWindow:   parseDuration(os.Getenv("INBOX_VERIFY_WINDOW"), time.Hour),
		DeliveryConcurrency: parseInt(os.Getenv("DELIVERY_CONCURRENCY"), 10),
	}
}

// URL returns the parsed local domain as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.LocalDomain)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return strings.TrimRight(c.LocalDomain, "/") + path
}

// Host returns the bare hostname (no scheme/port) of LocalDomain, for
// Router.CanonicalHost.
func (c *Config) Host() string {
	return c.URL().Host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
