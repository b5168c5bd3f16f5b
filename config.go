package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/go-authgate/session-cli/idp"
	"github.com/go-authgate/session-cli/scheduler"
	"github.com/go-authgate/session-cli/store"
)

// Supported values of -store.
const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"
)

// config is everything the CLI needs to build a session manager.
type config struct {
	ServerURL     string
	APIURL        string
	ClientID      string
	Store         string
	TokenFile     string
	RedisAddr     string
	RedisPrefix   string
	RefreshMargin time.Duration
	LogLevel      string
	LogFile       string
}

var (
	cfg               config
	flagServerURL     *string
	flagAPIURL        *string
	flagClientID      *string
	flagStore         *string
	flagTokenFile     *string
	flagRedisAddr     *string
	flagRedisPrefix   *string
	flagRefreshMargin *string
	flagLogLevel      *string
	flagLogFile       *string
	configInitialized bool
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"Identity provider URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagAPIURL = flag.String("api-url", "", "Business API URL (default: server URL or API_URL env)")
	flagClientID = flag.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)")
	flagStore = flag.String("store", "", "Session backend: file, redis or memory (default: file or SESSION_STORE env)")
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Session storage file (default: .authgate-session.json or TOKEN_FILE env)",
	)
	flagRedisAddr = flag.String("redis-addr", "", "Redis address (default: localhost:6379 or REDIS_ADDR env)")
	flagRedisPrefix = flag.String("redis-prefix", "", "Redis key prefix (default: authgate:session or REDIS_PREFIX env)")
	flagRefreshMargin = flag.String(
		"refresh-margin",
		"",
		"Renew this long before the access credential expires (default: 60s or REFRESH_MARGIN env)",
	)
	flagLogLevel = flag.String("log-level", "", "Log level (default: warn or LOG_LEVEL env)")
	flagLogFile = flag.String("log-file", "", "Log file (default: stderr in plain mode or LOG_FILE env)")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	// Priority: flag > env > default
	c := config{
		ServerURL:   getConfig(*flagServerURL, "SERVER_URL", "http://localhost:8080"),
		ClientID:    getConfig(*flagClientID, "CLIENT_ID", ""),
		Store:       strings.ToLower(getConfig(*flagStore, "SESSION_STORE", backendFile)),
		TokenFile:   getConfig(*flagTokenFile, "TOKEN_FILE", ".authgate-session.json"),
		RedisAddr:   getConfig(*flagRedisAddr, "REDIS_ADDR", "localhost:6379"),
		RedisPrefix: getConfig(*flagRedisPrefix, "REDIS_PREFIX", store.DefaultRedisPrefix),
		LogLevel:    getConfig(*flagLogLevel, "LOG_LEVEL", "warn"),
		LogFile:     getConfig(*flagLogFile, "LOG_FILE", ""),
	}
	c.APIURL = getConfig(*flagAPIURL, "API_URL", c.ServerURL)

	margin, err := parseDuration(getConfig(*flagRefreshMargin, "REFRESH_MARGIN", ""), scheduler.DefaultMargin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid REFRESH_MARGIN: %v\n", err)
		os.Exit(1)
	}
	c.RefreshMargin = margin

	if err := c.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Credentials will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	if c.ClientID == "" {
		fmt.Println("Error: CLIENT_ID not set. Please provide it via:")
		fmt.Println("  1. Command line flag: -client-id=<your-client-id>")
		fmt.Println("  2. Environment variable: CLIENT_ID=<your-client-id>")
		fmt.Println("  3. .env file: CLIENT_ID=<your-client-id>")
		fmt.Println("\nYou can find the client_id in the identity provider startup logs.")
		os.Exit(1)
	}

	// Validate CLIENT_ID format (should be UUID)
	if _, err := uuid.Parse(c.ClientID); err != nil {
		fmt.Fprintf(
			os.Stderr,
			"⚠️  Warning: CLIENT_ID doesn't appear to be a valid UUID: %s\n",
			c.ClientID,
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This may cause authentication issues if the server expects UUID format.",
		)
		fmt.Fprintln(os.Stderr)
	}

	cfg = c
}

// validate checks the URLs and the backend choice.
func (c config) validate() error {
	if err := idp.ValidateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if err := idp.ValidateServerURL(c.APIURL); err != nil {
		return fmt.Errorf("invalid API_URL: %w", err)
	}
	switch c.Store {
	case backendFile, backendRedis, backendMemory:
	default:
		return fmt.Errorf("unknown SESSION_STORE %q (want file, redis or memory)", c.Store)
	}
	if c.RefreshMargin < 0 {
		return fmt.Errorf("REFRESH_MARGIN must not be negative, got %s", c.RefreshMargin)
	}
	return nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses s, returning def when s is empty.
func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
