package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPAddr         string
	StoreDriver      string
	DBDSN            string
	DBMigrate        bool
	JWTIssuer        string
	JWTSecret        string
	JWTTTL           time.Duration
	InternalHash     string
	WebSocketOrigin  string
	CORSOrigins      []string
	QuoteBridgeURL   string
	QuoteFeedEnabled bool
	QuoteMaxAge      time.Duration
	QuoteTimeout     time.Duration
	CatalogTTL       time.Duration
	RedisURL         string
	MarginTiersFile  string
	RateLimitRPS     float64
	RateLimitBurst   float64
	LogLevel         string
	LogFormat        string
}

// LoadDotEnv reads .env style files into the environment without overriding
// variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	var c Config
	var missing []string

	c.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	c.StoreDriver = strings.ToLower(envOr("STORE_DRIVER", StoreDriverPostgres))
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		return c, errors.New("invalid STORE_DRIVER: use postgres or memory")
	}
	c.DBDSN = os.Getenv("DB_DSN")
	if c.StoreDriver == StoreDriverPostgres && c.DBDSN == "" {
		missing = append(missing, "DB_DSN")
	}
	c.JWTIssuer = os.Getenv("JWT_ISSUER")
	if c.JWTIssuer == "" {
		missing = append(missing, "JWT_ISSUER")
	}
	c.JWTSecret = os.Getenv("JWT_SECRET")
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	// without a hash every internal route answers 401
	c.InternalHash = os.Getenv("INTERNAL_API_TOKEN_HASH")
	if len(missing) > 0 {
		return c, errors.New("missing required env: " + strings.Join(missing, ","))
	}

	var err error
	if c.DBMigrate, err = envBool("DB_MIGRATE", true); err != nil {
		return c, err
	}
	if c.JWTTTL, err = envDuration("JWT_TTL", 24*time.Hour); err != nil {
		return c, err
	}
	c.WebSocketOrigin = envOr("WS_ORIGIN", "*")
	c.CORSOrigins = splitList(envOr("CORS_ORIGINS", "*"))
	c.QuoteBridgeURL = strings.TrimRight(os.Getenv("QUOTE_BRIDGE_URL"), "/")
	if c.QuoteFeedEnabled, err = envBool("QUOTE_FEED_ENABLED", false); err != nil {
		return c, err
	}
	if c.QuoteFeedEnabled && c.QuoteBridgeURL == "" {
		return c, errors.New("QUOTE_FEED_ENABLED requires QUOTE_BRIDGE_URL")
	}
	if c.QuoteMaxAge, err = envDuration("QUOTE_MAX_AGE", 5*time.Second); err != nil {
		return c, err
	}
	if c.QuoteTimeout, err = envDuration("QUOTE_TIMEOUT", 3*time.Second); err != nil {
		return c, err
	}
	if c.CatalogTTL, err = envDuration("CATALOG_TTL", 10*time.Minute); err != nil {
		return c, err
	}
	c.RedisURL = os.Getenv("REDIS_ADDR")
	c.MarginTiersFile = os.Getenv("MARGIN_TIERS_FILE")
	if c.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", 10); err != nil {
		return c, err
	}
	if c.RateLimitBurst, err = envFloat("RATE_LIMIT_BURST", 30); err != nil {
		return c, err
	}
	c.LogLevel = envOr("LOG_LEVEL", "info")
	c.LogFormat = envOr("LOG_FORMAT", "json")
	return c, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return def, fmt.Errorf("invalid %s: must be a positive number", key)
	}
	return f, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
