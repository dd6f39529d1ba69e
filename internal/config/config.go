package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
)

// Config holds all runtime configuration values.  Each field corresponds
// to an environment variable.  Strings for identifiers and secrets,
// ints for durations and limits.
type Config struct {
	Env               string // application environment (e.g. "dev", "prod")
	Port              string // HTTP port to listen on
	DBUser            string // database username
	DBPass            string // database password (optional)
	DBHost            string // database host address
	DBPort            string // database port number
	DBName            string // database name
	JWTSecret         string // secret used to sign admin access tokens
	AccessTTLMin      int    // admin access token time-to-live in minutes
	AdminPassHash     string // bcrypt hash of the admin password
	OpenNodeAPIKey    string // OpenNode API key; also the webhook HMAC secret
	OpenNodeAPIURL    string // OpenNode API base URL (override for tests/staging)
	ChargeTTLMin      int    // time-to-live requested for new charges, minutes
	MaxPixelsPerOrder int    // hard cap on cells in a single purchase
	WebhookURL        string // callback URL handed to the payment provider (optional)
}

// Load reads configuration values from environment variables and
// returns a Config.  Required variables are enforced by must() and
// missing values cause the program to exit with a fatal log message.
// Optional values fall back to sensible defaults.
func Load() Config {
	return Config{
		Env:               must("APP_ENV"),
		Port:              must("APP_PORT"),
		DBUser:            must("DB_USER"),
		DBPass:            os.Getenv("DB_PASS"), // empty allowed
		DBHost:            must("DB_HOST"),
		DBPort:            must("DB_PORT"),
		DBName:            must("DB_NAME"),
		JWTSecret:         must("JWT_SECRET"),
		AccessTTLMin:      optInt("ACCESS_TOKEN_TTL_MIN", 60),
		AdminPassHash:     must("ADMIN_PASSWORD_HASH"),
		OpenNodeAPIKey:    must("OPENNODE_API_KEY"),
		OpenNodeAPIURL:    getenv("OPENNODE_API_URL", "https://api.opennode.com"),
		ChargeTTLMin:      optInt("CHARGE_TTL_MIN", 10),
		MaxPixelsPerOrder: optInt("MAX_PIXELS_PER_ORDER", 10000),
		WebhookURL:        os.Getenv("PAYMENT_WEBHOOK_URL"),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// optInt reads an optional integer variable, returning def when the
// variable is unset.  A present but malformed value is fatal rather
// than silently defaulted, so operator typos surface at startup.
func optInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}
