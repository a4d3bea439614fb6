// Package config holds runtime configuration, populated from CLI flags with
// environment-variable fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Listen                    string
	Database                  string   // write pool DSN
	DatabaseSandbox           []string // sandbox pool DSNs (repeatable)
	DatabaseReplica           []string // replica pool DSNs (repeatable, optional)
	SchemaPath                string   // JSON-Schema draft-04 file, optional
	AuthPath                  string   // authorization policy file, optional
	Admin                     AdminConfig
	PoolAcquireTimeoutSeconds int
}

// AdminConfig holds admin account credentials read from the environment.
// Nothing in the server reads them; force-mode creates are gated by the
// authz policy instead.
type AdminConfig struct {
	Email    string
	Password string
}

// DSN is a parsed "user[:password]@host[:port]/database" connection string,
// the form --database/--database_sandbox/--database_replica accept.
type DSN struct {
	User     string
	Password string
	Host     string
	Port     string
	Database string
}

// ParseDSN parses the "user[:password]@host[:port]/database" DSN form.
func ParseDSN(raw string) (DSN, error) {
	var d DSN
	at := strings.Index(raw, "@")
	if at < 0 {
		return d, fmt.Errorf("dsn %q: missing '@' separating credentials from host", raw)
	}
	cred, rest := raw[:at], raw[at+1:]

	if colon := strings.Index(cred, ":"); colon >= 0 {
		d.User, d.Password = cred[:colon], cred[colon+1:]
	} else {
		d.User = cred
	}

	slash := strings.Index(rest, "/")
	if slash < 0 {
		return d, fmt.Errorf("dsn %q: missing '/' separating host from database", raw)
	}
	hostport, db := rest[:slash], rest[slash+1:]
	if db == "" {
		return d, fmt.Errorf("dsn %q: empty database name", raw)
	}
	d.Database = db

	if colon := strings.LastIndex(hostport, ":"); colon >= 0 {
		d.Host, d.Port = hostport[:colon], hostport[colon+1:]
	} else {
		d.Host = hostport
	}
	if d.Host == "" {
		return d, fmt.Errorf("dsn %q: empty host", raw)
	}
	return d, nil
}

// PGConnString renders the DSN as a lib/pq connection string.
func (d DSN) PGConnString() string {
	port := d.Port
	if port == "" {
		port = "5432"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%s user=%s dbname=%s sslmode=disable", d.Host, port, d.User, d.Database)
	if d.Password != "" {
		fmt.Fprintf(&b, " password=%s", d.Password)
	}
	return b.String()
}

// Default returns a Config populated from environment variables.
func Default() *Config {
	return &Config{
		Listen:                    getEnv("HECATE_LISTEN", ":8080"),
		Database:                  getEnv("HECATE_DATABASE", ""),
		SchemaPath:                getEnv("HECATE_SCHEMA", ""),
		AuthPath:                  getEnv("HECATE_AUTH", ""),
		PoolAcquireTimeoutSeconds: getEnvInt("HECATE_POOL_TIMEOUT_SECONDS", 10),
		Admin: AdminConfig{
			Email:    getEnv("HECATE_ADMIN_EMAIL", ""),
			Password: getEnv("HECATE_ADMIN_PASSWORD", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// Validate checks required configuration values are present.
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("--database is required")
	}
	if len(c.DatabaseSandbox) == 0 {
		return fmt.Errorf("at least one --database_sandbox is required")
	}
	return nil
}
