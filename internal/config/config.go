// Package config loads broker settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/keypair"
	"github.com/joeshaw/envdecode"
)

// Config is the full set of broker settings. Defaults and required markers
// live in the env struct tags.
type Config struct {
	Account        string `env:"SNOWFLAKE_ACCOUNT,required"`
	User           string `env:"SNOWFLAKE_USER,required"`
	PrivateKey     string `env:"SNOWFLAKE_PRIVATE_KEY"`
	PrivateKeyPath string `env:"SNOWFLAKE_PRIVATE_KEY_PATH"`
	// AccountURL overrides https://<account>.snowflakecomputing.com.
	AccountURL string `env:"SNOWFLAKE_ACCOUNT_URL"`

	Database  string `env:"SNOWFLAKE_DATABASE,required"`
	Schema    string `env:"SNOWFLAKE_SCHEMA,required"`
	Agent     string `env:"SNOWFLAKE_AGENT,required"`
	Role      string `env:"SNOWFLAKE_ROLE"`
	MCPServer string `env:"SNOWFLAKE_MCP_SERVER"`

	ListenAddr     string        `env:"BROKER_LISTEN_ADDR,default=127.0.0.1:8080"`
	TokenLifetime  time.Duration `env:"BROKER_TOKEN_LIFETIME,default=1h"`
	TokenSkew      time.Duration `env:"BROKER_TOKEN_SKEW,default=5m"`
	AllowedOrigins string        `env:"BROKER_ALLOWED_ORIGINS"`

	// Inbound authentication. Disabled unless OIDCIssuer is set.
	OIDCIssuer   string `env:"BROKER_OIDC_ISSUER"`
	OIDCAudience string `env:"BROKER_OIDC_AUDIENCE"`
	JWKSURL      string `env:"BROKER_JWKS_URL"`

	LogLevel  string `env:"BROKER_LOG_LEVEL,default=info"`
	LogFormat string `env:"BROKER_LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config and validates it. Every failure
// is a brokererr ConfigError.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil, brokererr.Configf("no broker configuration found in the environment")
		}
		return nil, brokererr.Configf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints the struct tags cannot express.
func (c *Config) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"SNOWFLAKE_ACCOUNT", c.Account},
		{"SNOWFLAKE_USER", c.User},
		{"SNOWFLAKE_DATABASE", c.Database},
		{"SNOWFLAKE_SCHEMA", c.Schema},
		{"SNOWFLAKE_AGENT", c.Agent},
	} {
		if strings.TrimSpace(f.value) == "" {
			return brokererr.Configf("%s must not be blank", f.name)
		}
	}
	hasInline := strings.TrimSpace(c.PrivateKey) != ""
	hasPath := strings.TrimSpace(c.PrivateKeyPath) != ""
	switch {
	case !hasInline && !hasPath:
		return brokererr.Configf("one of SNOWFLAKE_PRIVATE_KEY or SNOWFLAKE_PRIVATE_KEY_PATH is required")
	case hasInline && hasPath:
		return brokererr.Configf("SNOWFLAKE_PRIVATE_KEY and SNOWFLAKE_PRIVATE_KEY_PATH are mutually exclusive")
	}
	if c.TokenLifetime <= 0 {
		return brokererr.Configf("BROKER_TOKEN_LIFETIME must be positive, got %s", c.TokenLifetime)
	}
	if c.TokenSkew < 0 || c.TokenSkew >= c.TokenLifetime {
		return brokererr.Configf("BROKER_TOKEN_SKEW (%s) must be non-negative and shorter than BROKER_TOKEN_LIFETIME (%s)", c.TokenSkew, c.TokenLifetime)
	}
	if c.OIDCIssuer != "" && c.OIDCAudience == "" {
		return brokererr.Configf("BROKER_OIDC_AUDIENCE is required when BROKER_OIDC_ISSUER is set")
	}
	if c.JWKSURL != "" && c.OIDCIssuer == "" {
		return brokererr.Configf("BROKER_JWKS_URL requires BROKER_OIDC_ISSUER")
	}
	if c.AccountURL != "" {
		u, err := url.Parse(c.AccountURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return brokererr.Configf("SNOWFLAKE_ACCOUNT_URL must be an absolute http(s) URL, got %q", c.AccountURL)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return brokererr.Configf("BROKER_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// KeySource returns the keypair inputs described by the config.
func (c *Config) KeySource() keypair.Source {
	return keypair.Source{
		Account:        c.Account,
		User:           c.User,
		PrivateKey:     c.PrivateKey,
		PrivateKeyPath: c.PrivateKeyPath,
	}
}

// BaseURL is the remote platform origin for this account.
func (c *Config) BaseURL() string {
	if c.AccountURL != "" {
		return strings.TrimRight(c.AccountURL, "/")
	}
	host := strings.ToLower(strings.ReplaceAll(c.Account, "_", "-"))
	return fmt.Sprintf("https://%s.snowflakecomputing.com", host)
}

// Origins splits AllowedOrigins on commas.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, brokererr.Configf("BROKER_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
