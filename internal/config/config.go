// Package config loads service-level settings from the environment.
// Packages with their own settings (database, session, mail, logging) read
// them through their own ConfigFromEnv.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/ovaphlow/pitchfork/service-identity/internal/oauth"
)

type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:"0.0.0.0:8431"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
	Production      bool          `envconfig:"APP_PRODUCTION"`

	// BillingAPIKey guards the /billing routes. Empty disables them.
	BillingAPIKey string `envconfig:"BILLING_API_KEY"`
	// InternalAPIKey guards provider assertions from a trusted front-end.
	InternalAPIKey string `envconfig:"INTERNAL_API_KEY"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	BcryptCost    int    `envconfig:"PASSWORD_BCRYPT_COST" default:"12"`
	SnowflakeNode int64  `envconfig:"SNOWFLAKE_NODE" default:"1"`
	// AuthRateLimit is requests per minute per client IP on credential routes.
	AuthRateLimit int `envconfig:"AUTH_RATE_LIMIT" default:"10"`

	OAuth oauth.Config `ignored:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := envconfig.Process("", &cfg.OAuth); err != nil {
		return cfg, fmt.Errorf("config: oauth: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.BcryptCost < 10 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("PASSWORD_BCRYPT_COST %d out of range [10,31]", c.BcryptCost))
	}
	if c.SnowflakeNode < 0 || c.SnowflakeNode > 1023 {
		errs = append(errs, fmt.Errorf("SNOWFLAKE_NODE %d out of range [0,1023]", c.SnowflakeNode))
	}
	if c.AuthRateLimit <= 0 {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT must be positive"))
	}
	if c.Production && c.BillingAPIKey != "" && len(c.BillingAPIKey) < 16 {
		errs = append(errs, errors.New("BILLING_API_KEY too short for production"))
	}
	return errors.Join(errs...)
}
