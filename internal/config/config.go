package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values come from env (or an env-file loaded by the process runner);
// unrecognized variables are ignored.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	AI    AIConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

type DBConfig struct {
	// URL is the Postgres connection string. Never log it; it contains
	// secrets.
	URL string
}

// RedisConfig is optional: Redis backs the best-effort processor trigger
// gate, and the service runs correctly without it.
type RedisConfig struct {
	Addr string
}

// AuthConfig is optional: when JWTSecret is empty the API is open (the
// service is expected to sit behind a trusted edge then).
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration
}

type AIConfig struct {
	// MaxRetries bounds transcription retries before a call is FAILED.
	MaxRetries int

	// FailureRate in [0,1] is only meaningful for the fault-injecting
	// transcription client used in tests and local development.
	FailureRate float64
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	if c.App.Env == "" {
		c.App.Env = "local"
	}
	{
		n, err := optionalInt("APP_PORT", 8080)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.App.Port = n
	}
	c.App.LogLevel = strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL")))
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	c.DB.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	c.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))

	c.Auth.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("AUTH_JWT_ISSUER"))
	c.Auth.TokenTTL = optionalDuration("AUTH_TOKEN_TTL", time.Hour)

	{
		n, err := optionalInt("MAX_AI_RETRIES", 5)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.AI.MaxRetries = n
	}
	{
		f, err := optionalFloat("AI_FAILURE_RATE", 0.25)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.AI.FailureRate = f
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if !isValidLogLevel(c.App.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}

	if c.DB.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	if c.AI.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_AI_RETRIES must be >= 0, got %d", c.AI.MaxRetries))
	}
	if c.AI.FailureRate < 0 || c.AI.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("AI_FAILURE_RATE must be in [0,1], got %g", c.AI.FailureRate))
	}

	if c.Auth.JWTSecret != "" && c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be positive when auth is enabled"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AuthEnabled reports whether the API requires service tokens.
func (c Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func optionalInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optionalDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidLogLevel(v string) bool {
	switch v {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
