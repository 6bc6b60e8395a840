package config

import (
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/is"
	auth "github.com/goliatone/go-auth-lifecycle"
	goerrors "github.com/goliatone/go-errors"
	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env           string `yaml:"env" env:"AUTH_ENV" env-default:"local"`
	HTTPServer    `yaml:"http_server"`
	Database      `yaml:"database"`
	Tokens        `yaml:"tokens"`
	SMTP          `yaml:"smtp"`
	AMQP          `yaml:"amqp"`
	Redis         `yaml:"redis"`
	LoginAttempts `yaml:"login_attempts"`
	App           `yaml:"app"`
}

var _ auth.Config = (*Config)(nil)

type HTTPServer struct {
	Address     string        `yaml:"address" env:"AUTH_HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env-default:"4s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
	Debug       bool          `yaml:"debug" env:"AUTH_HTTP_DEBUG"`
}

type Database struct {
	Driver  string `yaml:"driver" env:"AUTH_DB_DRIVER" env-default:"sqlite"`
	DSN     string `yaml:"dsn" env:"AUTH_DB_DSN" env-default:"file:auth.db?cache=shared"`
	Migrate bool   `yaml:"migrate" env:"AUTH_DB_MIGRATE" env-default:"true"`
}

type Tokens struct {
	SigningKey             string        `yaml:"signing_key" env:"AUTH_SIGNING_KEY" env-required:"true"`
	Issuer                 string        `yaml:"issuer" env:"AUTH_ISSUER" env-default:"go-auth-lifecycle"`
	Audience               []string      `yaml:"audience" env:"AUTH_AUDIENCE" env-separator:","`
	AccessTokenTTLDays     int           `yaml:"access_token_ttl_days" env-default:"7"`
	RefreshTokenTTL        time.Duration `yaml:"refresh_token_ttl" env-default:"168h"`
	VerificationTokenTTL   time.Duration `yaml:"verification_token_ttl" env-default:"30m"`
	VerificationCodeLength int           `yaml:"verification_code_length" env-default:"0"`
}

type SMTP struct {
	Host     string `yaml:"host" env:"AUTH_SMTP_HOST"`
	Port     int    `yaml:"port" env:"AUTH_SMTP_PORT" env-default:"587"`
	Username string `yaml:"username" env:"AUTH_SMTP_USERNAME"`
	Password string `yaml:"password" env:"AUTH_SMTP_PASSWORD"`
	From     string `yaml:"from" env:"AUTH_SMTP_FROM"`
}

type AMQP struct {
	URL       string `yaml:"url" env:"AUTH_AMQP_URL"`
	QueueName string `yaml:"queue_name" env-default:"auth.emails"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"AUTH_REDIS_ADDR"`
	Password string `yaml:"password" env:"AUTH_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env-default:"0"`
	Prefix   string `yaml:"prefix" env-default:"auth_attempts"`
}

type LoginAttempts struct {
	Max    int           `yaml:"max" env-default:"5"`
	Window time.Duration `yaml:"window" env-default:"15m"`
}

type App struct {
	BaseURL         string        `yaml:"base_url" env:"AUTH_BASE_URL" env-default:"http://localhost:8080"`
	DefaultLanguage string        `yaml:"default_language" env-default:"en-US"`
	PhoneRegion     string        `yaml:"phone_region" env-default:"US"`
	UseHashid       bool          `yaml:"use_hashid"`
	PurgeInterval   time.Duration `yaml:"purge_interval" env-default:"1h"`
	PasswordCost    int           `yaml:"password_cost" env:"AUTH_PASSWORD_COST" env-default:"12"`
}

// Load reads path, applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "config file does not exist: "+path)
	}

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid config")
	}

	return &cfg, nil
}

// MustLoad is Load that panics
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate will run validation rules
func (c Config) Validate() error {
	return validation.Errors{
		"env": validation.Validate(c.Env, validation.In(auth.EnvLocal, auth.EnvDev, auth.EnvProd)),
		"database.driver": validation.Validate(c.Database.Driver,
			validation.Required, validation.In(auth.DialectSQLite, auth.DialectPostgres)),
		"database.dsn": validation.Validate(c.Database.DSN, validation.Required),
		"tokens.signing_key": validation.Validate(c.Tokens.SigningKey,
			validation.Required, validation.Length(auth.MinSigningKeyLength, 0)),
		"tokens.access_token_ttl_days": validation.Validate(c.Tokens.AccessTokenTTLDays, validation.Min(1)),
		"tokens.verification_code_length": validation.Validate(c.Tokens.VerificationCodeLength,
			validation.By(codeLength)),
		"app.base_url":         validation.Validate(c.App.BaseURL, validation.Required, is.URL),
		"login_attempts.max":   validation.Validate(c.LoginAttempts.Max, validation.Min(0)),
		"smtp.from":            validation.Validate(c.SMTP.From, is.Email),
		"http_server.address":  validation.Validate(c.HTTPServer.Address, validation.Required),
		"app.default_language": validation.Validate(c.App.DefaultLanguage, validation.Length(2, 35)),
		"app.password_cost":    validation.Validate(c.App.PasswordCost, validation.Min(4), validation.Max(31)),
	}.Filter()
}

// codeLength accepts 0 (secure tokens) or a short code length
func codeLength(value any) error {
	n, _ := value.(int)
	if n == 0 || (n >= auth.MinVerificationCodeLength && n <= auth.MaxVerificationCodeLength) {
		return nil
	}
	return validation.NewError("validation_code_length", "must be 0 or between 4 and 10")
}

func (c *Config) GetSigningKey() string { return c.Tokens.SigningKey }

func (c *Config) GetIssuer() string { return c.Tokens.Issuer }

func (c *Config) GetAudience() []string {
	out := make([]string, 0, len(c.Tokens.Audience))
	for _, aud := range c.Tokens.Audience {
		if aud = strings.TrimSpace(aud); aud != "" {
			out = append(out, aud)
		}
	}
	return out
}

func (c *Config) GetTokenExpiration() int { return c.Tokens.AccessTokenTTLDays }

func (c *Config) GetRefreshTokenTTL() time.Duration { return c.Tokens.RefreshTokenTTL }

func (c *Config) GetVerificationTokenTTL() time.Duration { return c.Tokens.VerificationTokenTTL }

func (c *Config) GetVerificationCodeLength() int { return c.Tokens.VerificationCodeLength }

func (c *Config) GetBaseURL() string { return c.App.BaseURL }
