package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/idako2023/frappe-shopee/internal/security"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	DefaultHost        = "https://openplatform.shopee.cn"
	DefaultHTTPTimeout = 15 * time.Second
)

// Config is built once per Lambda cold start and passed to every component.
type Config struct {
	PartnerID  int64  `env:"SHOPEE_PARTNER_ID" validate:"gt=0"`
	PartnerKey string `env:"SHOPEE_PARTNER_KEY" validate:"required"`

	Host         string
	RedirectBase string `env:"SHOPEE_REDIRECT_BASE" validate:"required,url"`
	// WebhookURL is the canonical push URL registered with Shopee. When empty
	// the URL is rebuilt from the inbound request.
	WebhookURL string

	TokensTable   string `env:"TOKENS_TABLE" validate:"required"`
	EntitiesTable string `env:"ENTITIES_TABLE" validate:"required"`
	DedupeTable   string

	EventsTopicARN string

	ReportBucket string
	ReportPrefix string

	// Athena settings register each sweep report partition; optional.
	AthenaDatabase  string
	AthenaTable     string
	AthenaWorkgroup string
	AthenaOutput    string

	TokenEncKey []byte `env:"TOKEN_ENC_KEY_B64" validate:"required,min=1"`

	HTTPTimeout time.Duration
	LogLevel    string
}

// ConfigurationError lists required settings that are missing or invalid.
type ConfigurationError struct {
	Missing []string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: missing %s", strings.Join(e.Missing, ", "))
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Load reads the environment through viper and resolves secrets held in SSM.
// params may be nil when no *_PARAM variable is set.
func Load(ctx context.Context, params ParamFetcher) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SHOPEE_HOST", DefaultHost)
	v.SetDefault("HTTP_TIMEOUT", DefaultHTTPTimeout.String())
	v.SetDefault("REPORT_PREFIX", "token_sweeps/")
	v.SetDefault("ATHENA_WORKGROUP", "primary")
	v.SetDefault("LOG_LEVEL", "info")
	return FromViper(ctx, v, params)
}

func FromViper(ctx context.Context, v *viper.Viper, params ParamFetcher) (*Config, error) {
	cfg := &Config{
		PartnerID:       v.GetInt64("SHOPEE_PARTNER_ID"),
		PartnerKey:      strings.TrimSpace(v.GetString("SHOPEE_PARTNER_KEY")),
		Host:            strings.TrimRight(strings.TrimSpace(v.GetString("SHOPEE_HOST")), "/"),
		RedirectBase:    strings.TrimRight(strings.TrimSpace(v.GetString("SHOPEE_REDIRECT_BASE")), "/"),
		WebhookURL:      strings.TrimSpace(v.GetString("SHOPEE_WEBHOOK_URL")),
		TokensTable:     strings.TrimSpace(v.GetString("TOKENS_TABLE")),
		EntitiesTable:   strings.TrimSpace(v.GetString("ENTITIES_TABLE")),
		DedupeTable:     strings.TrimSpace(v.GetString("WEBHOOK_DEDUPE_TABLE")),
		EventsTopicARN:  strings.TrimSpace(v.GetString("EVENTS_TOPIC_ARN")),
		ReportBucket:    strings.TrimSpace(v.GetString("REPORT_BUCKET")),
		ReportPrefix:    strings.TrimSpace(v.GetString("REPORT_PREFIX")),
		AthenaDatabase:  strings.TrimSpace(v.GetString("ATHENA_DATABASE")),
		AthenaTable:     strings.TrimSpace(v.GetString("ATHENA_TABLE")),
		AthenaWorkgroup: strings.TrimSpace(v.GetString("ATHENA_WORKGROUP")),
		AthenaOutput:    strings.TrimSpace(v.GetString("ATHENA_OUTPUT")),
		HTTPTimeout:     v.GetDuration("HTTP_TIMEOUT"),
		LogLevel:        strings.TrimSpace(v.GetString("LOG_LEVEL")),
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	if cfg.PartnerKey == "" {
		key, err := resolveParam(ctx, params, v.GetString("SHOPEE_PARTNER_KEY_PARAM"))
		if err != nil {
			return nil, &ConfigurationError{Missing: []string{"SHOPEE_PARTNER_KEY"}, Err: err}
		}
		cfg.PartnerKey = key
	}

	keyB64 := strings.TrimSpace(v.GetString("TOKEN_ENC_KEY_B64"))
	if keyB64 == "" {
		s, err := resolveParam(ctx, params, v.GetString("TOKEN_ENC_KEY_PARAM"))
		if err != nil {
			return nil, &ConfigurationError{Missing: []string{"TOKEN_ENC_KEY_B64"}, Err: err}
		}
		keyB64 = s
	}
	if keyB64 != "" {
		key, err := security.LoadKeyFromBase64(keyB64)
		if err != nil {
			return nil, &ConfigurationError{Missing: []string{"TOKEN_ENC_KEY_B64"}, Err: fmt.Errorf("invalid TOKEN_ENC_KEY_B64: %w", err)}
		}
		cfg.TokenEncKey = key
	}

	return cfg, nil
}

// RequirePartner fails when the partner credentials are absent.
func (c *Config) RequirePartner() error {
	return c.require("PartnerID", "PartnerKey")
}

// RequireTokenStorage fails when the token/entity tables or the sealing key are absent.
func (c *Config) RequireTokenStorage() error {
	return c.require("TokensTable", "EntitiesTable", "TokenEncKey")
}

// AthenaEnabled reports whether sweep report partitions can be registered.
func (c *Config) AthenaEnabled() bool {
	return c.ReportBucket != "" && c.AthenaDatabase != "" && c.AthenaTable != "" && c.AthenaOutput != ""
}

// RequireRedirect fails when auth links cannot be built.
func (c *Config) RequireRedirect() error {
	return c.require("RedirectBase")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// require validates the named fields and reports failures by env variable.
func (c *Config) require(fields ...string) error {
	err := validate.StructPartial(c, fields...)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigurationError{Err: err}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return &ConfigurationError{Missing: missing}
}
