package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Settings is the service configuration. Values come from environment
// variables, optionally overlaid on a .env file; the environment wins.
type Settings struct {
	AzureClientID     string `mapstructure:"azure_client_id" validate:"required"`
	AzureClientSecret string `mapstructure:"azure_client_secret" validate:"required"`
	AzureTenantID     string `mapstructure:"azure_tenant_id" validate:"required"`
	AzureRedirectURI  string `mapstructure:"azure_redirect_uri" validate:"required,url"`

	AnthropicAPIKey           string        `mapstructure:"anthropic_api_key" validate:"required"`
	AnthropicModel            string        `mapstructure:"anthropic_model" validate:"required"`
	AnthropicBaseURL          string        `mapstructure:"anthropic_base_url" validate:"required,url"`
	AnthropicMaxTokensSummary int           `mapstructure:"anthropic_max_tokens_summary" validate:"gt=0"`
	AnthropicMaxTokensDraft   int           `mapstructure:"anthropic_max_tokens_draft" validate:"gt=0"`
	AnthropicTimeout          time.Duration `mapstructure:"anthropic_timeout" validate:"gt=0"`
	AnthropicMaxRetries       int           `mapstructure:"anthropic_max_retries" validate:"gte=1"`

	SessionSecretKey     string `mapstructure:"session_secret_key" validate:"required"`
	SessionMaxAgeSeconds int    `mapstructure:"session_max_age_seconds" validate:"gt=0"`

	AppName    string `mapstructure:"app_name"`
	AppEnv     string `mapstructure:"app_env" validate:"oneof=development staging production"`
	AppBaseURL string `mapstructure:"app_base_url" validate:"required,url"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format" validate:"oneof=json text"`

	TierConfigPath string `mapstructure:"tier_config_path"`

	GraphBaseURL string   `mapstructure:"graph_base_url" validate:"required,url"`
	GraphScopes  []string `mapstructure:"graph_scopes" validate:"min=1"`

	Port               int     `mapstructure:"port" validate:"gt=0,lte=65535"`
	MetricsEnabled     bool    `mapstructure:"metrics_enabled"`
	MetricsPort        int     `mapstructure:"metrics_port" validate:"gt=0,lte=65535"`
	RateLimitRPS       float64 `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst" validate:"gt=0"`
	TrustProxy         bool    `mapstructure:"trust_proxy"`
	SummaryConcurrency int     `mapstructure:"summary_concurrency" validate:"gt=0"`
	OTLPEndpoint       string  `mapstructure:"otel_exporter_otlp_endpoint"`
	TLSCertFile        string  `mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile         string  `mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`
}

var defaults = map[string]interface{}{
	"azure_client_id":              "",
	"azure_client_secret":          "",
	"azure_tenant_id":              "",
	"azure_redirect_uri":           "http://localhost:8000/auth/callback",
	"anthropic_api_key":            "",
	"anthropic_model":              "claude-sonnet-4-20250514",
	"anthropic_base_url":           "https://api.anthropic.com",
	"anthropic_max_tokens_summary": 200,
	"anthropic_max_tokens_draft":   500,
	"anthropic_timeout":            "60s",
	"anthropic_max_retries":        3,
	"session_secret_key":           "",
	"session_max_age_seconds":      7 * 24 * 60 * 60,
	"app_name":                     "Email Agent",
	"app_env":                      "development",
	"app_base_url":                 "http://localhost:8000",
	"log_level":                    "info",
	"log_format":                   "json",
	"tier_config_path":             "config/tiers.yaml",
	"graph_base_url":               "https://graph.microsoft.com/v1.0",
	"graph_scopes":                 "Mail.Read,Mail.Send,Mail.ReadWrite",
	"port":                         8000,
	"metrics_enabled":              true,
	"metrics_port":                 9090,
	"rate_limit_rps":               5.0,
	"rate_limit_burst":             20,
	"trust_proxy":                  false,
	"summary_concurrency":          5,
	"otel_exporter_otlp_endpoint":  "",
	"tls_cert_file":                "",
	"tls_key_file":                 "",
}

// Load reads settings from the environment and, when envFile exists, from
// that dotenv file. A missing envFile is not an error. Every failed
// validation is reported at once, by environment variable name.
func Load(envFile string) (*Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			v.SetConfigFile(envFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read %s: %w", envFile, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", envFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	s.GraphScopes = splitScopes(s.GraphScopes)
	s.AppEnv = strings.ToLower(strings.TrimSpace(s.AppEnv))
	s.AppBaseURL = strings.TrimRight(s.AppBaseURL, "/")
	s.AnthropicBaseURL = strings.TrimRight(s.AnthropicBaseURL, "/")
	s.GraphBaseURL = strings.TrimRight(s.GraphBaseURL, "/")

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func splitScopes(in []string) []string {
	var out []string
	for _, item := range in {
		for _, scope := range strings.FieldsFunc(item, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, scope)
		}
	}
	return out
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := field.Tag.Get("mapstructure")
		if name == "" || name == "-" {
			return field.Name
		}
		return strings.ToUpper(name)
	})
	return v
}

// Validate checks required secrets and value ranges.
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var missing, invalid []string
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			missing = append(missing, fe.Field())
		} else {
			invalid = append(invalid, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
	}
	sort.Strings(missing)
	sort.Strings(invalid)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required settings: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid settings: "+strings.Join(invalid, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

// IsDevelopment reports whether APP_ENV is development.
func (s *Settings) IsDevelopment() bool {
	return s.AppEnv == "development"
}

// SessionMaxAge is the session cookie lifetime.
func (s *Settings) SessionMaxAge() time.Duration {
	return time.Duration(s.SessionMaxAgeSeconds) * time.Second
}

// ListenAddr is the address the HTTP server binds to.
func (s *Settings) ListenAddr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// MetricsAddr is the address the metrics server binds to.
func (s *Settings) MetricsAddr() string {
	return fmt.Sprintf(":%d", s.MetricsPort)
}
