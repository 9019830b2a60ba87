package keeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every keeper environment variable, e.g.
// SOROTASK_KEEPER_SERVER_URL.
const EnvPrefix = "SOROTASK_KEEPER"

// Config holds keeper settings. Values come from defaults, then an optional
// config file, then the environment.
type Config struct {
	ServerURL string `mapstructure:"server_url" validate:"required"`
	Transport string `mapstructure:"transport" validate:"oneof=http grpc"`
	AuthToken string `mapstructure:"auth_token"`
	NATSURL   string `mapstructure:"nats_url"`

	PollSchedule            string        `mapstructure:"poll_schedule" validate:"required"`
	MaxConcurrentReads      int           `mapstructure:"max_concurrent_reads" validate:"min=1"`
	MaxConcurrentExecutions int           `mapstructure:"max_concurrent_executions" validate:"min=1"`
	ExecutionsPerSecond     float64       `mapstructure:"executions_per_second" validate:"gte=0"`
	CallTimeout             time.Duration `mapstructure:"call_timeout" validate:"gt=0"`

	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`

	GasWarnThreshold int64         `mapstructure:"gas_warn_threshold" validate:"gte=0"`
	AlertWebhookURL  string        `mapstructure:"alert_webhook_url" validate:"omitempty,url"`
	AlertDebounce    time.Duration `mapstructure:"alert_debounce" validate:"gte=0"`

	HealthAddr           string        `mapstructure:"health_addr"`
	HealthStaleThreshold time.Duration `mapstructure:"health_stale_threshold" validate:"gt=0"`
}

// defaults are registered with viper so AutomaticEnv can see every key.
var defaults = map[string]any{
	"server_url":                "http://localhost:8080",
	"transport":                 "http",
	"auth_token":                "",
	"nats_url":                  "",
	"poll_schedule":             "@every 10s",
	"max_concurrent_reads":      10,
	"max_concurrent_executions": 3,
	"executions_per_second":     5.0,
	"call_timeout":              "15s",
	"max_retries":               3,
	"base_delay":                "1s",
	"max_delay":                 "10s",
	"gas_warn_threshold":        500,
	"alert_webhook_url":         "",
	"alert_debounce":            "1h",
	"health_addr":               ":3001",
	"health_stale_threshold":    "60s",
}

// LoadConfig reads keeper configuration. path names an optional config
// file (any format viper understands); empty means environment only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading keeper config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding keeper config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := ParseSchedule(cfg.PollSchedule); err != nil {
		return nil, fmt.Errorf("poll_schedule: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct constraints and reports each failing field.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating keeper config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid keeper config: %s", strings.Join(msgs, "; "))
}

// RetryPolicy returns the retry settings from the config.
func (c *Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.BaseDelay, MaxDelay: c.MaxDelay}
}
