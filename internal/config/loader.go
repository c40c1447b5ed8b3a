package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// Load reads, expands, and validates the gateway configuration. ${VAR}
// references resolve from the environment; an unset variable is a load
// error, never an empty string.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8765)
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "agentgate.db")
	v.SetDefault("messenger.type", "telegram")
	v.SetDefault("approval_timeout", 900)
	v.SetDefault("rate_limit.max_pending_approvals", 10)
	v.SetDefault("rate_limit.max_requests_per_minute", 60)

	if err := v.ReadConfig(bytes.NewReader([]byte(expanded))); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandEnv(raw string) (string, error) {
	var missing []string
	expanded := envRef.ReplaceAllStringFunc(raw, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			fields := make([]string, 0, len(errs))
			for _, fe := range errs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Services.HomeAssistant == nil {
		return fmt.Errorf("invalid config: services.homeassistant is required")
	}
	return nil
}
