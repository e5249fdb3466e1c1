package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "pepperpy.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PEPPERPY_PORT")
	setString(&cfg.Logging.Level, "PEPPERPY_LOG_LEVEL")
	setString(&cfg.Logging.Format, "PEPPERPY_LOG_FORMAT")
	setString(&cfg.Logging.Service, "PEPPERPY_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "PEPPERPY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PEPPERPY_BREAKER_TIMEOUT")
	setInt(&cfg.Retry.MaxAttempts, "PEPPERPY_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "PEPPERPY_RETRY_BASE_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "PEPPERPY_RETRY_MAX_DELAY")
	setFloat64(&cfg.Retry.Jitter, "PEPPERPY_RETRY_JITTER")
	setFloat64(&cfg.Rate.RequestsPerSecond, "PEPPERPY_RATE_RPS")
	setInt(&cfg.Rate.Burst, "PEPPERPY_RATE_BURST")
	setDuration(&cfg.Cache.TTL, "PEPPERPY_CACHE_TTL")
	setInt64(&cfg.Cache.MaxEntries, "PEPPERPY_CACHE_MAX_ENTRIES")
	setInt(&cfg.Budget.Tokens, "PEPPERPY_BUDGET_TOKENS")
	setFloat64(&cfg.Budget.CostUSD, "PEPPERPY_BUDGET_COST_USD")

	// Provider API keys can come from the environment instead of YAML:
	// PEPPERPY_API_KEY_<REF> overrides the key of provider <ref>.
	for ref, p := range cfg.Providers {
		if v := os.Getenv("PEPPERPY_API_KEY_" + envName(ref)); v != "" {
			p.APIKey = v
			cfg.Providers[ref] = p
		}
	}
}

// validate performs cross-field checks that YAML decoding cannot.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port is required")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		return errors.New("retry jitter must be in [0, 1]")
	}
	for name, t := range cfg.Teams {
		for _, member := range t.Members {
			if _, ok := cfg.Agents[member]; !ok {
				return fmt.Errorf("team %s references unknown agent %s", name, member)
			}
		}
	}
	for name, a := range cfg.Agents {
		if _, ok := cfg.Providers[a.Provider]; !ok {
			return fmt.Errorf("agent %s references unknown provider %s", name, a.Provider)
		}
	}
	return nil
}

// envName uppercases a ref for use in an environment variable name.
func envName(ref string) string {
	out := make([]byte, 0, len(ref))
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z' || c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
