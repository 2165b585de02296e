package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the entire aegisd configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Bus         BusConfig                 `yaml:"bus"`
	Violations  ViolationConfig           `yaml:"violations"`
	Retention   RetentionConfig           `yaml:"retention"`
	Fingerprint FingerprintConfig         `yaml:"fingerprint"`
	Detectors   map[string]DetectorConfig `yaml:"detectors"`
	Logging     LoggingConfig             `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// ViolationConfig holds violation pipeline settings.
type ViolationConfig struct {
	MaxStore      int      `yaml:"max_store"`
	WebhookURLs   []string `yaml:"webhook_urls"`
	EnableConsole bool     `yaml:"enable_console"`
}

// RetentionConfig holds the retention sweep settings. MaxAge bounds how
// long idle per-key state survives; SweepInterval is how often the
// scheduler runs.
type RetentionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// FingerprintConfig holds secret-fingerprinting settings. The pepper is
// mixed into the digest so fingerprints are not portable between
// deployments.
type FingerprintConfig struct {
	Pepper string `yaml:"pepper"`
}

// DetectorConfig holds per-detector configuration.
type DetectorConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sane defaults — zero-config works out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1786,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Violations: ViolationConfig{
			MaxStore:      10000,
			EnableConsole: true,
		},
		Retention: RetentionConfig{
			SweepInterval: time.Hour,
			MaxAge:        24 * time.Hour,
		},
		Detectors: map[string]DetectorConfig{
			"brute_force":         {Enabled: true, Settings: map[string]interface{}{}},
			"credential_stuffing": {Enabled: true, Settings: map[string]interface{}{}},
			"session_tracker":     {Enabled: true, Settings: map[string]interface{}{}},
			"coordinated_attack":  {Enabled: true, Settings: map[string]interface{}{}},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// defaults. A .env file in the working directory is honored for the
// environment fallbacks.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path == "" {
		applyEnv(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if len(cfg.Server.APIKeys) == 0 {
		if envKey := os.Getenv("AEGISD_API_KEY"); envKey != "" {
			cfg.Server.APIKeys = []string{envKey}
		}
	}
	if cfg.Fingerprint.Pepper == "" {
		cfg.Fingerprint.Pepper = os.Getenv("AEGISD_FINGERPRINT_PEPPER")
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// IsDetectorEnabled checks if a detector is enabled in the configuration.
// Unknown detectors default to enabled.
func (c *Config) IsDetectorEnabled(name string) bool {
	d, ok := c.Detectors[name]
	if !ok {
		return true
	}
	return d.Enabled
}

// GetDetectorSettings returns the settings map for a detector.
func (c *Config) GetDetectorSettings(name string) map[string]interface{} {
	d, ok := c.Detectors[name]
	if !ok || d.Settings == nil {
		return map[string]interface{}{}
	}
	return d.Settings
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.APIKeys) > 0
}

// ValidateAPIKey checks if the provided key matches any configured API key.
// Uses constant-time comparison to prevent timing attacks.
func (c *Config) ValidateAPIKey(key string) bool {
	for _, valid := range c.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// IntSetting reads an integer detector setting with a default. YAML
// numbers may decode as int or float64 depending on source.
func IntSetting(settings map[string]interface{}, key string, defaultVal int) int {
	if val, ok := settings[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultVal
}

// DurationSetting reads a duration detector setting (accepts Go duration
// strings or whole seconds) with a default.
func DurationSetting(settings map[string]interface{}, key string, defaultVal time.Duration) time.Duration {
	val, ok := settings[key]
	if !ok {
		return defaultVal
	}
	switch v := val.(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v) * time.Second
	}
	return defaultVal
}

// FloatSetting reads a float detector setting with a default.
func FloatSetting(settings map[string]interface{}, key string, defaultVal float64) float64 {
	if val, ok := settings[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return defaultVal
}
