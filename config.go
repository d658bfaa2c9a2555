package agendador

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration. Obtain a baseline from
// [DefaultConfig] or [LoadConfig] and adjust fields before passing it to
// [Builder.WithConfig].
type Config struct {
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Refresh    RefreshConfig    `yaml:"refresh"`
	Renewer    RenewerConfig    `yaml:"renewer"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	// Timeout bounds every HTTP call issued by the client.
	Timeout time.Duration `yaml:"timeout"`
}

/*
====================================
STORAGE CONFIG
====================================
*/

// StorageBackend selects where the token pair is persisted.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageFile   StorageBackend = "file"
	StorageRedis  StorageBackend = "redis"
	// StorageNone keeps nothing; every read is empty.
	StorageNone StorageBackend = "none"
)

// StorageConfig configures the token store.
type StorageConfig struct {
	Backend StorageBackend `yaml:"backend"`
	// KeyPrefix namespaces the two token keys, e.g. per profile.
	KeyPrefix string `yaml:"key_prefix"`
	// FilePath is required for the file backend.
	FilePath string `yaml:"file_path"`
	// RedisAddr is used when no client is passed to Builder.WithRedis.
	RedisAddr string `yaml:"redis_addr"`
	// RedisTTL expires stored tokens. Zero keeps them until cleared.
	RedisTTL time.Duration `yaml:"redis_ttl"`
}

/*
====================================
SESSION LIFECYCLE CONFIG
====================================
*/

// RefreshConfig configures the refresh exchange.
type RefreshConfig struct {
	// Timeout bounds one exchange regardless of which caller started it.
	Timeout time.Duration `yaml:"timeout"`
}

// RenewerConfig configures the background renewer.
type RenewerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Window is wider than Gateway.RefreshWindow so tokens renew before a
	// request would see a 401.
	Window time.Duration `yaml:"window"`
}

// GatewayConfig configures on-demand token checks.
type GatewayConfig struct {
	// RefreshWindow is the threshold used by Client.GetValidAccessToken.
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

// EncryptionConfig configures the public-key cache.
type EncryptionConfig struct {
	// KeyTTL re-fetches the server key after this long. Zero caches it for the
	// lifetime of the client.
	KeyTTL time.Duration `yaml:"key_ttl"`
}

/*
====================================
OBSERVABILITY CONFIG
====================================
*/

// AuditConfig configures asynchronous audit dispatch.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig configures in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:3333",
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
		},
		Refresh: RefreshConfig{
			Timeout: 15 * time.Second,
		},
		Renewer: RenewerConfig{
			Enabled:  true,
			Interval: time.Minute,
			Window:   2 * time.Minute,
		},
		Gateway: GatewayConfig{
			RefreshWindow: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	return cfg
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks that cfg can build a working client.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.New("API BaseURL must be set")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API BaseURL %q must be an absolute URL", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("API BaseURL scheme %q is not supported", u.Scheme)
	}
	if c.API.Timeout < 0 {
		return errors.New("API Timeout must be >= 0")
	}

	switch c.Storage.Backend {
	case StorageMemory, StorageNone, StorageRedis:
	case StorageFile:
		if c.Storage.FilePath == "" {
			return errors.New("file storage requires FilePath")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.RedisTTL < 0 {
		return errors.New("Storage RedisTTL must be >= 0")
	}

	if c.Refresh.Timeout <= 0 {
		return errors.New("Refresh Timeout must be > 0")
	}

	if c.Renewer.Enabled {
		if c.Renewer.Interval <= 0 {
			return errors.New("Renewer Interval must be > 0")
		}
		if c.Renewer.Window <= 0 {
			return errors.New("Renewer Window must be > 0")
		}
		if c.Renewer.Window < c.Renewer.Interval {
			return errors.New("Renewer Window must be >= Interval or a token can expire between ticks")
		}
	}

	if c.Gateway.RefreshWindow < 0 {
		return errors.New("Gateway RefreshWindow must be >= 0")
	}
	if c.Encryption.KeyTTL < 0 {
		return errors.New("Encryption KeyTTL must be >= 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}

/*
====================================
LOADING
====================================
*/

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadConfig reads a YAML file over [DefaultConfig]. ${VAR} references are
// replaced with environment values; an unset variable is an error. An empty
// path falls back to $AGENDADOR_CONFIG.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("AGENDADOR_CONFIG")
	}
	if path == "" {
		return Config{}, errors.New("no config path given")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config content over [DefaultConfig] and validates it.
func ParseConfig(data []byte) (Config, error) {
	substituted, err := substituteEnvVars(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("substituting env vars: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// substituteEnvVars skips comment lines so optional sections can stay commented
// out without their variables being set.
func substituteEnvVars(content string) (string, error) {
	var missing []string
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines[i] = envVarPattern.ReplaceAllStringFunc(line, func(match string) string {
			name := envVarPattern.FindStringSubmatch(match)[1]
			value, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
				return match
			}
			return value
		})
	}

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %v", missing)
	}
	return strings.Join(lines, "\n"), nil
}
