// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file. The tier table
// is the one section that normally lives in YAML; everything else is flat
// env knobs.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn,
	// error. Default: info.
	LogLevel string

	// DataSource selects and parameterizes the preferred state backend.
	DataSource DataSourceConfig

	// Redis holds the connection settings for the redis state backend.
	// Required only when DataSource.Preference is "redis".
	Redis RedisConfig

	// Routes toggles the vendor-flavored HTTP route groups.
	Routes RouteToggles

	// Admin seeds a bootstrap admin key on first start.
	Admin AdminConfig

	// ClickHouse parameterizes the optional request audit sink. An empty
	// Addr disables it.
	ClickHouse ClickHouseConfig

	// CORSOrigins is the list of allowed CORS origins. Use ["*"] to allow
	// any origin (default).
	CORSOrigins []string

	// Tiers maps tier names to their limits. Built-in defaults cover
	// "free", "pro", and "enterprise"; a tiers section in config.yaml
	// overrides or extends them.
	Tiers map[string]TierLimits
}

// DataSourceConfig selects the preferred state backend.
type DataSourceConfig struct {
	// Preference is "redis" or "filesystem". The other backend always runs
	// as the fallback. Default: "filesystem".
	Preference string

	// Dir is the directory the filesystem backend keeps its JSON documents
	// in. Default: ".".
	Dir string
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string

	// Username and Password override credentials from the URL when set.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// TLS forces a TLS dial even for redis:// URLs.
	TLS bool
}

// RouteToggles enables or disables each vendor-flavored route group. All
// default to enabled.
type RouteToggles struct {
	OpenAI     bool
	Azure      bool
	Anthropic  bool
	Gemini     bool
	Groq       bool
	OpenRouter bool
	Ollama     bool
}

// AdminConfig seeds the bootstrap admin key. Both fields must be set
// together; leaving both empty skips seeding.
type AdminConfig struct {
	UserID string
	APIKey string

	// Tier assigned to the seeded admin. Default: "enterprise".
	Tier string
}

// ClickHouseConfig parameterizes the request audit sink.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Enabled reports whether an audit sink address was configured.
func (c ClickHouseConfig) Enabled() bool { return c.Addr != "" }

// TierLimits are the per-tier request ceilings and provider eligibility
// band. Zero rate ceilings mean unlimited; nil MaxTokens means no token
// quota; nil score bounds leave that side of the band open.
type TierLimits struct {
	RPS              int    `mapstructure:"rps"`
	RPM              int    `mapstructure:"rpm"`
	RPD              int    `mapstructure:"rpd"`
	MaxTokens        *int64 `mapstructure:"max_tokens"`
	MinProviderScore *int   `mapstructure:"min_provider_score"`
	MaxProviderScore *int   `mapstructure:"max_provider_score"`
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free": {
			RPS: 1, RPM: 20, RPD: 200,
			MaxTokens:        int64Ptr(100_000),
			MinProviderScore: intPtr(0),
			MaxProviderScore: intPtr(70),
		},
		"pro": {
			RPS: 5, RPM: 100, RPD: 2_000,
			MaxTokens:        int64Ptr(1_000_000),
			MinProviderScore: intPtr(30),
			MaxProviderScore: intPtr(100),
		},
		"enterprise": {
			RPS: 20, RPM: 600, RPD: 20_000,
			MinProviderScore: intPtr(50),
			MaxProviderScore: intPtr(100),
		},
	}
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("DATA_SOURCE_PREFERENCE", "filesystem")
	v.SetDefault("DATA_DIR", ".")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_TLS", false)

	v.SetDefault("ENABLE_OPENAI_ROUTES", true)
	v.SetDefault("ENABLE_AZURE_ROUTES", true)
	v.SetDefault("ENABLE_ANTHROPIC_ROUTES", true)
	v.SetDefault("ENABLE_GEMINI_ROUTES", true)
	v.SetDefault("ENABLE_GROQ_ROUTES", true)
	v.SetDefault("ENABLE_OPENROUTER_ROUTES", true)
	v.SetDefault("ENABLE_OLLAMA_ROUTES", true)

	v.SetDefault("DEFAULT_ADMIN_TIER", "enterprise")

	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DataSource: DataSourceConfig{
			Preference: strings.ToLower(v.GetString("DATA_SOURCE_PREFERENCE")),
			Dir:        v.GetString("DATA_DIR"),
		},

		Redis: RedisConfig{
			URL:      v.GetString("REDIS_URL"),
			Username: v.GetString("REDIS_USERNAME"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			TLS:      v.GetBool("REDIS_TLS"),
		},

		Routes: RouteToggles{
			OpenAI:     v.GetBool("ENABLE_OPENAI_ROUTES"),
			Azure:      v.GetBool("ENABLE_AZURE_ROUTES"),
			Anthropic:  v.GetBool("ENABLE_ANTHROPIC_ROUTES"),
			Gemini:     v.GetBool("ENABLE_GEMINI_ROUTES"),
			Groq:       v.GetBool("ENABLE_GROQ_ROUTES"),
			OpenRouter: v.GetBool("ENABLE_OPENROUTER_ROUTES"),
			Ollama:     v.GetBool("ENABLE_OLLAMA_ROUTES"),
		},

		Admin: AdminConfig{
			UserID: v.GetString("DEFAULT_ADMIN_USER_ID"),
			APIKey: v.GetString("DEFAULT_ADMIN_API_KEY"),
			Tier:   strings.ToLower(v.GetString("DEFAULT_ADMIN_TIER")),
		},

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		Tiers: DefaultTiers(),
	}

	// Tier overrides from the YAML file merge over the defaults.
	if v.IsSet("tiers") {
		var fromFile map[string]TierLimits
		if err := v.UnmarshalKey("tiers", &fromFile); err != nil {
			return nil, fmt.Errorf("config: parse tiers: %w", err)
		}
		for name, tl := range fromFile {
			cfg.Tiers[strings.ToLower(name)] = tl
		}
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.DataSource.Preference {
	case "redis", "filesystem":
	default:
		return fmt.Errorf(
			"config: invalid DATA_SOURCE_PREFERENCE %q; must be one of: redis, filesystem",
			c.DataSource.Preference,
		)
	}

	if c.DataSource.Preference == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when DATA_SOURCE_PREFERENCE=redis; " +
				"set DATA_SOURCE_PREFERENCE=filesystem to run without redis",
		)
	}

	if (c.Admin.UserID == "") != (c.Admin.APIKey == "") {
		return fmt.Errorf(
			"config: DEFAULT_ADMIN_USER_ID and DEFAULT_ADMIN_API_KEY must be set together",
		)
	}
	if c.Admin.UserID != "" {
		if _, ok := c.Tiers[c.Admin.Tier]; !ok {
			return fmt.Errorf("config: DEFAULT_ADMIN_TIER %q is not a configured tier", c.Admin.Tier)
		}
	}

	for name, tl := range c.Tiers {
		if tl.RPS < 0 || tl.RPM < 0 || tl.RPD < 0 {
			return fmt.Errorf("config: tier %q has a negative rate ceiling", name)
		}
		if tl.MaxTokens != nil && *tl.MaxTokens < 0 {
			return fmt.Errorf("config: tier %q has a negative max_tokens", name)
		}
		if tl.MinProviderScore != nil &&
			(*tl.MinProviderScore < 0 || *tl.MinProviderScore > 100) {
			return fmt.Errorf("config: tier %q min_provider_score out of 0..100", name)
		}
		if tl.MaxProviderScore != nil &&
			(*tl.MaxProviderScore < 0 || *tl.MaxProviderScore > 100) {
			return fmt.Errorf("config: tier %q max_provider_score out of 0..100", name)
		}
		if tl.MinProviderScore != nil && tl.MaxProviderScore != nil &&
			*tl.MinProviderScore > *tl.MaxProviderScore {
			return fmt.Errorf("config: tier %q has min_provider_score > max_provider_score", name)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
