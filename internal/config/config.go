package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Auth modes.
const (
	AuthDevelopment = "development"
	AuthJWT         = "jwt"
	AuthJWKS        = "jwks"
)

// Capacity ledger backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	RuleMaxDepth           int      `mapstructure:"RULE_MAX_DEPTH"`
	AttributeExtraFields   []string `mapstructure:"ATTRIBUTE_EXTRA_FIELDS"`
	MatchParallelThreshold int      `mapstructure:"MATCH_PARALLEL_THRESHOLD"`

	MatchWeightQuality    float64 `mapstructure:"MATCH_WEIGHT_QUALITY"`
	MatchWeightAcceptance float64 `mapstructure:"MATCH_WEIGHT_ACCEPTANCE"`
	MatchWeightCompletion float64 `mapstructure:"MATCH_WEIGHT_COMPLETION"`
	MatchWeightHeadroom   float64 `mapstructure:"MATCH_WEIGHT_HEADROOM"`
	MatchWeightRate       float64 `mapstructure:"MATCH_WEIGHT_RATE"`
	MatchCapabilityBonus  float64 `mapstructure:"MATCH_CAPABILITY_BONUS"`

	CapacityLedger     string `mapstructure:"CAPACITY_LEDGER"`
	CapacityMaxRetries int    `mapstructure:"CAPACITY_MAX_RETRIES"`
	LearningStream     string `mapstructure:"LEARNING_STREAM"`
	LearningStreamMax  int64  `mapstructure:"LEARNING_STREAM_MAXLEN"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"REQUEST_TIMEOUT", "RULE_MAX_DEPTH", "ATTRIBUTE_EXTRA_FIELDS", "MATCH_PARALLEL_THRESHOLD",
	"MATCH_WEIGHT_QUALITY", "MATCH_WEIGHT_ACCEPTANCE", "MATCH_WEIGHT_COMPLETION",
	"MATCH_WEIGHT_HEADROOM", "MATCH_WEIGHT_RATE", "MATCH_CAPABILITY_BONUS",
	"CAPACITY_LEDGER", "CAPACITY_MAX_RETRIES", "LEARNING_STREAM", "LEARNING_STREAM_MAXLEN",
}

// Load reads .env (if present) and the environment. It does not validate;
// commands call Validate and RequireDatabase as they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred, see ResolvedAuthMode
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "5s")
	v.SetDefault("RULE_MAX_DEPTH", 16)
	v.SetDefault("MATCH_PARALLEL_THRESHOLD", 64)
	v.SetDefault("MATCH_WEIGHT_QUALITY", 0.30)
	v.SetDefault("MATCH_WEIGHT_ACCEPTANCE", 0.20)
	v.SetDefault("MATCH_WEIGHT_COMPLETION", 0.20)
	v.SetDefault("MATCH_WEIGHT_HEADROOM", 0.15)
	v.SetDefault("MATCH_WEIGHT_RATE", 0.10)
	v.SetDefault("MATCH_CAPABILITY_BONUS", 5)
	v.SetDefault("CAPACITY_LEDGER", LedgerPostgres)
	v.SetDefault("CAPACITY_MAX_RETRIES", 10)
	v.SetDefault("LEARNING_STREAM", "")
	v.SetDefault("LEARNING_STREAM_MAXLEN", 100000)

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.AttributeExtraFields = splitList(cfg.AttributeExtraFields, v.GetString("ATTRIBUTE_EXTRA_FIELDS"))
	cfg.CapacityLedger = strings.ToLower(strings.TrimSpace(cfg.CapacityLedger))

	if cfg.ResolvedAuthMode() == AuthDevelopment {
		log.Warn().Msg("AUTH_MODE=development: every request is treated as admin. Do not run this way in production.")
	}
	return cfg, nil
}

// splitList accepts both a decoded slice and a comma-separated string.
func splitList(decoded []string, raw string) []string {
	if raw == "" {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise:
//   - ENV=development -> "development" (no token check, admin for all)
//   - AUTH_JWKS_URL set -> "jwks" (RS256 against the identity provider)
//   - otherwise -> "jwt" (HS256 with AUTH_SIGNING_KEY)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthDevelopment
	}
	if c.AuthJWKSURL != "" {
		return AuthJWKS
	}
	return AuthJWT
}

// RequireDatabase fails for commands that need Postgres when none is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate rejects configurations that are unsafe or cannot work.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case AuthDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed with ENV=production")
		}
	case AuthJWT:
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is %q", mode)
		}
	case AuthJWKS:
		if c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL must be set when AUTH_MODE is %q", mode)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q or %q, got %q", AuthDevelopment, AuthJWT, AuthJWKS, mode)
	}

	switch c.CapacityLedger {
	case LedgerPostgres:
	case LedgerRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CAPACITY_LEDGER is %q", LedgerRedis)
		}
	case LedgerMemory:
		if c.IsProduction() {
			return fmt.Errorf("CAPACITY_LEDGER=memory is not shared between replicas and is not allowed in production")
		}
	default:
		return fmt.Errorf("CAPACITY_LEDGER must be %q, %q or %q, got %q", LedgerMemory, LedgerPostgres, LedgerRedis, c.CapacityLedger)
	}

	if c.LearningStream != "" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when LEARNING_STREAM is set")
	}
	if c.RuleMaxDepth < 1 {
		return fmt.Errorf("RULE_MAX_DEPTH must be positive, got %d", c.RuleMaxDepth)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	for name, w := range map[string]float64{
		"MATCH_WEIGHT_QUALITY": c.MatchWeightQuality, "MATCH_WEIGHT_ACCEPTANCE": c.MatchWeightAcceptance,
		"MATCH_WEIGHT_COMPLETION": c.MatchWeightCompletion, "MATCH_WEIGHT_HEADROOM": c.MatchWeightHeadroom,
		"MATCH_WEIGHT_RATE": c.MatchWeightRate, "MATCH_CAPABILITY_BONUS": c.MatchCapabilityBonus,
	} {
		if w < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, w)
		}
	}
	return nil
}
