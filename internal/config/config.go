// Package config resolves creditd settings from flags, PROMPTLEDGER_* environment variables and an optional file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/promptledger/internal/referral"
	"github.com/MarkoPoloResearchLab/promptledger/internal/tier"
	"github.com/MarkoPoloResearchLab/promptledger/pkg/ledger"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable.
const EnvPrefix = "PROMPTLEDGER"

// Keys shared by flags, environment variables and config files.
const (
	KeyDatabaseURL             = "database-url"
	KeyLedgerStore             = "ledger-store"
	KeyHTTPListenAddr          = "http-listen-addr"
	KeyGRPCListenAddr          = "grpc-listen-addr"
	KeyAllowedOrigins          = "allowed-origins"
	KeyRequestTimeout          = "request-timeout"
	KeyJWTSigningKey           = "jwt-signing-key"
	KeyJWTIssuer               = "jwt-issuer"
	KeyPriceTable              = "price-table"
	KeyTokenEncoding           = "token-encoding"
	KeyRedisAddr               = "redis-addr"
	KeySchedulerEnabled        = "scheduler-enabled"
	KeySweepSchedule           = "sweep-schedule"
	KeyReferralSchedule        = "referral-schedule"
	KeyAutomationBonusSchedule = "automation-bonus-schedule"
	KeyJobTimeout              = "job-timeout"
	KeySweepBatchSize          = "sweep-batch-size"
	KeyTierWindowDays          = "tier-window-days"
	KeyTierBonusExpiryDays     = "tier-bonus-expiry-days"
	KeyTierConcurrency         = "tier-concurrency"
	KeyUnlockCacheSize         = "unlock-cache-size"
	KeyReferralEnabled         = "referral-enabled"
	KeyReferralInviterBonus    = "referral-inviter-bonus"
	KeyReferralInviteeBonus    = "referral-invitee-bonus"
	KeyReferralMinSpend        = "referral-min-spend"
	KeyReferralExpiryDays      = "referral-expiry-days"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"

	defaultDatabaseURL             = "sqlite:///tmp/promptledger.db"
	defaultHTTPListenAddr          = ":8080"
	defaultGRPCListenAddr          = ":7000"
	defaultRequestTimeout          = 10 * time.Second
	defaultJWTIssuer               = "promptledger"
	defaultTokenEncoding           = "cl100k_base"
	defaultSweepSchedule           = "0 * * * *"
	defaultReferralSchedule        = "*/15 * * * *"
	defaultAutomationBonusSchedule = "0 3 1 * *"
	defaultJobTimeout              = 10 * time.Minute
	defaultSweepBatchSize          = 500
	defaultTierBonusExpiryDays     = 30
	defaultTierConcurrency         = 8
	defaultUnlockCacheSize         = 4096
	defaultReferralInviterBonus    = 500
	defaultReferralInviteeBonus    = 300
	defaultReferralMinSpend        = 100
	defaultReferralExpiryDays      = 90
)

// ErrInvalidConfig reports a setting that cannot start the service.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL    string
	LedgerStore    string
	HTTPListenAddr string
	GRPCListenAddr string
	AllowedOrigins []string
	RequestTimeout time.Duration

	JWTSigningKey string
	JWTIssuer     string

	PriceTablePath string
	TokenEncoding  string

	RedisAddr               string
	SchedulerEnabled        bool
	SweepSchedule           string
	ReferralSchedule        string
	AutomationBonusSchedule string
	JobTimeout              time.Duration
	SweepBatchSize          int

	TierWindowDays      int
	TierBonusExpiryDays int
	TierConcurrency     int
	UnlockCacheSize     int

	// Referral is used until the referral_settings record exists.
	Referral referral.Settings
}

// SetDefaults registers every default on v so flags, env and file values layer over them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDatabaseURL, defaultDatabaseURL)
	v.SetDefault(KeyLedgerStore, StoreGorm)
	v.SetDefault(KeyHTTPListenAddr, defaultHTTPListenAddr)
	v.SetDefault(KeyGRPCListenAddr, defaultGRPCListenAddr)
	v.SetDefault(KeyRequestTimeout, defaultRequestTimeout)
	v.SetDefault(KeyJWTIssuer, defaultJWTIssuer)
	v.SetDefault(KeyTokenEncoding, defaultTokenEncoding)
	v.SetDefault(KeySchedulerEnabled, true)
	v.SetDefault(KeySweepSchedule, defaultSweepSchedule)
	v.SetDefault(KeyReferralSchedule, defaultReferralSchedule)
	v.SetDefault(KeyAutomationBonusSchedule, defaultAutomationBonusSchedule)
	v.SetDefault(KeyJobTimeout, defaultJobTimeout)
	v.SetDefault(KeySweepBatchSize, defaultSweepBatchSize)
	v.SetDefault(KeyTierWindowDays, tier.DefaultWindowDays)
	v.SetDefault(KeyTierBonusExpiryDays, defaultTierBonusExpiryDays)
	v.SetDefault(KeyTierConcurrency, defaultTierConcurrency)
	v.SetDefault(KeyUnlockCacheSize, defaultUnlockCacheSize)
	v.SetDefault(KeyReferralEnabled, true)
	v.SetDefault(KeyReferralInviterBonus, defaultReferralInviterBonus)
	v.SetDefault(KeyReferralInviteeBonus, defaultReferralInviteeBonus)
	v.SetDefault(KeyReferralMinSpend, defaultReferralMinSpend)
	v.SetDefault(KeyReferralExpiryDays, defaultReferralExpiryDays)
}

// NewViper returns a viper instance reading PROMPTLEDGER_* variables and, when path is set, a config file.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads a validated Config from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabaseURL:             strings.TrimSpace(v.GetString(KeyDatabaseURL)),
		LedgerStore:             strings.ToLower(strings.TrimSpace(v.GetString(KeyLedgerStore))),
		HTTPListenAddr:          strings.TrimSpace(v.GetString(KeyHTTPListenAddr)),
		GRPCListenAddr:          strings.TrimSpace(v.GetString(KeyGRPCListenAddr)),
		AllowedOrigins:          ParseAllowedOrigins(v.GetString(KeyAllowedOrigins)),
		RequestTimeout:          v.GetDuration(KeyRequestTimeout),
		JWTSigningKey:           v.GetString(KeyJWTSigningKey),
		JWTIssuer:               strings.TrimSpace(v.GetString(KeyJWTIssuer)),
		PriceTablePath:          strings.TrimSpace(v.GetString(KeyPriceTable)),
		TokenEncoding:           strings.TrimSpace(v.GetString(KeyTokenEncoding)),
		RedisAddr:               strings.TrimSpace(v.GetString(KeyRedisAddr)),
		SchedulerEnabled:        v.GetBool(KeySchedulerEnabled),
		SweepSchedule:           strings.TrimSpace(v.GetString(KeySweepSchedule)),
		ReferralSchedule:        strings.TrimSpace(v.GetString(KeyReferralSchedule)),
		AutomationBonusSchedule: strings.TrimSpace(v.GetString(KeyAutomationBonusSchedule)),
		JobTimeout:              v.GetDuration(KeyJobTimeout),
		SweepBatchSize:          v.GetInt(KeySweepBatchSize),
		TierWindowDays:          v.GetInt(KeyTierWindowDays),
		TierBonusExpiryDays:     v.GetInt(KeyTierBonusExpiryDays),
		TierConcurrency:         v.GetInt(KeyTierConcurrency),
		UnlockCacheSize:         v.GetInt(KeyUnlockCacheSize),
		Referral: referral.Settings{
			Enabled:             v.GetBool(KeyReferralEnabled),
			InviterBonus:        ledger.Credits(v.GetInt64(KeyReferralInviterBonus)),
			InviteeBonus:        ledger.Credits(v.GetInt64(KeyReferralInviteeBonus)),
			MinSpendRequirement: ledger.Credits(v.GetInt64(KeyReferralMinSpend)),
			BonusExpiryDays:     v.GetInt(KeyReferralExpiryDays),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects settings that cannot work.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.LedgerStore = defaultIfEmpty(cfg.LedgerStore, StoreGorm)
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	cfg.JWTIssuer = defaultIfEmpty(cfg.JWTIssuer, defaultJWTIssuer)
	cfg.TokenEncoding = defaultIfEmpty(cfg.TokenEncoding, defaultTokenEncoding)
	cfg.SweepSchedule = defaultIfEmpty(cfg.SweepSchedule, defaultSweepSchedule)
	cfg.ReferralSchedule = defaultIfEmpty(cfg.ReferralSchedule, defaultReferralSchedule)
	cfg.AutomationBonusSchedule = defaultIfEmpty(cfg.AutomationBonusSchedule, defaultAutomationBonusSchedule)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if cfg.TierWindowDays <= 0 {
		cfg.TierWindowDays = tier.DefaultWindowDays
	}
	if cfg.TierConcurrency <= 0 {
		cfg.TierConcurrency = defaultTierConcurrency
	}
	if cfg.UnlockCacheSize <= 0 {
		cfg.UnlockCacheSize = defaultUnlockCacheSize
	}

	if cfg.LedgerStore != StoreGorm && cfg.LedgerStore != StorePgx {
		return fmt.Errorf("%w: ledger store must be %q or %q, got %q", ErrInvalidConfig, StoreGorm, StorePgx, cfg.LedgerStore)
	}
	if cfg.LedgerStore == StorePgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("%w: the pgx store needs a postgres database url", ErrInvalidConfig)
	}
	if cfg.TierBonusExpiryDays < 0 {
		return fmt.Errorf("%w: tier bonus expiry days must not be negative", ErrInvalidConfig)
	}
	if err := cfg.Referral.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, schedule := range map[string]string{
		KeySweepSchedule:           cfg.SweepSchedule,
		KeyReferralSchedule:        cfg.ReferralSchedule,
		KeyAutomationBonusSchedule: cfg.AutomationBonusSchedule,
	} {
		if _, err := parser.Parse(schedule); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

// ValidateServe checks the settings only the long-running server needs.
func (cfg *Config) ValidateServe() error {
	if len(cfg.JWTSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	return nil
}

// IsPostgresURL reports whether dsn names a postgres database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
