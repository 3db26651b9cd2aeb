// Package config loads Kestrel configuration from kestrel.yaml, .env files
// and KESTREL_* environment variables.
package config

import (
	"errors"
	"math"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KESTREL"

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("config: invalid")

// envKeys are the settings that can be overridden from the environment.
var envKeys = []string{
	"tier",
	"server.host", "server.port", "server.read_timeout", "server.write_timeout", "server.allowed_origins",
	"repository.driver", "repository.sqlite_path",
	"repository.postgres_host", "repository.postgres_port", "repository.postgres_user",
	"repository.postgres_password", "repository.postgres_db", "repository.postgres_ssl_mode",
	"cache.type", "cache.local_max_size", "cache.local_ttl", "cache.redis_addr",
	"cache.redis_password", "cache.redis_db", "cache.enable_two_phase", "cache.result_ttl",
	"event_bus.type", "event_bus.nats_url", "event_bus.nats_token",
	"event_bus.kafka_brokers", "event_bus.kafka_group_id",
	"gateway.call_timeout", "gateway.max_attempts", "gateway.local_enabled",
	"anomaly.contamination", "anomaly.batch_rules", "anomaly.history_window",
	"models.store", "models.dir", "models.artifact_name", "models.auto_load",
	"worker.enabled", "worker.user_ids",
	"log.level", "log.format",
	"tracing.enabled",
}

// wellKnownKeys are the vendor variables consulted when a provider has no key.
var wellKnownKeys = map[string]string{
	domain.ProviderOpenAI:    "OPENAI_API_KEY",
	domain.ProviderAnthropic: "ANTHROPIC_API_KEY",
	domain.ProviderCohere:    "COHERE_API_KEY",
}

// Load reads the configuration. path may be empty, in which case
// kestrel.yaml is searched in the working directory and ~/.config/kestrel.
// The tier picks the base profile; file and environment values overlay it.
func Load(path string) (*domain.Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("kestrel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/kestrel")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind %s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(v.GetString("tier")) == domain.TierPro {
		cfg = domain.ProConfig()
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	applyProviderKeys(v, cfg)
	return cfg, nil
}

// applyProviderKeys fills provider API keys from KESTREL_PROVIDERS_<NAME>_API_KEY
// or the vendor's own variable. A provider with a key is enabled unless the
// file disables it explicitly.
func applyProviderKeys(v *viper.Viper, cfg *domain.Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]domain.ProviderConfig)
	}
	for name, vendorVar := range wellKnownKeys {
		pc := cfg.Providers[name]
		if pc.APIKey == "" {
			pc.APIKey = os.Getenv(EnvPrefix + "_PROVIDERS_" + strings.ToUpper(name) + "_API_KEY")
		}
		if pc.APIKey == "" {
			pc.APIKey = os.Getenv(vendorVar)
		}
		if pc.APIKey != "" && !v.IsSet("providers."+name+".enabled") {
			pc.Enabled = true
		}
		cfg.Providers[name] = pc
	}
}

// Validate checks cross-field constraints the loader cannot express.
func Validate(cfg *domain.Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, eris.Wrapf(ErrInvalid, format, args...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		add("server.port %d out of range", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		add("repository.driver %q is not supported", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		add("cache.type %q is not supported", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	case "kafka":
		if len(cfg.EventBus.KafkaBrokers) == 0 {
			add("event_bus.kafka_brokers is required for kafka")
		}
	default:
		add("event_bus.type %q is not supported", cfg.EventBus.Type)
	}
	switch cfg.Models.Store {
	case "file", "database":
	default:
		add("models.store %q is not supported", cfg.Models.Store)
	}
	for name, w := range cfg.Consensus.Weights {
		if math.IsNaN(w) || w < 0 {
			add("consensus.weights.%s must be non-negative", name)
		}
	}
	for i, r := range cfg.Rules {
		if r == nil || r.ID == "" || r.Expression == "" {
			add("rules[%d] needs an id and an expression", i)
		}
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		add("log.level %q is not a level", cfg.Log.Level)
	}
	if err := ValidateAnomaly(cfg.Anomaly); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// knownFeatures lists the feature names the feature builder computes.
var knownFeatures = map[string]bool{
	domain.FeatureAmount:            true,
	domain.FeatureAmountLog:         true,
	domain.FeatureAmountZScore:      true,
	domain.FeatureHour:              true,
	domain.FeatureDayOfWeek:         true,
	domain.FeatureMerchantFrequency: true,
	domain.FeatureCategoryFrequency: true,
	domain.FeatureTimeVariance:      true,
	domain.FeatureWeekend:           true,
	domain.FeatureBusinessHours:     true,
}

// ValidateAnomaly checks detection settings. It also guards runtime updates.
func ValidateAnomaly(cfg domain.AnomalyConfig) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, eris.Wrapf(ErrInvalid, format, args...))
	}

	if cfg.Contamination <= 0 || cfg.Contamination > 0.5 {
		add("anomaly.contamination %.3f must be in (0, 0.5]", cfg.Contamination)
	}
	if len(cfg.Features) == 0 {
		add("anomaly.features must not be empty")
	}
	for _, name := range cfg.Features {
		if !knownFeatures[name] {
			add("anomaly.features: unknown feature %q", name)
		}
	}

	th := cfg.Thresholds
	if th.MediumAmount <= 0 || th.HighAmount <= th.MediumAmount {
		add("anomaly.thresholds: need 0 < medium_amount < high_amount")
	}
	if th.RoundAmountUnit < 0 || th.RoundAmountFloor < 0 {
		add("anomaly.thresholds: round amount settings must be non-negative")
	}
	if th.QuietHourStart < 0 || th.QuietHourEnd > 23 || th.QuietHourStart > th.QuietHourEnd {
		add("anomaly.thresholds: quiet hours %d-%d invalid", th.QuietHourStart, th.QuietHourEnd)
	}
	if th.FrequencyThreshold < 0 || th.TimeVarianceThreshold < 0 {
		add("anomaly.thresholds: batch thresholds must be non-negative")
	}
	for group, w := range cfg.Weights {
		if math.IsNaN(w) || w < 0 {
			add("anomaly.weights.%s must be non-negative", group)
		}
	}
	if cfg.HistoryWindow < 0 {
		add("anomaly.history_window must not be negative")
	}

	return errors.Join(errs...)
}

// InitLogger builds the process logger and installs it as zap's global.
func InitLogger(cfg domain.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, eris.Wrap(err, "config: parse log level")
		}
		zapCfg.Level.SetLevel(level)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
