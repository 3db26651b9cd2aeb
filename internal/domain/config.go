package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Tier selects the infrastructure profile
	Tier Tier `mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`

	// Decision engine
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Gateway   GatewayConfig             `mapstructure:"gateway"`
	Consensus ConsensusConfig           `mapstructure:"consensus"`
	Anomaly   AnomalyConfig             `mapstructure:"anomaly"`
	Models    ModelsConfig              `mapstructure:"models"`
	Worker    WorkerConfig              `mapstructure:"worker"`

	// Operator CEL rules appended after the built-in anomaly checks
	Rules []*RuleConfig `mapstructure:"rules"`

	// Observability
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	ReadTimeout    int      `mapstructure:"read_timeout"`  // seconds
	WriteTimeout   int      `mapstructure:"write_timeout"` // seconds
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ProviderConfig configures one remote language-model classifier.
type ProviderConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	RateLimit   float64 `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	Burst       int     `mapstructure:"burst"`
}

// GatewayConfig controls classifier fan-out.
type GatewayConfig struct {
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	LocalEnabled   bool          `mapstructure:"local_enabled"`
}

// ConsensusConfig controls weighted voting.
type ConsensusConfig struct {
	Weights       map[string]float64 `mapstructure:"weights"`
	DefaultWeight float64            `mapstructure:"default_weight"`
}

// ModelsConfig controls where trained artifacts live.
type ModelsConfig struct {
	// Store is "file" or "database"
	Store        string `mapstructure:"store"`
	Dir          string `mapstructure:"dir"`
	ArtifactName string `mapstructure:"artifact_name"`
	AutoLoad     bool   `mapstructure:"auto_load"`
}

// WorkerConfig controls the async bus worker.
type WorkerConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	UserIDs []string `mapstructure:"user_ids"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Tier represents the deployment profile.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// Provider names with built-in clients.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderCohere    = "cohere"
	ProviderLocal     = "local_ml"
)

// DefaultWeights is the stock per-producer voting weight table.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		ProviderOpenAI:    0.4,
		ProviderAnthropic: 0.3,
		ProviderCohere:    0.2,
		ProviderLocal:     0.1,
	}
}

// DefaultConfig returns a default configuration for the Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   60,
			AllowedOrigins: []string{"*"},
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ResultTTL:    time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Providers: map[string]ProviderConfig{
			ProviderOpenAI: {
				Model:       "gpt-4o-mini",
				BaseURL:     "https://api.openai.com/v1",
				Temperature: 0.1,
				MaxTokens:   300,
				RateLimit:   5,
				Burst:       5,
			},
			ProviderAnthropic: {
				Model:       "claude-haiku-4-5-20251001",
				Temperature: 0.1,
				MaxTokens:   300,
				RateLimit:   5,
				Burst:       5,
			},
			ProviderCohere: {
				BaseURL:   "https://api.cohere.com/v1",
				RateLimit: 5,
				Burst:     5,
			},
		},
		Gateway: GatewayConfig{
			CallTimeout:    30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     4 * time.Second,
			LocalEnabled:   true,
		},
		Consensus: ConsensusConfig{
			Weights:       DefaultWeights(),
			DefaultWeight: 0.1,
		},
		Anomaly: DefaultAnomalyConfig(),
		Models: ModelsConfig{
			Store:        "file",
			Dir:          "./models",
			ArtifactName: "kestrel-artifacts",
			AutoLoad:     true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for the Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		ResultTTL:      time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Models.Store = "database"
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
