package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v2"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Security  SecurityConfig  `mapstructure:"security" yaml:"security"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Tiers     []TierConfig    `mapstructure:"tiers" yaml:"tiers,omitempty"`
	Backends  BackendsConfig  `mapstructure:"backends" yaml:"backends"`
	Notify    NotifyConfig    `mapstructure:"notify" yaml:"notify"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`

	// 以下配置内置在代码中，不暴露在配置文件
	Defaults DefaultsConfig `mapstructure:"-" yaml:"-"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type SecurityConfig struct {
	// AdminPasswordHash is a bcrypt hash; AdminPassword is accepted for local setups only
	AdminPasswordHash string        `mapstructure:"admin_password_hash" yaml:"admin_password_hash"`
	AdminPassword     string        `mapstructure:"admin_password" yaml:"admin_password,omitempty"`
	JWTSecret         string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	SessionTTL        time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
	EnableCORS        bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AdminRatePerMin   int           `mapstructure:"admin_rate_per_min" yaml:"admin_rate_per_min"`
	AdminBurst        int           `mapstructure:"admin_burst" yaml:"admin_burst"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Format        string `mapstructure:"format" yaml:"format"`
	Output        string `mapstructure:"output" yaml:"output"`
	ConsoleOutput bool   `mapstructure:"console_output" yaml:"console_output"`
	MaxSize       int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups    int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge        int    `mapstructure:"max_age" yaml:"max_age"`
	Compress      bool   `mapstructure:"compress" yaml:"compress"`
}

type StorageConfig struct {
	// Driver is one of memory, postgres, mongo, firestore
	Driver   string `mapstructure:"driver" yaml:"driver"`
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir"`
	UsageDir string `mapstructure:"usage_dir" yaml:"usage_dir"`
	LogsDir  string `mapstructure:"logs_dir" yaml:"logs_dir"`

	// UsageFlush is how often aggregated backend usage is written to usage_dir
	UsageFlush time.Duration `mapstructure:"usage_flush" yaml:"usage_flush"`

	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url,omitempty"`

	MongoURI      string `mapstructure:"mongo_uri" yaml:"mongo_uri,omitempty"`
	MongoDatabase string `mapstructure:"mongo_database" yaml:"mongo_database,omitempty"`

	FirestoreProject         string `mapstructure:"firestore_project" yaml:"firestore_project,omitempty"`
	FirestorePrefix          string `mapstructure:"firestore_prefix" yaml:"firestore_prefix,omitempty"`
	FirestoreCredentialsFile string `mapstructure:"firestore_credentials_file" yaml:"firestore_credentials_file,omitempty"`

	// 对话上下文
	RedisURL        string        `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
	ContextTTL      time.Duration `mapstructure:"context_ttl" yaml:"context_ttl"`
	ContextMaxTurns int           `mapstructure:"context_max_turns" yaml:"context_max_turns"`
	ContextWindow   int           `mapstructure:"context_window" yaml:"context_window"`
}

// TierConfig defines a plan. A non-empty tiers list replaces the built-in catalog.
type TierConfig struct {
	Name              string   `mapstructure:"name" yaml:"name"`
	RatePerMinute     int      `mapstructure:"rate_per_minute" yaml:"rate_per_minute"`
	Unlimited         bool     `mapstructure:"unlimited" yaml:"unlimited"`
	Capabilities      []string `mapstructure:"capabilities" yaml:"capabilities"`
	Languages         []string `mapstructure:"languages" yaml:"languages,omitempty"`
	Tones             []string `mapstructure:"tones" yaml:"tones,omitempty"`
	Context           bool     `mapstructure:"context" yaml:"context"`
	DefaultExpiryDays int      `mapstructure:"default_expiry_days" yaml:"default_expiry_days"`
	Price             string   `mapstructure:"price" yaml:"price"`
	Description       string   `mapstructure:"description" yaml:"description,omitempty"`
}

type BackendsConfig struct {
	Order          []string      `mapstructure:"order" yaml:"order"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	StreamTimeout  time.Duration `mapstructure:"stream_timeout" yaml:"stream_timeout"`
	Perplexity     BackendConfig `mapstructure:"perplexity" yaml:"perplexity"`
	Gemini         BackendConfig `mapstructure:"gemini" yaml:"gemini"`
	Groq           BackendConfig `mapstructure:"groq" yaml:"groq"`
}

type BackendConfig struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Model    string `mapstructure:"model" yaml:"model"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
	// CredentialsFile is a service-account JSON, used by gemini when no api key is set
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
}

type NotifyConfig struct {
	TelegramToken     string `mapstructure:"telegram_token" yaml:"telegram_token"`
	TelegramChannelID int64  `mapstructure:"telegram_channel_id" yaml:"telegram_channel_id"`
	QueueSize         int    `mapstructure:"queue_size" yaml:"queue_size"`
}

type SchedulerConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ExpirySweep  string `mapstructure:"expiry_sweep" yaml:"expiry_sweep"`
	LimiterPrune string `mapstructure:"limiter_prune" yaml:"limiter_prune"`
	HealthReport string `mapstructure:"health_report" yaml:"health_report"`
	DailyReport  string `mapstructure:"daily_report" yaml:"daily_report"`
	SweepBatch   int    `mapstructure:"sweep_batch" yaml:"sweep_batch"`
}

type DefaultsConfig struct {
	Temperature     float64
	MaxTokens       int
	LimiterIdleTTL  time.Duration
	NegativeTTL     time.Duration
	UsageHistoryMax int
}

// Load loads the configuration from file and environment
func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 设置默认值
	setDefaults(&cfg)

	// 验证配置
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrCreate 加载配置，如果不存在则创建默认配置
func LoadOrCreate() (*Config, error) {
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = "./config.yaml" // 默认路径
	}

	if _, err := os.Stat(configFile); err == nil {
		cfg, err := Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configFile, err)
		}
		return cfg, nil
	}

	// 配置文件不存在，创建默认配置
	fmt.Println("\n⚠️  Config file not found, creating default config...")

	cfg, password, err := NewDefault()
	if err != nil {
		return nil, err
	}
	// 环境变量和命令行参数仍然生效
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	setDefaults(cfg)

	fmt.Printf("\n🔑 Generated admin password: %s\n", password)
	fmt.Println("   ⚠️  IMPORTANT: Please save this password!")
	fmt.Println("   Only its bcrypt hash is written to the config file.")

	if err := SaveConfig(cfg, configFile); err != nil {
		fmt.Printf("\n⚠️  Warning: Failed to save config file: %v\n", err)
		fmt.Println("   Continuing with in-memory config...")
	} else {
		fmt.Printf("\n✅ Config file created: %s\n", configFile)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewDefault builds a default config with a fresh admin password and JWT secret.
// It returns the plain password so the caller can show it once.
func NewDefault() (*Config, string, error) {
	cfg := &Config{}
	setDefaults(cfg)

	password, err := generateRandomString(16)
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash admin password: %w", err)
	}
	cfg.Security.AdminPasswordHash = string(hash)

	secret, err := generateRandomString(48)
	if err != nil {
		return nil, "", err
	}
	cfg.Security.JWTSecret = secret
	cfg.Tiers = DefaultTiers()
	return cfg, password, nil
}

// Render 将配置序列化为 YAML
func Render(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, path string) error {
	data, err := Render(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	// 配置中包含密钥，仅所有者可读
	return os.WriteFile(path, data, 0600)
}

// generateRandomString 生成随机字符串
func generateRandomString(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b), nil
}

// DefaultTiers returns the built-in plan catalog
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			Name:              "free",
			RatePerMinute:     10,
			Capabilities:      []string{"chat"},
			Languages:         []string{"english"},
			Tones:             []string{"default"},
			DefaultExpiryDays: 7,
			Price:             "0",
			Description:       "Trial access: chat in english",
		},
		{
			Name:              "basic",
			RatePerMinute:     100,
			Unlimited:         true,
			Capabilities:      []string{"chat", "analyze", "code"},
			Languages:         []string{"english", "hindi", "spanish", "french", "german", "chinese", "japanese", "arabic"},
			Context:           true,
			DefaultExpiryDays: 30,
			Price:             "99",
			Description:       "Unlimited chat with analysis, code help and memory",
		},
		{
			Name:              "pro",
			RatePerMinute:     1000,
			Unlimited:         true,
			Capabilities:      []string{"chat", "analyze", "summarize", "code", "stream", "image", "video"},
			Context:           true,
			DefaultExpiryDays: 30,
			Price:             "299",
			Description:       "Every capability, any language, priority routing",
		},
	}
}

func setDefaults(cfg *Config) {
	// 服务器配置
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8045
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 120 * time.Second
	}

	// 安全配置
	if cfg.Security.SessionTTL == 0 {
		cfg.Security.SessionTTL = 12 * time.Hour
	}
	if cfg.Security.AdminRatePerMin == 0 {
		cfg.Security.AdminRatePerMin = 60
	}
	if cfg.Security.AdminBurst == 0 {
		cfg.Security.AdminBurst = 10
	}
	if len(cfg.Security.AllowedOrigins) == 0 {
		cfg.Security.AllowedOrigins = []string{"*"}
	}

	// 日志配置
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "logs/keygate.log"
	}
	cfg.Logging.ConsoleOutput = true
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 10
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = 30
	}

	// 存储配置
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.UsageDir == "" {
		cfg.Storage.UsageDir = filepath.Join(cfg.Storage.DataDir, "usage")
	}
	if cfg.Storage.UsageFlush == 0 {
		cfg.Storage.UsageFlush = 30 * time.Second
	}
	if cfg.Storage.LogsDir == "" {
		cfg.Storage.LogsDir = "./logs"
	}
	if cfg.Storage.MongoDatabase == "" {
		cfg.Storage.MongoDatabase = "keygate"
	}
	if cfg.Storage.ContextTTL == 0 {
		cfg.Storage.ContextTTL = 24 * time.Hour
	}
	if cfg.Storage.ContextMaxTurns == 0 {
		cfg.Storage.ContextMaxTurns = 20
	}
	if cfg.Storage.ContextWindow == 0 {
		cfg.Storage.ContextWindow = 6
	}

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}

	// 后端配置
	if len(cfg.Backends.Order) == 0 {
		cfg.Backends.Order = []string{"perplexity", "gemini", "groq"}
	}
	if cfg.Backends.AttemptTimeout == 0 {
		cfg.Backends.AttemptTimeout = 30 * time.Second
	}
	if cfg.Backends.StreamTimeout == 0 {
		cfg.Backends.StreamTimeout = 2 * time.Minute
	}
	if cfg.Backends.Perplexity.Model == "" {
		cfg.Backends.Perplexity.Model = "sonar"
	}
	if cfg.Backends.Perplexity.BaseURL == "" {
		cfg.Backends.Perplexity.BaseURL = "https://api.perplexity.ai"
	}
	if cfg.Backends.Gemini.Model == "" {
		cfg.Backends.Gemini.Model = "gemini-2.0-flash-exp"
	}
	if cfg.Backends.Groq.Model == "" {
		cfg.Backends.Groq.Model = "llama-3.3-70b-versatile"
	}
	if cfg.Backends.Groq.BaseURL == "" {
		cfg.Backends.Groq.BaseURL = "https://api.groq.com/openai/v1"
	}

	if cfg.Notify.QueueSize == 0 {
		cfg.Notify.QueueSize = 256
	}

	// 定时任务
	if cfg.Scheduler.ExpirySweep == "" {
		cfg.Scheduler.ExpirySweep = "@every 1h"
	}
	if cfg.Scheduler.LimiterPrune == "" {
		cfg.Scheduler.LimiterPrune = "@every 10m"
	}
	if cfg.Scheduler.HealthReport == "" {
		cfg.Scheduler.HealthReport = "@every 5m"
	}
	if cfg.Scheduler.DailyReport == "" {
		cfg.Scheduler.DailyReport = "@daily"
	}
	if cfg.Scheduler.SweepBatch == 0 {
		cfg.Scheduler.SweepBatch = 500
	}

	// 内置默认值
	if cfg.Defaults.Temperature == 0 {
		cfg.Defaults.Temperature = 0.7
	}
	if cfg.Defaults.MaxTokens == 0 {
		cfg.Defaults.MaxTokens = 4096
	}
	if cfg.Defaults.LimiterIdleTTL == 0 {
		cfg.Defaults.LimiterIdleTTL = 30 * time.Minute
	}
	if cfg.Defaults.NegativeTTL == 0 {
		cfg.Defaults.NegativeTTL = 30 * time.Second
	}
	if cfg.Defaults.UsageHistoryMax == 0 {
		cfg.Defaults.UsageHistoryMax = 90
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}

	switch cfg.Storage.Driver {
	case "memory":
	case "postgres":
		if cfg.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for the postgres driver")
		}
	case "mongo":
		if cfg.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri is required for the mongo driver")
		}
	case "firestore":
		if cfg.Storage.FirestoreProject == "" {
			return fmt.Errorf("storage.firestore_project is required for the firestore driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	if cfg.Storage.ContextWindow > cfg.Storage.ContextMaxTurns {
		return fmt.Errorf("storage.context_window (%d) exceeds context_max_turns (%d)",
			cfg.Storage.ContextWindow, cfg.Storage.ContextMaxTurns)
	}

	seen := make(map[string]bool, len(cfg.Tiers))
	for _, tier := range cfg.Tiers {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" {
			return fmt.Errorf("tier without a name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate tier: %s", name)
		}
		seen[name] = true
	}

	for _, name := range cfg.Backends.Order {
		switch strings.ToLower(name) {
		case "perplexity", "gemini", "groq":
		default:
			return fmt.Errorf("unknown backend in backends.order: %s", name)
		}
	}
	return nil
}
