package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Karma     KarmaConfig     `yaml:"karma"`
	Snowball  SnowballConfig  `yaml:"snowball"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig backs the dedup ledger, the rate counters and the async
// delivery queue. When disabled, in-memory fallbacks are used.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SMTPConfig configures the outbound invitation transport.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	UseTLS   bool   `yaml:"use_tls"`
	// OptInBaseURL is the public URL prefix embedded in invitation emails
	// that recipients follow to opt in to a repository.
	OptInBaseURL string `yaml:"opt_in_base_url"`
}

// KarmaConfig points at the platform karma service. When BaseURL is empty
// the engine falls back to a static karma value (useful for development).
type KarmaConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DefaultKarma   int    `yaml:"default_karma"`
}

// SnowballConfig holds engine-wide defaults applied to repositories that
// do not override them, plus the domain reputation lists.
type SnowballConfig struct {
	DefaultMaxHops              int      `yaml:"default_max_hops"`
	DefaultMinQualityScore      float64  `yaml:"default_min_quality_score"`
	DefaultAutoApproveThreshold float64  `yaml:"default_auto_approve_threshold"`
	DefaultMaxEmailsPerUpload   int      `yaml:"default_max_emails_per_upload"`
	DefaultDedupWindowHours     int      `yaml:"default_dedup_window_hours"`
	MaxMembersPerRepository     int      `yaml:"max_members_per_repository"`
	ReviewTTLHours              int      `yaml:"review_ttl_hours"` // pending candidates expire after this
	KarmaCeiling                int      `yaml:"karma_ceiling"`    // karma at or above this normalizes to 1.0
	BlockedDomains              []string `yaml:"blocked_domains"`
	TrustedDomains              []string `yaml:"trusted_domains"`
}

// DeliveryConfig controls the distribution worker pool and retry policy.
type DeliveryConfig struct {
	Concurrency           int     `yaml:"concurrency"`
	BatchSize             int     `yaml:"batch_size"`
	AttemptTimeoutSeconds int     `yaml:"attempt_timeout_seconds"`
	InitialDelayMS        int     `yaml:"initial_delay_ms"`
	MaxDelayMS            int     `yaml:"max_delay_ms"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier"`
	MaxRetries            int     `yaml:"max_retries"`
	SendsPerMinute        int     `yaml:"sends_per_minute"`
	SendBurst             int     `yaml:"send_burst"`
}

type RateLimitConfig struct {
	RPS                float64 `yaml:"rps"`
	Burst              int     `yaml:"burst"`
	UploadsPerMinute   int     `yaml:"uploads_per_minute"`   // per repository
	SubmissionsPerHour int     `yaml:"submissions_per_hour"` // per submitting user
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		cfg = &fileCfg
		cfg.applyDefaults()
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "snowball.db",
		},
		JWT: JWTConfig{
			Secret:     "snowball-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		SMTP: SMTPConfig{
			Enabled:      false,
			Port:         587,
			OptInBaseURL: "http://localhost:8080/opt-in",
		},
		Karma: KarmaConfig{
			TimeoutSeconds: 5,
			DefaultKarma:   10,
		},
		Snowball: SnowballConfig{
			DefaultMaxHops:              3,
			DefaultMinQualityScore:      0.5,
			DefaultAutoApproveThreshold: 0.9,
			DefaultMaxEmailsPerUpload:   500,
			DefaultDedupWindowHours:     720,
			MaxMembersPerRepository:     10000,
			ReviewTTLHours:              168,
			KarmaCeiling:                100,
		},
		Delivery: DeliveryConfig{
			Concurrency:           10,
			BatchSize:             100,
			AttemptTimeoutSeconds: 30,
			InitialDelayMS:        500,
			MaxDelayMS:            60000,
			BackoffMultiplier:     2.0,
			MaxRetries:            3,
			SendsPerMinute:        120,
			SendBurst:             10,
		},
		RateLimit: RateLimitConfig{
			RPS:                20,
			Burst:              40,
			UploadsPerMinute:   6,
			SubmissionsPerHour: 200,
		},
	}
}

// applyDefaults fills zero-valued fields a partial config file left out.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Mode == "" {
		c.Server.Mode = def.Server.Mode
	}
	if c.Database.Driver == "" {
		c.Database = def.Database
	}
	if c.JWT.Secret == "" {
		c.JWT.Secret = def.JWT.Secret
	}
	if c.JWT.ExpireHour == 0 {
		c.JWT.ExpireHour = def.JWT.ExpireHour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = def.SMTP.Port
	}
	if c.SMTP.OptInBaseURL == "" {
		c.SMTP.OptInBaseURL = def.SMTP.OptInBaseURL
	}
	if c.Karma.TimeoutSeconds == 0 {
		c.Karma.TimeoutSeconds = def.Karma.TimeoutSeconds
	}
	if c.Karma.DefaultKarma == 0 {
		c.Karma.DefaultKarma = def.Karma.DefaultKarma
	}
	if c.Snowball.DefaultMaxHops == 0 {
		c.Snowball.DefaultMaxHops = def.Snowball.DefaultMaxHops
	}
	if c.Snowball.DefaultMinQualityScore == 0 {
		c.Snowball.DefaultMinQualityScore = def.Snowball.DefaultMinQualityScore
	}
	if c.Snowball.DefaultAutoApproveThreshold == 0 {
		c.Snowball.DefaultAutoApproveThreshold = def.Snowball.DefaultAutoApproveThreshold
	}
	if c.Snowball.DefaultMaxEmailsPerUpload == 0 {
		c.Snowball.DefaultMaxEmailsPerUpload = def.Snowball.DefaultMaxEmailsPerUpload
	}
	if c.Snowball.DefaultDedupWindowHours == 0 {
		c.Snowball.DefaultDedupWindowHours = def.Snowball.DefaultDedupWindowHours
	}
	if c.Snowball.MaxMembersPerRepository == 0 {
		c.Snowball.MaxMembersPerRepository = def.Snowball.MaxMembersPerRepository
	}
	if c.Snowball.ReviewTTLHours == 0 {
		c.Snowball.ReviewTTLHours = def.Snowball.ReviewTTLHours
	}
	if c.Snowball.KarmaCeiling == 0 {
		c.Snowball.KarmaCeiling = def.Snowball.KarmaCeiling
	}
	if c.Delivery.Concurrency == 0 {
		c.Delivery.Concurrency = def.Delivery.Concurrency
	}
	if c.Delivery.BatchSize == 0 {
		c.Delivery.BatchSize = def.Delivery.BatchSize
	}
	if c.Delivery.AttemptTimeoutSeconds == 0 {
		c.Delivery.AttemptTimeoutSeconds = def.Delivery.AttemptTimeoutSeconds
	}
	if c.Delivery.InitialDelayMS == 0 {
		c.Delivery.InitialDelayMS = def.Delivery.InitialDelayMS
	}
	if c.Delivery.MaxDelayMS == 0 {
		c.Delivery.MaxDelayMS = def.Delivery.MaxDelayMS
	}
	if c.Delivery.BackoffMultiplier == 0 {
		c.Delivery.BackoffMultiplier = def.Delivery.BackoffMultiplier
	}
	if c.Delivery.MaxRetries == 0 {
		c.Delivery.MaxRetries = def.Delivery.MaxRetries
	}
	if c.Delivery.SendsPerMinute == 0 {
		c.Delivery.SendsPerMinute = def.Delivery.SendsPerMinute
	}
	if c.Delivery.SendBurst == 0 {
		c.Delivery.SendBurst = def.Delivery.SendBurst
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit = def.RateLimit
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if baseURL := os.Getenv("KARMA_BASE_URL"); baseURL != "" {
		c.Karma.BaseURL = baseURL
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		c.SMTP.Enabled = true
		c.SMTP.Host = host
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		c.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		c.SMTP.Password = pass
	}
	if from := os.Getenv("SMTP_FROM"); from != "" {
		c.SMTP.From = from
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
