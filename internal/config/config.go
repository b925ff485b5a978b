package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Torrent  TorrentConfig  `json:"torrent"`
	Telegram TelegramConfig `json:"telegram"`
}

// AppConfig carries the base application settings.
type AppConfig struct {
	Env              string        `json:"env"`                // runtime environment: local / prod
	LogLevel         string        `json:"log_level"`          // debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // API listen address
	TickInterval     time.Duration `json:"tick_interval"`      // scheduler tick (e.g. "1m")
	WorkerPoolSize   int           `json:"worker_pool_size"`   // concurrent search runs
	QueueCapacity    int           `json:"queue_capacity"`     // run queue capacity
	FetchTimeout     time.Duration `json:"fetch_timeout"`      // per-request HTTP timeout
	RetryMaxAttempts int           `json:"retry_max_attempts"` // fetch attempts before giving up
	RetryBaseDelay   time.Duration `json:"retry_base_delay"`   // first backoff delay
	RetryMultiplier  float64       `json:"retry_multiplier"`   // backoff growth factor
	ProxyURL         string        `json:"proxy_url"`          // socks5://host:port, empty for direct
	SizeLimitBytes   int64         `json:"size_limit_bytes"`   // drop listings above this size
	RateLimit        float64       `json:"rate_limit"`         // fetch rate (tokens/s)
	RateBurst        float64       `json:"rate_burst"`         // fetch burst capacity
	LockTTL          time.Duration `json:"lock_ttl"`           // per-search run lease TTL

	// Filters applied when a search defines none of its own.
	DefaultQualityFilters     []string `json:"default_quality_filters"`
	DefaultTranslationFilters []string `json:"default_translation_filters"`
}

// MySQLConfig holds the database settings.
type MySQLConfig struct {
	DSN string `json:"dsn"` // connection string
}

// RedisConfig holds the Redis settings.
type RedisConfig struct {
	Addr     string `json:"addr"` // host:port
	Password string `json:"password"`
}

// TorrentConfig selects and configures the download client.
type TorrentConfig struct {
	Kind     string `json:"kind"` // qbittorrent / transmission
	URL      string `json:"url"`  // client web API base URL
	Username string `json:"username"`
	Password string `json:"password"`
	Category string `json:"category"` // label assigned to added torrents
}

// TelegramConfig holds the bot credentials for subscriber notifications.
type TelegramConfig struct {
	Token   string `json:"token"`
	BaseURL string `json:"base_url"` // override for tests, empty for api.telegram.org
}

// Load reads the configuration from a JSON file. When the file does not
// exist the defaults are used; environment variables override either way.
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			TickInterval:     time.Minute,
			WorkerPoolSize:   4,
			QueueCapacity:    64,
			FetchTimeout:     60 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   2 * time.Second,
			RetryMultiplier:  2,
			ProxyURL:         "",
			SizeLimitBytes:   5 << 30,
			RateLimit:        1,
			RateBurst:        3,
			LockTTL:          10 * time.Minute,

			DefaultQualityFilters:     nil,
			DefaultTranslationFilters: nil,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/rutorbot?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Torrent: TorrentConfig{
			Kind:     "qbittorrent",
			URL:      "http://localhost:8081",
			Username: "admin",
			Password: "",
			Category: "movies",
		},
		Telegram: TelegramConfig{
			Token:   "",
			BaseURL: "",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.TickInterval == 0 {
		cfg.App.TickInterval = defaults.App.TickInterval
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.FetchTimeout == 0 {
		cfg.App.FetchTimeout = defaults.App.FetchTimeout
	}
	if cfg.App.RetryMaxAttempts == 0 {
		cfg.App.RetryMaxAttempts = defaults.App.RetryMaxAttempts
	}
	if cfg.App.RetryBaseDelay == 0 {
		cfg.App.RetryBaseDelay = defaults.App.RetryBaseDelay
	}
	if cfg.App.RetryMultiplier == 0 {
		cfg.App.RetryMultiplier = defaults.App.RetryMultiplier
	}
	if cfg.App.SizeLimitBytes == 0 {
		cfg.App.SizeLimitBytes = defaults.App.SizeLimitBytes
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.LockTTL == 0 {
		cfg.App.LockTTL = defaults.App.LockTTL
	}
	if cfg.Torrent.Kind == "" {
		cfg.Torrent.Kind = defaults.Torrent.Kind
	}
	if cfg.Torrent.URL == "" {
		cfg.Torrent.URL = defaults.Torrent.URL
	}
	if cfg.Torrent.Category == "" {
		cfg.Torrent.Category = defaults.Torrent.Category
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("telegram_token", "TELEGRAM_TOKEN")
	_ = viper.BindEnv("torrent_password", "TORRENT_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.TickInterval = d
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.FetchTimeout = d
		}
	}
	if v := os.Getenv("APP_RETRY_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.RetryMaxAttempts = i
		}
	}
	if v := os.Getenv("APP_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("APP_RETRY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RetryMultiplier = f
		}
	}
	if v := os.Getenv("APP_PROXY_URL"); v != "" {
		cfg.App.ProxyURL = v
	}
	if v := os.Getenv("APP_SIZE_LIMIT_BYTES"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.App.SizeLimitBytes = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.LockTTL = d
		}
	}
	if v := os.Getenv("APP_DEFAULT_QUALITY_FILTERS"); v != "" {
		cfg.App.DefaultQualityFilters = splitList(v)
	}
	if v := os.Getenv("APP_DEFAULT_TRANSLATION_FILTERS"); v != "" {
		cfg.App.DefaultTranslationFilters = splitList(v)
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("TORRENT_KIND"); v != "" {
		cfg.Torrent.Kind = v
	}
	if v := os.Getenv("TORRENT_URL"); v != "" {
		cfg.Torrent.URL = v
	}
	if v := os.Getenv("TORRENT_USERNAME"); v != "" {
		cfg.Torrent.Username = v
	}
	if v := viper.GetString("torrent_password"); v != "" {
		cfg.Torrent.Password = v
	}
	if v := os.Getenv("TORRENT_CATEGORY"); v != "" {
		cfg.Torrent.Category = v
	}

	if v := viper.GetString("telegram_token"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_BASE_URL"); v != "" {
		cfg.Telegram.BaseURL = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "rutorbot",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON accepts duration fields as strings like "60s".
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		TickInterval   string `json:"tick_interval"`
		FetchTimeout   string `json:"fetch_timeout"`
		RetryBaseDelay string `json:"retry_base_delay"`
		LockTTL        string `json:"lock_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.TickInterval != "" {
		d, err := time.ParseDuration(aux.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval format: %w", err)
		}
		a.TickInterval = d
	}
	if aux.FetchTimeout != "" {
		d, err := time.ParseDuration(aux.FetchTimeout)
		if err != nil {
			return fmt.Errorf("invalid fetch_timeout format: %w", err)
		}
		a.FetchTimeout = d
	}
	if aux.RetryBaseDelay != "" {
		d, err := time.ParseDuration(aux.RetryBaseDelay)
		if err != nil {
			return fmt.Errorf("invalid retry_base_delay format: %w", err)
		}
		a.RetryBaseDelay = d
	}
	if aux.LockTTL != "" {
		d, err := time.ParseDuration(aux.LockTTL)
		if err != nil {
			return fmt.Errorf("invalid lock_ttl format: %w", err)
		}
		a.LockTTL = d
	}

	return nil
}

// MarshalJSON renders duration fields as strings.
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		TickInterval   string `json:"tick_interval"`
		FetchTimeout   string `json:"fetch_timeout"`
		RetryBaseDelay string `json:"retry_base_delay"`
		LockTTL        string `json:"lock_ttl"`
		*Alias
	}{
		TickInterval:   a.TickInterval.String(),
		FetchTimeout:   a.FetchTimeout.String(),
		RetryBaseDelay: a.RetryBaseDelay.String(),
		LockTTL:        a.LockTTL.String(),
		Alias:          (*Alias)(&a),
	})
}
