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

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env           string        `json:"env"`             // 运行环境: local / prod
	LogLevel      string        `json:"log_level"`       // 日志级别: debug / info / warn / error
	HTTPAddr      string        `json:"http_addr"`       // 统计/指标 HTTP 服务监听地址
	SyncInterval  time.Duration `json:"sync_interval"`   // 调度器同步间隔（如 "5m"）
	BatchSize     int           `json:"batch_size"`      // 批量写入大小
	MaxAgeHours   int           `json:"max_age_hours"`   // 记录最大年龄（小时），超过则不迁移
	CleanupAfter  bool          `json:"cleanup_after"`   // 迁移成功后是否裁剪缓存
	ChatRetention int64         `json:"chat_retention"`  // 裁剪时每房间保留的弹幕条数
	GiftRetention int64         `json:"gift_retention"`  // 裁剪时每房间保留的礼物条数
	StatsWindow   time.Duration `json:"stats_window"`    // 运行统计的回溯窗口
	ShutdownGrace time.Duration `json:"shutdown_grace"`  // 停止信号后等待在途 tick 的宽限期
}

// DatabaseConfig 持久化存储配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / sqlite
	DSN    string `json:"dsn"`    // 连接字符串（sqlite 为文件路径）
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`       // 数据库编号
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认值；环境变量始终可以覆盖文件值。
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

// LoadOrDefault 加载配置，失败时返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save 保存配置到 JSON 文件。
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

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:           "local",
			LogLevel:      "info",
			HTTPAddr:      ":8082",
			SyncInterval:  5 * time.Minute,
			BatchSize:     100,
			MaxAgeHours:   24,
			CleanupAfter:  true,
			ChatRetention: 1000,
			GiftRetention: 500,
			StatsWindow:   7 * 24 * time.Hour,
			ShutdownGrace: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/livemon?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
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
	if cfg.App.SyncInterval == 0 {
		cfg.App.SyncInterval = defaults.App.SyncInterval
	}
	if cfg.App.BatchSize == 0 {
		cfg.App.BatchSize = defaults.App.BatchSize
	}
	if cfg.App.MaxAgeHours == 0 {
		cfg.App.MaxAgeHours = defaults.App.MaxAgeHours
	}
	if cfg.App.ChatRetention == 0 {
		cfg.App.ChatRetention = defaults.App.ChatRetention
	}
	if cfg.App.GiftRetention == 0 {
		cfg.App.GiftRetention = defaults.App.GiftRetention
	}
	if cfg.App.StatsWindow == 0 {
		cfg.App.StatsWindow = defaults.App.StatsWindow
	}
	if cfg.App.ShutdownGrace == 0 {
		cfg.App.ShutdownGrace = defaults.App.ShutdownGrace
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.SyncInterval = d
		}
	}
	if v := os.Getenv("APP_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.BatchSize = i
		}
	}
	if v := os.Getenv("APP_MAX_AGE_HOURS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MaxAgeHours = i
		}
	}
	if v := os.Getenv("APP_CLEANUP_AFTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.CleanupAfter = b
		}
	}
	if v := os.Getenv("APP_CHAT_RETENTION"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.App.ChatRetention = i
		}
	}
	if v := os.Getenv("APP_GIFT_RETENTION"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.App.GiftRetention = i
		}
	}
	if v := os.Getenv("APP_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.ShutdownGrace = d
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" &&
		(hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") ||
			viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
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
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = i
		}
	}
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
	if fallbackAddr == "" {
		return defaultValue
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
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "livemon",
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

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		SyncInterval  string `json:"sync_interval"`
		StatsWindow   string `json:"stats_window"`
		ShutdownGrace string `json:"shutdown_grace"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.SyncInterval != "" {
		d, err := time.ParseDuration(aux.SyncInterval)
		if err != nil {
			return fmt.Errorf("invalid sync_interval format: %w", err)
		}
		a.SyncInterval = d
	}
	if aux.StatsWindow != "" {
		d, err := time.ParseDuration(aux.StatsWindow)
		if err != nil {
			return fmt.Errorf("invalid stats_window format: %w", err)
		}
		a.StatsWindow = d
	}
	if aux.ShutdownGrace != "" {
		d, err := time.ParseDuration(aux.ShutdownGrace)
		if err != nil {
			return fmt.Errorf("invalid shutdown_grace format: %w", err)
		}
		a.ShutdownGrace = d
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		SyncInterval  string `json:"sync_interval"`
		StatsWindow   string `json:"stats_window"`
		ShutdownGrace string `json:"shutdown_grace"`
		*Alias
	}{
		SyncInterval:  a.SyncInterval.String(),
		StatsWindow:   a.StatsWindow.String(),
		ShutdownGrace: a.ShutdownGrace.String(),
		Alias:         (*Alias)(&a),
	})
}
