package config

import (
	"encoding/json"
	"errors"
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
	Provider ProviderConfig `json:"provider"`
	Check    CheckConfig    `json:"check"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Queue    QueueConfig    `json:"queue"`
	Email    EmailConfig    `json:"email"`
	Notify   NotifyConfig   `json:"notify"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`               // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`         // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`         // API 服务监听地址
	MetricsAddr      string        `json:"metrics_addr"`      // worker 进程的 metrics 监听地址
	EnableScheduler  bool          `json:"enable_scheduler"`  // 是否启用周期检查
	ScheduleInterval time.Duration `json:"schedule_interval"` // 周期检查间隔（如 "30m"）
	ScheduleCron     string        `json:"schedule_cron"`     // cron 表达式，非空时优先于 schedule_interval
	WorkerPoolSize   int           `json:"worker_pool_size"`  // 并发检查的 worker 数量
	QueueCapacity    int           `json:"queue_capacity"`    // worker 池待执行队列容量
	SeedAdminEmail   string        `json:"seed_admin_email"`  // 启动时确保存在的管理员邮箱
}

// ProviderConfig 外部库存数据源（子进程）配置。
type ProviderConfig struct {
	Command          string        `json:"command"`           // 可执行文件，如 node
	AvailabilityArgs []string      `json:"availability_args"` // 查询库存时的前置参数，如 ["ikea_client.js"]
	StoresArgs       []string      `json:"stores_args"`       // 查询门店列表时的前置参数
	WorkDir          string        `json:"work_dir"`          // 子进程工作目录
	Timeout          time.Duration `json:"timeout"`           // 单次调用超时（必填）
	RateLimit        float64       `json:"rate_limit"`        // 每秒允许的调用数，0 表示不限流
	RateBurst        float64       `json:"rate_burst"`        // 限流桶容量
	StoreCacheTTL    time.Duration `json:"store_cache_ttl"`   // 门店列表缓存时间
}

// CheckConfig 检查编排配置。
type CheckConfig struct {
	RunTimeout       time.Duration `json:"run_timeout"`       // 整次运行超时（必填）
	PersistTimeout   time.Duration `json:"persist_timeout"`   // 单次持久化写入超时（必填）
	DistributedLock  bool          `json:"distributed_lock"`  // 是否额外使用 Redis 单品锁（多实例部署）
	LockTTL          time.Duration `json:"lock_ttl"`          // Redis 单品锁过期时间
	HistoryBatchSize int           `json:"history_batch_size"` // 历史序列分页大小
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置，Addr 为空表示不使用 Redis。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// QueueConfig Redis Streams 检查请求队列配置。
type QueueConfig struct {
	Enabled  bool   `json:"enabled"`   // 是否启用异步检查队列
	Stream   string `json:"stream"`    // Stream 名称
	Group    string `json:"group"`     // Consumer Group 名称
	MaxRetry int    `json:"max_retry"` // 进入死信队列前的最大重试次数
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// NotifyConfig 通知对象配置。
type NotifyConfig struct {
	IncludeAdmins bool `json:"include_admins"` // 是否同时通知所有管理员
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	WebhookAPIKey string `json:"webhook_api_key"` // 为空时拒绝所有 webhook 调用
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 文件存在时，超时类字段不会被默认值填充，缺失会在 Validate 中报错。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if v := os.Getenv("APP_CONFIG"); v != "" {
		path = v
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

// Validate 校验启动所必需的配置，任何错误都应阻止服务接受检查请求。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Provider.Command) == "" {
		errs = append(errs, errors.New("provider.command is required"))
	}
	if c.Provider.Timeout <= 0 {
		errs = append(errs, errors.New("provider.timeout must be positive"))
	}
	if c.Check.RunTimeout <= 0 {
		errs = append(errs, errors.New("check.run_timeout must be positive"))
	}
	if c.Check.PersistTimeout <= 0 {
		errs = append(errs, errors.New("check.persist_timeout must be positive"))
	}
	if c.Check.RunTimeout > 0 && c.Provider.Timeout > c.Check.RunTimeout {
		errs = append(errs, errors.New("provider.timeout must not exceed check.run_timeout"))
	}
	if c.App.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("app.worker_pool_size must be positive"))
	}
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.App.EnableScheduler && c.App.ScheduleCron == "" && c.App.ScheduleInterval <= 0 {
		errs = append(errs, errors.New("app.schedule_interval or app.schedule_cron is required when the scheduler is enabled"))
	}
	if c.Queue.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("queue.enabled requires redis.addr"))
	}
	if c.Check.DistributedLock && c.Redis.Addr == "" {
		errs = append(errs, errors.New("check.distributed_lock requires redis.addr"))
	}
	return errors.Join(errs...)
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8080",
			MetricsAddr:      ":2112",
			EnableScheduler:  false,
			ScheduleInterval: 30 * time.Minute,
			WorkerPoolSize:   4,
			QueueCapacity:    256,
		},
		Provider: ProviderConfig{
			Command:          "node",
			AvailabilityArgs: []string{"ikea_client.js"},
			StoresArgs:       []string{"ikea_stores.js"},
			Timeout:          30 * time.Second,
			RateLimit:        0,
			RateBurst:        0,
			StoreCacheTTL:    24 * time.Hour,
		},
		Check: CheckConfig{
			RunTimeout:       10 * time.Minute,
			PersistTimeout:   5 * time.Second,
			DistributedLock:  false,
			LockTTL:          15 * time.Minute,
			HistoryBatchSize: 500,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "stockwatch.db",
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
		},
		Queue: QueueConfig{
			Enabled:  false,
			Stream:   "stockwatch:check:queue",
			Group:    "check_workers",
			MaxRetry: 3,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Notify: NotifyConfig{
			IncludeAdmins: true,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值（超时字段除外）。
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
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.ScheduleInterval == 0 {
		cfg.App.ScheduleInterval = defaults.App.ScheduleInterval
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.Provider.Command == "" {
		cfg.Provider.Command = defaults.Provider.Command
	}
	if cfg.Provider.AvailabilityArgs == nil {
		cfg.Provider.AvailabilityArgs = defaults.Provider.AvailabilityArgs
	}
	if cfg.Provider.StoresArgs == nil {
		cfg.Provider.StoresArgs = defaults.Provider.StoresArgs
	}
	if cfg.Provider.StoreCacheTTL == 0 {
		cfg.Provider.StoreCacheTTL = defaults.Provider.StoreCacheTTL
	}
	if cfg.Check.LockTTL == 0 {
		cfg.Check.LockTTL = defaults.Check.LockTTL
	}
	if cfg.Check.HistoryBatchSize == 0 {
		cfg.Check.HistoryBatchSize = defaults.Check.HistoryBatchSize
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == defaults.Database.Driver {
		cfg.Database.DSN = defaults.Database.DSN
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = defaults.Queue.Stream
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = defaults.Queue.Group
	}
	if cfg.Queue.MaxRetry == 0 {
		cfg.Queue.MaxRetry = defaults.Queue.MaxRetry
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("db_host", "DB_HOST")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASSWORD", "SMTP_PASS")
	_ = v.BindEnv("webhook_api_key", "WEBHOOK_API_KEY")

	if val := os.Getenv("APP_ENV"); val != "" {
		cfg.App.Env = val
	}
	if val := os.Getenv("APP_LOG_LEVEL"); val != "" {
		cfg.App.LogLevel = val
	}
	if val := os.Getenv("APP_HTTP_ADDR"); val != "" {
		cfg.App.HTTPAddr = val
	}
	if val := os.Getenv("APP_METRICS_ADDR"); val != "" {
		cfg.App.MetricsAddr = val
	}
	if val := os.Getenv("APP_ENABLE_SCHEDULER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.App.EnableScheduler = b
		}
	}
	setDuration("APP_SCHEDULE_INTERVAL", &cfg.App.ScheduleInterval)
	if val := os.Getenv("APP_SCHEDULE_CRON"); val != "" {
		cfg.App.ScheduleCron = val
	}
	setInt("APP_WORKER_POOL_SIZE", &cfg.App.WorkerPoolSize)
	setInt("APP_QUEUE_CAPACITY", &cfg.App.QueueCapacity)
	if val := os.Getenv("APP_SEED_ADMIN_EMAIL"); val != "" {
		cfg.App.SeedAdminEmail = val
	}

	if val := os.Getenv("PROVIDER_COMMAND"); val != "" {
		cfg.Provider.Command = val
	}
	if val := os.Getenv("PROVIDER_WORK_DIR"); val != "" {
		cfg.Provider.WorkDir = val
	}
	setDuration("PROVIDER_TIMEOUT", &cfg.Provider.Timeout)
	setFloat("PROVIDER_RATE_LIMIT", &cfg.Provider.RateLimit)
	setFloat("PROVIDER_RATE_BURST", &cfg.Provider.RateBurst)
	setDuration("PROVIDER_STORE_CACHE_TTL", &cfg.Provider.StoreCacheTTL)

	setDuration("CHECK_RUN_TIMEOUT", &cfg.Check.RunTimeout)
	setDuration("CHECK_PERSIST_TIMEOUT", &cfg.Check.PersistTimeout)
	setDuration("CHECK_LOCK_TTL", &cfg.Check.LockTTL)
	if val := os.Getenv("CHECK_DISTRIBUTED_LOCK"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Check.DistributedLock = b
		}
	}

	if val := os.Getenv("QUEUE_ENABLED"); val != "" {
		cfg.Queue.Enabled = val == "true" || val == "1"
	}
	if val := os.Getenv("QUEUE_STREAM"); val != "" {
		cfg.Queue.Stream = val
	}
	if val := os.Getenv("QUEUE_GROUP"); val != "" {
		cfg.Queue.Group = val
	}

	if val := os.Getenv("DB_DRIVER"); val != "" {
		cfg.Database.Driver = val
	}
	if val := v.GetString("database_url"); val != "" {
		cfg.Database.DSN = val
	} else if cfg.Database.Driver == "mysql" && (hasAnyEnv("DB_PORT", "DB_USER", "DB_NAME") || v.GetString("db_host") != "" || v.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if host := v.GetString("db_host"); host != "" {
			parsed.Addr = host + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if port := os.Getenv("DB_PORT"); port != "" {
			host := parsed.Addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			parsed.Addr = host + ":" + port
		}
		if user := os.Getenv("DB_USER"); user != "" {
			parsed.User = user
		}
		if pass := v.GetString("db_password"); pass != "" {
			parsed.Passwd = pass
		}
		if name := os.Getenv("DB_NAME"); name != "" {
			parsed.DBName = name
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if val := v.GetString("redis_addr"); val != "" {
		cfg.Redis.Addr = val
	}
	if val := v.GetString("redis_password"); val != "" {
		cfg.Redis.Password = val
	}

	if val := os.Getenv("SMTP_SERVER"); val != "" {
		cfg.Email.SMTPHost = val
	}
	if val := os.Getenv("SMTP_HOST"); val != "" {
		cfg.Email.SMTPHost = val
	}
	setInt("SMTP_PORT", &cfg.Email.SMTPPort)
	if val := os.Getenv("SMTP_USERNAME"); val != "" {
		cfg.Email.SMTPUser = val
	}
	if val := v.GetString("smtp_pass"); val != "" {
		cfg.Email.SMTPPass = val
	}
	if val := os.Getenv("SMTP_FROM"); val != "" {
		cfg.Email.FromEmail = val
	}
	if cfg.Email.FromEmail == "" {
		cfg.Email.FromEmail = cfg.Email.SMTPUser
	}

	if val := os.Getenv("NOTIFY_INCLUDE_ADMINS"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Notify.IncludeAdmins = b
		}
	}
	if val := v.GetString("webhook_api_key"); val != "" {
		cfg.Security.WebhookAPIKey = val
	}
}

func setDuration(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func setInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			*dst = i
		}
	}
}

func setFloat(key string, dst *float64) {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
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
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if i := strings.LastIndex(fallbackAddr, ":"); i >= 0 && i < len(fallbackAddr)-1 {
		return fallbackAddr[i+1:]
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	fallback := mysql.NewConfig()
	fallback.User = "root"
	fallback.Net = "tcp"
	fallback.Addr = "localhost:3306"
	fallback.DBName = "stockwatch"
	fallback.ParseTime = true
	return fallback
}
