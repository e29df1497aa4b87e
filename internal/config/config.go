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
	App     AppConfig     `json:"app"`
	MySQL   MySQLConfig   `json:"mysql"`
	Redis   RedisConfig   `json:"redis"`
	Fetch   FetchConfig   `json:"fetch"`
	Browser BrowserConfig `json:"browser"`
	Notify  NotifyConfig  `json:"notify"`
	Email   EmailConfig   `json:"email"`
	Slack   SlackConfig   `json:"slack"`
	Line    LineConfig    `json:"line"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env         string `json:"env"`          // 运行环境: local / prod
	LogLevel    string `json:"log_level"`    // 日志级别: debug / info / warn / error
	ExportDir   string `json:"export_dir"`   // CSV 导出目录
	BackupDir   string `json:"backup_dir"`   // 数据库备份目录
	ReportDir   string `json:"report_dir"`   // 周报输出目录
	MetricsAddr string `json:"metrics_addr"` // Prometheus 指标监听地址
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（可选，用于跨实例的抓取限速）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)，为空表示不启用
	Password string `json:"password"` // Redis 密码
}

// FetchConfig 抓取引擎配置。
type FetchConfig struct {
	UserAgent       string        `json:"user_agent"`       // 固定 User-Agent
	Timeout         time.Duration `json:"timeout"`          // 单次请求超时
	RetryAttempts   int           `json:"retry_attempts"`   // 重试次数（含首次）
	RetryInterval   time.Duration `json:"retry_interval"`   // 重试退避基数（线性递增）
	RequestInterval time.Duration `json:"request_interval"` // 批量更新时相邻请求的最小间隔
	RateLimit       float64       `json:"rate_limit"`       // 全局限速（req/s，启用 Redis 时生效）
	RateBurst       float64       `json:"rate_burst"`       // 限速桶容量
	EnableProxy     bool          `json:"enable_proxy"`     // 是否启用代理池
	ProxyList       []string      `json:"proxy_list"`       // 代理池（每次抓取随机取一个）
}

// BrowserConfig 渲染抓取（浏览器）配置。
type BrowserConfig struct {
	BinPath     string        `json:"bin_path"`     // 浏览器可执行文件路径（为空则自动下载）
	Headless    bool          `json:"headless"`     // 是否使用无头模式
	PageTimeout time.Duration `json:"page_timeout"` // 页面加载超时
	SettleWait  time.Duration `json:"settle_wait"`  // 渲染完成后的基础等待时间（叠加随机抖动）
}

// NotifyConfig 变化检测与通知配置。
type NotifyConfig struct {
	PriceThresholdPct float64 `json:"price_threshold_pct"` // 价格变动通知阈值（百分比）
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	Enabled  bool     `json:"enabled"`
	SMTPHost string   `json:"smtp_host"`
	SMTPPort int      `json:"smtp_port"`
	SMTPUser string   `json:"smtp_user"`
	SMTPPass string   `json:"smtp_pass"`
	From     string   `json:"from"`
	To       []string `json:"to"` // 价格/库存通知的默认收件人
}

// SlackConfig Slack Webhook 通知配置。
type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// LineConfig LINE push 通知配置。
type LineConfig struct {
	Enabled            bool   `json:"enabled"`
	ChannelAccessToken string `json:"channel_access_token"`
	UserID             string `json:"user_id"`
	APIURL             string `json:"api_url"` // 覆盖默认 API 地址（测试用）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先于文件内容。
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

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
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
			Env:         "local",
			LogLevel:    "info",
			ExportDir:   "exports",
			BackupDir:   "backups",
			ReportDir:   "static/reports",
			MetricsAddr: ":2112",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/ectracker?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
		},
		Fetch: FetchConfig{
			UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/96.0.4664.110 Safari/537.36",
			Timeout:         30 * time.Second,
			RetryAttempts:   3,
			RetryInterval:   5 * time.Second,
			RequestInterval: 5 * time.Second,
			RateLimit:       0,
			RateBurst:       0,
			EnableProxy:     false,
		},
		Browser: BrowserConfig{
			BinPath:     "",
			Headless:    true,
			PageTimeout: 30 * time.Second,
			SettleWait:  5 * time.Second,
		},
		Notify: NotifyConfig{
			PriceThresholdPct: 10,
		},
		Email: EmailConfig{
			Enabled:  false,
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Slack: SlackConfig{
			Enabled: false,
		},
		Line: LineConfig{
			Enabled: false,
			APIURL:  "https://api.line.me/v2/bot/message/push",
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
	if cfg.App.ExportDir == "" {
		cfg.App.ExportDir = defaults.App.ExportDir
	}
	if cfg.App.BackupDir == "" {
		cfg.App.BackupDir = defaults.App.BackupDir
	}
	if cfg.App.ReportDir == "" {
		cfg.App.ReportDir = defaults.App.ReportDir
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = defaults.Fetch.UserAgent
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = defaults.Fetch.Timeout
	}
	if cfg.Fetch.RetryAttempts == 0 {
		cfg.Fetch.RetryAttempts = defaults.Fetch.RetryAttempts
	}
	if cfg.Fetch.RetryInterval == 0 {
		cfg.Fetch.RetryInterval = defaults.Fetch.RetryInterval
	}
	if cfg.Fetch.RequestInterval == 0 {
		cfg.Fetch.RequestInterval = defaults.Fetch.RequestInterval
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.SettleWait == 0 {
		cfg.Browser.SettleWait = defaults.Browser.SettleWait
	}
	if cfg.Notify.PriceThresholdPct == 0 {
		cfg.Notify.PriceThresholdPct = defaults.Notify.PriceThresholdPct
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Line.APIURL == "" {
		cfg.Line.APIURL = defaults.Line.APIURL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "EMAIL_PASSWORD")
	_ = viper.BindEnv("slack_webhook_url", "SLACK_WEBHOOK_URL")
	_ = viper.BindEnv("line_token", "LINE_CHANNEL_ACCESS_TOKEN")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_EXPORT_DIR"); v != "" {
		cfg.App.ExportDir = v
	}
	if v := os.Getenv("APP_BACKUP_DIR"); v != "" {
		cfg.App.BackupDir = v
	}
	if v := os.Getenv("APP_REPORT_DIR"); v != "" {
		cfg.App.ReportDir = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}

	if v := os.Getenv("USER_AGENT"); v != "" {
		cfg.Fetch.UserAgent = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			cfg.Fetch.Timeout = d
		}
	}
	if v := os.Getenv("REQUEST_RETRY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.RetryAttempts = i
		}
	}
	if v := os.Getenv("REQUEST_INTERVAL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			cfg.Fetch.RetryInterval = d
			cfg.Fetch.RequestInterval = d
		}
	}
	if v := os.Getenv("FETCH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fetch.RateLimit = f
		}
	}
	if v := os.Getenv("FETCH_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Fetch.RateBurst = f
		}
	}
	if v := os.Getenv("ENABLE_PROXY"); v != "" {
		cfg.Fetch.EnableProxy = isTruthy(v)
	}
	if v := os.Getenv("PROXY_LIST"); v != "" {
		parts := strings.Split(v, ",")
		pool := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				pool = append(pool, p)
			}
		}
		cfg.Fetch.ProxyList = pool
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("SELENIUM_TIMEOUT"); v != "" {
		// 原部署沿用的变量名，等价于渲染页面加载超时
		if d, err := parseSecondsOrDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}
	if v := os.Getenv("SELENIUM_WAIT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			cfg.Browser.SettleWait = d
		}
	}

	if v := os.Getenv("NOTIFICATION_PRICE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Notify.PriceThresholdPct = f
		}
	}

	if v := os.Getenv("ENABLE_EMAIL"); v != "" {
		cfg.Email.Enabled = isTruthy(v)
	}
	if v := os.Getenv("EMAIL_SERVER"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("EMAIL_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("EMAIL_USER"); v != "" {
		cfg.Email.SMTPUser = v
		if cfg.Email.From == "" {
			cfg.Email.From = v
		}
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("EMAIL_FROM"); v != "" {
		cfg.Email.From = v
	}
	if v := os.Getenv("EMAIL_TO"); v != "" {
		parts := strings.Split(v, ",")
		to := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				to = append(to, p)
			}
		}
		cfg.Email.To = to
	}

	if v := os.Getenv("ENABLE_SLACK"); v != "" {
		cfg.Slack.Enabled = isTruthy(v)
	}
	if v := viper.GetString("slack_webhook_url"); v != "" {
		cfg.Slack.WebhookURL = v
	}

	if v := os.Getenv("ENABLE_LINE"); v != "" {
		cfg.Line.Enabled = isTruthy(v)
	}
	if v := viper.GetString("line_token"); v != "" {
		cfg.Line.ChannelAccessToken = v
	}
	if v := os.Getenv("LINE_USER_ID"); v != "" {
		cfg.Line.UserID = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
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
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
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

// parseSecondsOrDuration 兼容两种写法："30"（秒）与 "30s"。
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "ectracker",
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

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (f *FetchConfig) UnmarshalJSON(data []byte) error {
	type Alias FetchConfig
	aux := &struct {
		Timeout         string `json:"timeout"`
		RetryInterval   string `json:"retry_interval"`
		RequestInterval string `json:"request_interval"`
		*Alias
	}{
		Alias: (*Alias)(f),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout format: %w", err)
		}
		f.Timeout = d
	}
	if aux.RetryInterval != "" {
		d, err := time.ParseDuration(aux.RetryInterval)
		if err != nil {
			return fmt.Errorf("invalid retry_interval format: %w", err)
		}
		f.RetryInterval = d
	}
	if aux.RequestInterval != "" {
		d, err := time.ParseDuration(aux.RequestInterval)
		if err != nil {
			return fmt.Errorf("invalid request_interval format: %w", err)
		}
		f.RequestInterval = d
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (f FetchConfig) MarshalJSON() ([]byte, error) {
	type Alias FetchConfig
	return json.Marshal(&struct {
		Timeout         string `json:"timeout"`
		RetryInterval   string `json:"retry_interval"`
		RequestInterval string `json:"request_interval"`
		*Alias
	}{
		Timeout:         f.Timeout.String(),
		RetryInterval:   f.RetryInterval.String(),
		RequestInterval: f.RequestInterval.String(),
		Alias:           (*Alias)(&f),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持时间 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		SettleWait  string `json:"settle_wait"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.PageTimeout != "" {
		d, err := time.ParseDuration(aux.PageTimeout)
		if err != nil {
			return fmt.Errorf("invalid page_timeout format: %w", err)
		}
		b.PageTimeout = d
	}
	if aux.SettleWait != "" {
		d, err := time.ParseDuration(aux.SettleWait)
		if err != nil {
			return fmt.Errorf("invalid settle_wait format: %w", err)
		}
		b.SettleWait = d
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (b BrowserConfig) MarshalJSON() ([]byte, error) {
	type Alias BrowserConfig
	return json.Marshal(&struct {
		PageTimeout string `json:"page_timeout"`
		SettleWait  string `json:"settle_wait"`
		*Alias
	}{
		PageTimeout: b.PageTimeout.String(),
		SettleWait:  b.SettleWait.String(),
		Alias:       (*Alias)(&b),
	})
}
