package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 环境变量前缀
const envPrefix = "TRADESIM_"

// APIConfig 服务端地址
type APIConfig struct {
	BaseURL      string   // REST 根地址
	QuoteFeedURL string   // websocket 报价地址，空表示不订阅
	Symbols      []string // 订阅的代码
}

// AuthConfig 登录与凭证存储
type AuthConfig struct {
	Username  string
	Password  string
	SecretDir string // badger 目录，空表示只在内存保存 token
	SecretKey string // badger 加密 key（hex/base64，16/24/32 字节），空表示不加密
}

// RequestConfig 请求执行器参数
type RequestConfig struct {
	BaseDelayMs    int // 第 n 次重试等待 BaseDelayMs*n
	TimeoutMs      int // 单次尝试超时
	MaxRetries     int
	RefreshSkewSec int // access token 剩余有效期不足该值时主动刷新，0 关闭
}

// ReconcileConfig 对账参数
type ReconcileConfig struct {
	IntervalSec int    // 定时对账间隔，0 表示只在交易后触发
	SnapshotDir string // 账户快照目录，空表示不落盘
	BalancePath string // 余额端点（如 /account），空表示只用 portfolio 附带的余额
}

// AccountConfig 账户初始状态
type AccountConfig struct {
	// InitialBalance 没有快照可恢复时的起始余额（十进制字符串），空表示从 0 开始
	InitialBalance string
}

// LogConfig 日志
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config 应用配置
type Config struct {
	API         APIConfig
	Auth        AuthConfig
	Request     RequestConfig
	Reconcile   ReconcileConfig
	Account     AccountConfig
	Log         LogConfig
	QuoteTTLSec int    // 报价有效期，0 表示不过期
	ControlAddr string // 控制面监听地址，空表示不启动
	MetricsAddr string // expvar/pprof 监听地址，空表示不启动
}

// ConfigFile 配置文件结构（YAML/JSON）
type ConfigFile struct {
	API struct {
		BaseURL      string   `yaml:"base_url" json:"base_url"`
		QuoteFeedURL string   `yaml:"quote_feed_url" json:"quote_feed_url"`
		Symbols      []string `yaml:"symbols" json:"symbols"`
	} `yaml:"api" json:"api"`
	Auth struct {
		Username  string `yaml:"username" json:"username"`
		SecretDir string `yaml:"secret_dir" json:"secret_dir"`
	} `yaml:"auth" json:"auth"`
	Request struct {
		BaseDelayMs    *int `yaml:"base_delay_ms" json:"base_delay_ms"`
		TimeoutMs      *int `yaml:"timeout_ms" json:"timeout_ms"`
		MaxRetries     *int `yaml:"max_retries" json:"max_retries"`
		RefreshSkewSec *int `yaml:"refresh_skew_sec" json:"refresh_skew_sec"`
	} `yaml:"request" json:"request"`
	Reconcile struct {
		IntervalSec *int   `yaml:"interval_sec" json:"interval_sec"`
		SnapshotDir string `yaml:"snapshot_dir" json:"snapshot_dir"`
		BalancePath string `yaml:"balance_path" json:"balance_path"`
	} `yaml:"reconcile" json:"reconcile"`
	Account struct {
		InitialBalance string `yaml:"initial_balance" json:"initial_balance"`
	} `yaml:"account" json:"account"`
	Log struct {
		Level      string `yaml:"level" json:"level"`
		File       string `yaml:"file" json:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups" json:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
		Compress   *bool  `yaml:"compress" json:"compress"`
	} `yaml:"log" json:"log"`
	QuoteTTLSec *int   `yaml:"quote_ttl_sec" json:"quote_ttl_sec"`
	ControlAddr string `yaml:"control_addr" json:"control_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		API: APIConfig{BaseURL: "http://localhost:8080"},
		Request: RequestConfig{
			BaseDelayMs:    500,
			TimeoutMs:      10000,
			MaxRetries:     3,
			RefreshSkewSec: 30,
		},
		Reconcile: ReconcileConfig{IntervalSec: 60},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/tradesim.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		QuoteTTLSec: 300,
	}
}

// Load 加载配置。优先级：环境变量 > 配置文件 > 默认值。
// 当前目录存在 .env 时先载入（不覆盖已有环境变量）。
func Load(filePath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if filePath != "" {
		cf, err := loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
		cfg.applyFile(cf)
	}
	cfg.applyEnv()
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return &configFile, nil
}

func (c *Config) applyFile(cf *ConfigFile) {
	c.API.BaseURL = getValueFromSources(cf.API.BaseURL, c.API.BaseURL)
	c.API.QuoteFeedURL = getValueFromSources(cf.API.QuoteFeedURL, c.API.QuoteFeedURL)
	if len(cf.API.Symbols) > 0 {
		c.API.Symbols = cf.API.Symbols
	}
	c.Auth.Username = getValueFromSources(cf.Auth.Username, c.Auth.Username)
	c.Auth.SecretDir = getValueFromSources(cf.Auth.SecretDir, c.Auth.SecretDir)

	// 指针字段：文件里显式写 0 也生效
	setInt(&c.Request.BaseDelayMs, cf.Request.BaseDelayMs)
	setInt(&c.Request.TimeoutMs, cf.Request.TimeoutMs)
	setInt(&c.Request.MaxRetries, cf.Request.MaxRetries)
	setInt(&c.Request.RefreshSkewSec, cf.Request.RefreshSkewSec)
	setInt(&c.Reconcile.IntervalSec, cf.Reconcile.IntervalSec)
	setInt(&c.QuoteTTLSec, cf.QuoteTTLSec)
	c.Reconcile.SnapshotDir = getValueFromSources(cf.Reconcile.SnapshotDir, c.Reconcile.SnapshotDir)
	c.Reconcile.BalancePath = getValueFromSources(cf.Reconcile.BalancePath, c.Reconcile.BalancePath)
	c.Account.InitialBalance = getValueFromSources(cf.Account.InitialBalance, c.Account.InitialBalance)

	c.Log.Level = getValueFromSources(cf.Log.Level, c.Log.Level)
	c.Log.File = getValueFromSources(cf.Log.File, c.Log.File)
	if cf.Log.MaxSizeMB > 0 {
		c.Log.MaxSizeMB = cf.Log.MaxSizeMB
	}
	if cf.Log.MaxBackups > 0 {
		c.Log.MaxBackups = cf.Log.MaxBackups
	}
	if cf.Log.MaxAgeDays > 0 {
		c.Log.MaxAgeDays = cf.Log.MaxAgeDays
	}
	if cf.Log.Compress != nil {
		c.Log.Compress = *cf.Log.Compress
	}
	c.ControlAddr = getValueFromSources(cf.ControlAddr, c.ControlAddr)
	c.MetricsAddr = getValueFromSources(cf.MetricsAddr, c.MetricsAddr)
}

func (c *Config) applyEnv() {
	c.API.BaseURL = getEnv("API_BASE_URL", c.API.BaseURL)
	c.API.QuoteFeedURL = getEnv("QUOTE_FEED_URL", c.API.QuoteFeedURL)
	if v := getEnv("SYMBOLS", ""); v != "" {
		c.API.Symbols = parseList(v)
	}
	c.Auth.Username = getEnv("USERNAME", c.Auth.Username)
	c.Auth.Password = getEnv("PASSWORD", c.Auth.Password)
	c.Auth.SecretDir = getEnv("SECRET_DIR", c.Auth.SecretDir)
	c.Auth.SecretKey = getEnv("SECRET_KEY", c.Auth.SecretKey)

	c.Request.BaseDelayMs = parseIntEnv("BASE_DELAY_MS", c.Request.BaseDelayMs)
	c.Request.TimeoutMs = parseIntEnv("TIMEOUT_MS", c.Request.TimeoutMs)
	c.Request.MaxRetries = parseIntEnv("MAX_RETRIES", c.Request.MaxRetries)
	c.Request.RefreshSkewSec = parseIntEnv("REFRESH_SKEW_SEC", c.Request.RefreshSkewSec)
	c.Reconcile.IntervalSec = parseIntEnv("RECONCILE_INTERVAL_SEC", c.Reconcile.IntervalSec)
	c.Reconcile.SnapshotDir = getEnv("SNAPSHOT_DIR", c.Reconcile.SnapshotDir)
	c.Reconcile.BalancePath = getEnv("BALANCE_PATH", c.Reconcile.BalancePath)
	c.Account.InitialBalance = getEnv("INITIAL_BALANCE", c.Account.InitialBalance)
	c.QuoteTTLSec = parseIntEnv("QUOTE_TTL_SEC", c.QuoteTTLSec)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Log.Compress = parseBoolEnv("LOG_COMPRESS", c.Log.Compress)
	c.ControlAddr = getEnv("CONTROL_ADDR", c.ControlAddr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
}

// Validate 验证配置
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("api.base_url 无效: %q", c.API.BaseURL)
	}
	if c.API.QuoteFeedURL != "" {
		u, err := url.Parse(c.API.QuoteFeedURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("api.quote_feed_url 必须是 ws:// 或 wss://: %q", c.API.QuoteFeedURL)
		}
	}
	if c.Request.TimeoutMs <= 0 {
		return fmt.Errorf("request.timeout_ms 必须大于 0")
	}
	if c.Request.BaseDelayMs < 0 || c.Request.MaxRetries < 0 || c.Request.RefreshSkewSec < 0 {
		return fmt.Errorf("request 参数不能为负数")
	}
	if c.Reconcile.IntervalSec < 0 || c.QuoteTTLSec < 0 {
		return fmt.Errorf("interval/ttl 不能为负数")
	}
	if c.Auth.Password != "" && c.Auth.Username == "" {
		return fmt.Errorf("配置了密码但没有用户名")
	}
	if c.Reconcile.BalancePath != "" && !strings.HasPrefix(c.Reconcile.BalancePath, "/") {
		return fmt.Errorf("reconcile.balance_path 必须以 / 开头: %q", c.Reconcile.BalancePath)
	}
	if _, _, err := c.Account.Initial(); err != nil {
		return err
	}
	return nil
}

// Initial 解析起始余额；未配置时 ok 为 false
func (a AccountConfig) Initial() (balance decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(a.InitialBalance)
	if s == "" {
		return decimal.Zero, false, nil
	}
	balance, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("account.initial_balance 无效 %q: %w", a.InitialBalance, err)
	}
	if balance.IsNegative() {
		return decimal.Zero, false, fmt.Errorf("account.initial_balance 不能为负数: %s", balance)
	}
	return balance, true, nil
}

func (r RequestConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r RequestConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

func (r RequestConfig) RefreshSkew() time.Duration {
	return time.Duration(r.RefreshSkewSec) * time.Second
}

func (r ReconcileConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSec) * time.Second
}

// getValueFromSources 配置文件非空时使用配置文件的值
func getValueFromSources(configValue, fallback string) string {
	if configValue != "" {
		return configValue
	}
	return fallback
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// parseList 逗号分隔，去空白、去空项
func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv 获取 TRADESIM_ 前缀的环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量，格式错误时使用默认值
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
