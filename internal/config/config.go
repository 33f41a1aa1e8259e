package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，如 SUBMAIL_SMTP_PORT
const EnvPrefix = "SUBMAIL"

// Config 应用配置
type Config struct {
	Domain   string         `yaml:"domain" mapstructure:"domain"`   // 托管域名，只接收该域名的邮件
	WorkDir  string         `yaml:"workdir" mapstructure:"workdir"` // 工作目录，所有相对路径基于此目录
	TLS      TLSConfig      `yaml:"tls" mapstructure:"tls"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	SMTP     SMTPConfig     `yaml:"smtp" mapstructure:"smtp"`
	AntiSpam AntiSpamConfig `yaml:"antispam" mapstructure:"antispam"`
	Admin    AdminConfig    `yaml:"admin" mapstructure:"admin"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
}

// TLSConfig 入站 STARTTLS 配置
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	CertFile   string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile    string `yaml:"key_file" mapstructure:"key_file"`
	MinVersion string `yaml:"min_version" mapstructure:"min_version"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// SMTPConfig SMTP 配置
type SMTPConfig struct {
	Port           int           `yaml:"port" mapstructure:"port"`
	Hostname       string        `yaml:"hostname" mapstructure:"hostname"`
	MaxSize        string        `yaml:"max_size" mapstructure:"max_size"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ForwardFrom    string        `yaml:"forward_from" mapstructure:"forward_from"` // 转发邮件的发件人本地部分
	// 外发方式: mx（直接投递）、relay（中继）、sendmail（本地 sendmail）
	Transport    string        `yaml:"transport" mapstructure:"transport"`
	SendmailPath string        `yaml:"sendmail_path" mapstructure:"sendmail_path"`
	Relay        RelayConfig   `yaml:"relay" mapstructure:"relay"`
	DKIM         DKIMConfig    `yaml:"dkim" mapstructure:"dkim"`
	Breaker      BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
}

// DKIMConfig DKIM 配置
type DKIMConfig struct {
	Selector   string `yaml:"selector" mapstructure:"selector"`       // DKIM 选择器（如 default）
	PrivateKey string `yaml:"private_key" mapstructure:"private_key"` // 私钥文件路径，为空则不签名
	Domain     string `yaml:"domain" mapstructure:"domain"`           // 签名域名（留空使用托管域名）
}

// RelayConfig SMTP 中继配置
type RelayConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	UseTLS   bool   `yaml:"use_tls" mapstructure:"use_tls"` // 465 端口直接 TLS，其他端口 STARTTLS
}

// BreakerConfig 外发熔断配置
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	MaxRequests uint32        `yaml:"max_requests" mapstructure:"max_requests"` // 半开状态允许的请求数
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"` // 打开状态持续时间
}

// AntiSpamConfig 内容过滤配置
type AntiSpamConfig struct {
	ContentFilter bool     `yaml:"content_filter" mapstructure:"content_filter"`
	MaxURLs       int      `yaml:"max_urls" mapstructure:"max_urls"`
	Keywords      []string `yaml:"keywords" mapstructure:"keywords"`
}

// AdminConfig 运维 API 配置
type AdminConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key"`
	Port   int    `yaml:"port" mapstructure:"port"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // trace, debug, info, warn, error, fatal
	Format string `yaml:"format" mapstructure:"format"` // json, text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, file path
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	Port    int    `yaml:"port" mapstructure:"port"`
}

// MaxSizeBytes 返回解析后的最大邮件大小
func (c *SMTPConfig) MaxSizeBytes() int64 {
	n, _ := ParseSize(c.MaxSize)
	return n
}

// ForwardAddress 返回转发邮件的发件人地址
func (c *Config) ForwardAddress() string {
	return c.SMTP.ForwardFrom + "@" + c.Domain
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	// 设置配置文件路径
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 设置环境变量前缀，smtp.port 对应 SUBMAIL_SMTP_PORT
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// Load 加载配置
func Load(path string) (*Config, error) {
	v := newViper(path)

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时使用默认值和环境变量
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Domain = strings.ToLower(strings.TrimSpace(cfg.Domain))

	// 解析工作目录和相对路径
	if err := resolvePaths(&cfg); err != nil {
		return nil, fmt.Errorf("解析路径失败: %w", err)
	}

	// 验证配置
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// resolvePaths 解析工作目录和相对路径
func resolvePaths(cfg *Config) error {
	// 如果没有指定工作目录，使用当前工作目录
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("获取当前工作目录失败: %w", err)
		}
		cfg.WorkDir = wd
	}

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("解析工作目录失败: %w", err)
	}
	cfg.WorkDir = workDir

	resolvePath := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(workDir, path)
	}

	if cfg.Storage.Driver == "sqlite" && !strings.HasPrefix(cfg.Storage.DSN, "file:") {
		cfg.Storage.DSN = resolvePath(cfg.Storage.DSN)
	}
	cfg.TLS.CertFile = resolvePath(cfg.TLS.CertFile)
	cfg.TLS.KeyFile = resolvePath(cfg.TLS.KeyFile)
	cfg.SMTP.DKIM.PrivateKey = resolvePath(cfg.SMTP.DKIM.PrivateKey)

	if cfg.Log.Output != "" && cfg.Log.Output != "stdout" && cfg.Log.Output != "stderr" {
		cfg.Log.Output = resolvePath(cfg.Log.Output)
	}

	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("domain", "example.com")
	v.SetDefault("workdir", "")

	// TLS 配置
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.min_version", "1.2")

	// 存储配置
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "submail.db")

	// SMTP 配置
	v.SetDefault("smtp.port", 25)
	v.SetDefault("smtp.hostname", "")
	v.SetDefault("smtp.max_size", "10MB")
	v.SetDefault("smtp.max_connections", 50)
	v.SetDefault("smtp.read_timeout", 60*time.Second)
	v.SetDefault("smtp.write_timeout", 60*time.Second)
	v.SetDefault("smtp.forward_from", "forwardCheck")
	v.SetDefault("smtp.transport", "mx")
	v.SetDefault("smtp.sendmail_path", "/usr/sbin/sendmail")
	v.SetDefault("smtp.relay.host", "")
	v.SetDefault("smtp.relay.port", 587)
	v.SetDefault("smtp.relay.username", "")
	v.SetDefault("smtp.relay.password", "")
	v.SetDefault("smtp.relay.use_tls", true)
	v.SetDefault("smtp.dkim.selector", "default")
	v.SetDefault("smtp.dkim.private_key", "")
	v.SetDefault("smtp.dkim.domain", "")
	v.SetDefault("smtp.breaker.enabled", true)
	v.SetDefault("smtp.breaker.max_requests", 1)
	v.SetDefault("smtp.breaker.interval", time.Minute)
	v.SetDefault("smtp.breaker.timeout", 30*time.Second)

	// 内容过滤配置
	v.SetDefault("antispam.content_filter", true)
	v.SetDefault("antispam.max_urls", 20)
	v.SetDefault("antispam.keywords", []string{})

	// 运维 API
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.port", 8081)

	// 日志配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")

	// 指标配置
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9090)
}

// validate 验证配置
func validate(cfg *Config) error {
	if cfg.Domain == "" {
		return fmt.Errorf("domain 不能为空")
	}
	if strings.ContainsAny(cfg.Domain, "@ ") {
		return fmt.Errorf("无效的 domain: %s", cfg.Domain)
	}

	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("不支持的存储驱动: %s", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn 不能为空")
	}

	if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
		return fmt.Errorf("无效的 SMTP 端口: %d", cfg.SMTP.Port)
	}
	if cfg.SMTP.MaxConnections <= 0 {
		return fmt.Errorf("smtp.max_connections 必须大于 0")
	}
	if n, err := ParseSize(cfg.SMTP.MaxSize); err != nil || n <= 0 {
		return fmt.Errorf("无效的 smtp.max_size: %q", cfg.SMTP.MaxSize)
	}
	if cfg.SMTP.ForwardFrom == "" || strings.Contains(cfg.SMTP.ForwardFrom, "@") {
		return fmt.Errorf("无效的 smtp.forward_from: %q", cfg.SMTP.ForwardFrom)
	}

	switch cfg.SMTP.Transport {
	case "mx":
	case "relay":
		if cfg.SMTP.Relay.Host == "" || cfg.SMTP.Relay.Port <= 0 {
			return fmt.Errorf("relay 外发方式需要配置 smtp.relay.host 和 smtp.relay.port")
		}
	case "sendmail":
		if cfg.SMTP.SendmailPath == "" {
			return fmt.Errorf("sendmail 外发方式需要配置 smtp.sendmail_path")
		}
	default:
		return fmt.Errorf("不支持的外发方式: %s", cfg.SMTP.Transport)
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return fmt.Errorf("TLS 已启用但未配置证书文件")
		}
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return fmt.Errorf("证书文件不存在: %w", err)
		}
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("密钥文件不存在: %w", err)
		}
	}

	return nil
}

// ParseSize 解析大小字符串（如 "10MB"、"512KB"、"1048576"）为字节数
func ParseSize(sizeStr string) (int64, error) {
	s := strings.ToUpper(strings.TrimSpace(sizeStr))
	if s == "" {
		return 0, fmt.Errorf("大小为空")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			multiplier = unit.mult
			s = strings.TrimSpace(strings.TrimSuffix(s, unit.suffix))
			break
		}
	}

	value, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的大小 %q: %w", sizeStr, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("大小不能为负数: %q", sizeStr)
	}
	return value * multiplier, nil
}

// Watch 监听配置文件变化
func Watch(path string, callback func(*Config) error) error {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			// 使用标准输出记录错误（避免循环依赖）
			fmt.Fprintf(os.Stderr, "配置热更新失败: %v\n", err)
			return
		}

		if err := callback(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "配置热更新失败: 回调错误: %v\n", err)
			return
		}

		fmt.Fprintf(os.Stdout, "配置热更新成功: %s\n", e.Name)
	})

	return nil
}
