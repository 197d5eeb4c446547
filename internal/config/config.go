package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mediad/pkg/plugin"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "MEDIAD_CONFIG"

// Config 描述了守护进程启动阶段需要加载的全部配置。
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Log       LogConfig       `yaml:"log"`
	IPC       IPCConfig       `yaml:"ipc"`
	Plugins   plugin.Config   `yaml:"plugins"`
	Output    OutputConfig    `yaml:"output"`
	Worker    WorkerConfig    `yaml:"worker"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Journal   JournalConfig   `yaml:"journal"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LogConfig 控制日志级别、格式与输出位置。
type LogConfig struct {
	Level   string        `yaml:"level"`
	Format  string        `yaml:"format"`
	Outputs []string      `yaml:"outputs"`
	File    LogFileConfig `yaml:"file"`
}

// LogFileConfig 描述按大小滚动的守护进程日志文件。
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// IPCConfig 指定客户端连接的监听地址，形如 unix:///path 或 tcp://host:port。
type IPCConfig struct {
	Address string `yaml:"address"`
}

// OutputConfig 选择默认输出插件与初始音量。
type OutputConfig struct {
	Plugin string `yaml:"plugin"`
	Volume int32  `yaml:"volume"`
}

// WorkerConfig 控制离开事件循环执行的任务池。
type WorkerConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// BroadcastConfig 描述属性变化向外部系统的转发。
type BroadcastConfig struct {
	Properties []string       `yaml:"properties"`
	HTTP       HTTPConfig     `yaml:"http"`
	Redis      RedisConfig    `yaml:"redis"`
	RabbitMQ   RabbitMQConfig `yaml:"rabbitmq"`
}

// HTTPConfig 为 WebSocket 状态流与 /metrics 提供监听地址，为空表示关闭。
type HTTPConfig struct {
	Address string `yaml:"address"`
}

// RedisConfig 为空地址时不启用 Redis 转发。
type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// RabbitMQConfig 为空 URL 时不启用 RabbitMQ 转发。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// JournalConfig 选择插件加载日志的存储后端。
type JournalConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	Capacity     int    `yaml:"capacity"`
}

// DefaultPath 返回默认配置文件位置：$HOME/.config/mediad/mediad.yaml。
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".", "mediad.yaml")
	}
	return filepath.Join(home, ".config", "mediad", "mediad.yaml")
}

// ResolvePath 按 flag、环境变量、默认路径的顺序确定配置文件。
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(EnvPath)); env != "" {
		return env
	}
	return DefaultPath()
}

// Load 解析指定路径的 YAML 配置文件。文件不存在时返回默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	default:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否自洽。
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.IPC.Address, "unix://") && !strings.HasPrefix(c.IPC.Address, "tcp://") {
		return fmt.Errorf("ipc 地址必须以 unix:// 或 tcp:// 开头: %s", c.IPC.Address)
	}
	if c.Output.Volume < 0 || c.Output.Volume > 100 {
		return fmt.Errorf("初始音量超出范围 0..100: %d", c.Output.Volume)
	}
	switch c.Journal.Driver {
	case "memory":
	case "mysql":
		if c.Journal.DSN == "" {
			return errors.New("mysql 加载日志需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的加载日志驱动: %s", c.Journal.Driver)
	}
	if err := c.Plugins.Validate(); err != nil {
		return fmt.Errorf("插件配置无效: %w", err)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Log.File.Path != "" && !filepath.IsAbs(c.Log.File.Path) {
		c.Log.File.Path = filepath.Join(baseDir, c.Log.File.Path)
	}

	if c.IPC.Address == "" {
		c.IPC.Address = DefaultIPCAddress()
	}

	if c.Plugins.Path == "" {
		c.Plugins.Path = filepath.Join(c.Runtime.DataDir, "plugins")
	} else if !filepath.IsAbs(c.Plugins.Path) {
		c.Plugins.Path = filepath.Join(baseDir, c.Plugins.Path)
	}
	if c.Plugins.Suffix == "" {
		c.Plugins.Suffix = plugin.DefaultSuffix()
	}

	if c.Output.Plugin == "" {
		c.Output.Plugin = "null"
	}
	if c.Output.Volume == 0 {
		c.Output.Volume = 70
	}

	if c.Worker.Count <= 0 {
		c.Worker.Count = 2
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}

	if len(c.Broadcast.Properties) == 0 {
		c.Broadcast.Properties = []string{"playback.status", "playback.current", "playback.volume", "output.plugin"}
	}
	if c.Broadcast.Redis.ChannelPrefix == "" {
		c.Broadcast.Redis.ChannelPrefix = "mediad"
	}
	if c.Broadcast.RabbitMQ.Exchange == "" {
		c.Broadcast.RabbitMQ.Exchange = "mediad.properties"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.MaxOpenConns <= 0 {
		c.Journal.MaxOpenConns = 4
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = 256
	}
}

// DefaultIPCAddress 返回当前用户的默认 unix socket 地址。
func DefaultIPCAddress() string {
	name := "nobody"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	} else if env := os.Getenv("USER"); env != "" {
		name = env
	}
	return "unix:///tmp/mediad-ipc-" + name
}
