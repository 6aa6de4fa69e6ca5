package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// WebSocketConfig 设备网关 WebSocket 配置
type WebSocketConfig struct {
	Path            string        `mapstructure:"path"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
	MaxConnections  int           `mapstructure:"maxConnections"`
	AcceptRate      int           `mapstructure:"acceptRate"`
	AcceptBurst     int           `mapstructure:"acceptBurst"`
}

// CommandConfig 下行命令配置
type CommandConfig struct {
	DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
}

// HealthConfig 设备健康巡检配置
type HealthConfig struct {
	CheckInterval  time.Duration `mapstructure:"checkInterval"`
	OfflineTimeout time.Duration `mapstructure:"offlineTimeout"`
}

// UploadConfig 文件中转配置
type UploadConfig struct {
	Dir          string `mapstructure:"dir"`
	MaxFileBytes int64  `mapstructure:"maxFileBytes"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Config 顶层配置结构
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Command   CommandConfig   `mapstructure:"command"`
	Health    HealthConfig    `mapstructure:"health"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 GW_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv("GW_CONFIG")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	// 默认值
	setDefaults(v)

	// 环境变量覆盖：前缀 GW_，并将点号替换为下划线
	v.SetEnvPrefix("GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "device-gateway")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "10s")

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.pingInterval", "30s")
	v.SetDefault("websocket.writeTimeout", "10s")
	v.SetDefault("websocket.maxMessageBytes", 8<<20)
	v.SetDefault("websocket.maxConnections", 5000)
	v.SetDefault("websocket.acceptRate", 100)
	v.SetDefault("websocket.acceptBurst", 200)

	v.SetDefault("command.defaultTimeout", "30s")

	v.SetDefault("health.checkInterval", "30s")
	v.SetDefault("health.offlineTimeout", "90s")

	v.SetDefault("upload.dir", "uploads")
	v.SetDefault("upload.maxFileBytes", 100<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/device-gateway.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}
