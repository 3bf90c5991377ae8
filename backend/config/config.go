package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"docsync/backend/internal/logging"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log   logging.Config `mapstructure:"log"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	// Store 选择修订日志的落盘位置：mysql | sqlite3 | redis | memory
	Store struct {
		Driver    string `mapstructure:"driver"`
		DSN       string `mapstructure:"dsn"`
		CacheSize int    `mapstructure:"cacheSize"`
	} `mapstructure:"store"`
	Authority struct {
		TransformWindow int64         `mapstructure:"transformWindow"`
		MaxInflight     int           `mapstructure:"maxInflight"`
		SubmitTimeout   time.Duration `mapstructure:"submitTimeout"`
		SnapshotEvery   time.Duration `mapstructure:"snapshotEvery"`
	} `mapstructure:"authority"`
	Transport Transport `mapstructure:"transport"`
	Client    struct {
		URL        string `mapstructure:"url"`
		ClientID   string `mapstructure:"clientId"`
		SQLitePath string `mapstructure:"sqlitePath"`
	} `mapstructure:"client"`
}

// Transport 是连接相关的计时参数，支持热加载
type Transport struct {
	IdleTimeout       time.Duration `mapstructure:"idleTimeout"`
	WriteTimeout      time.Duration `mapstructure:"writeTimeout"`
	PresenceTTL       time.Duration `mapstructure:"presenceTTL"`
	SendQueue         int           `mapstructure:"sendQueue"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeatTimeout"`
	BaseBackoff       time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff        time.Duration `mapstructure:"maxBackoff"`
	Jitter            float64       `mapstructure:"jitter"`
	MaxReconnects     int           `mapstructure:"maxReconnects"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-revisions")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.cacheSize", 1024)
	v.SetDefault("authority.transformWindow", 16)
	v.SetDefault("authority.maxInflight", 64)
	v.SetDefault("authority.submitTimeout", "200ms")
	v.SetDefault("authority.snapshotEvery", "1m")
	v.SetDefault("transport.idleTimeout", "60s")
	v.SetDefault("transport.writeTimeout", "10s")
	v.SetDefault("transport.presenceTTL", "10m")
	v.SetDefault("transport.sendQueue", 256)
	v.SetDefault("transport.heartbeatInterval", "15s")
	v.SetDefault("transport.heartbeatTimeout", "45s")
	v.SetDefault("transport.baseBackoff", "200ms")
	v.SetDefault("transport.maxBackoff", "30s")
	v.SetDefault("transport.jitter", 0.2)
	v.SetDefault("transport.maxReconnects", 10)
	v.SetDefault("client.url", "ws://127.0.0.1:8080/sync/ws")
	v.SetDefault("client.clientId", "")
	v.SetDefault("client.sqlitePath", "")
}

// Load 读取 syncConfig.yaml。显式给出路径时用它，否则在常用目录里查找。
// DOCSYNC_* 环境变量覆盖文件，如 DOCSYNC_RUNNING_PORT、DOCSYNC_TRANSPORT_HEARTBEATINTERVAL
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("DOCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Watch 在文件每次写入后重新读取并把新配置交给 fn，解析失败的修改记日志后跳过
func Watch(v *viper.Viper, fn func(*Config)) {
	log := logging.For("config")
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			log.Warn("config reload", "file", e.Name, "err", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
}
