package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Redis struct {
		// 多个地址走集群模式，一个地址走单机
		Addrs     []string      `mapstructure:"addrs"`
		Password  string        `mapstructure:"password"`
		ClientTTL time.Duration `mapstructure:"clientTTL"`
	} `mapstructure:"redis"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Collab struct {
		RingCap           int           `mapstructure:"ringCap"`
		SubmitConcurrency int           `mapstructure:"submitConcurrency"`
		SnapshotInterval  time.Duration `mapstructure:"snapshotInterval"`
	} `mapstructure:"collab"`
	Cors struct {
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"cors"`
}

type ClientConfig struct {
	Server struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"server"`
	DocID string `mapstructure:"docId"`
	Log   struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Session struct {
		Heartbeat           time.Duration `mapstructure:"heartbeat"`
		ReconnectBackoff    time.Duration `mapstructure:"reconnectBackoff"`
		MaxReconnectBackoff time.Duration `mapstructure:"maxReconnectBackoff"`
		CallTimeout         time.Duration `mapstructure:"callTimeout"`
	} `mapstructure:"session"`
}

func newViper(name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	// COLLAB_MYSQL_DSN 覆盖 mysql.dsn
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func LoadServer(name string) (*ServerConfig, error) {
	v := newViper(name)
	v.SetDefault("running.port", 8082)
	v.SetDefault("log.level", "info")
	// 没有默认值的键也要登记，环境变量才能覆盖
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.clientTTL", 30*time.Second)
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)
	v.SetDefault("collab.ringCap", 1024)
	v.SetDefault("collab.submitConcurrency", 100)
	v.SetDefault("collab.snapshotInterval", time.Minute)

	cfg := &ServerConfig{}
	if err := read(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient(name string) (*ClientConfig, error) {
	v := newViper(name)
	v.SetDefault("server.url", "ws://127.0.0.1:8082/collab/ws")
	v.SetDefault("docId", "default")
	v.SetDefault("log.level", "info")
	v.SetDefault("session.heartbeat", time.Second)
	v.SetDefault("session.reconnectBackoff", 200*time.Millisecond)
	v.SetDefault("session.maxReconnectBackoff", 5*time.Second)
	v.SetDefault("session.callTimeout", 5*time.Second)

	cfg := &ClientConfig{}
	if err := read(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// 找不到配置文件时只用默认值和环境变量
func read(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ParseLevel 把配置里的日志级别转换成 slog.Level，未知值按 info 处理
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
