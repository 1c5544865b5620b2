// Package config 加载 sagad 的运行配置
//
// 加载顺序：默认值 → YAML 文件 → SAGAD_* 环境变量，最后统一校验。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"accesssaga/accessreg/collaborator"
	"accesssaga/data/db"
	"accesssaga/errors"
	"accesssaga/saga/channel"
	"accesssaga/validation"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "SAGAD_"

// Config sagad 全量配置
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Saga      SagaConfig      `yaml:"saga"`
	Simulate  SimulateConfig  `yaml:"simulate"`
}

type ServiceConfig struct {
	Name    string `yaml:"name" validate:"notblank"`
	Version string `yaml:"version"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"notblank"`
	// WaitTimeout 同步注册接口等待终态的上限
	WaitTimeout     time.Duration `yaml:"wait_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// StoreConfig 执行存储配置，driver 为 memory 时忽略其余字段
type StoreConfig struct {
	Driver          string        `yaml:"driver" validate:"oneof=memory sqlite postgres"`
	DSN             string        `yaml:"dsn" validate:"required_unless=Driver memory"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// Migrate 启动时建表
	Migrate bool `yaml:"migrate"`
}

// DBConfig 转换为 data/db 的连接配置
func (s StoreConfig) DBConfig() db.DBConfig {
	cfg := db.DBConfig{
		Driver:          s.Driver,
		DSN:             s.DSN,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
	}
	// modernc sqlite 只允许单写连接
	if s.Driver == "sqlite" && cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	return cfg
}

type TransportConfig struct {
	Kind   string             `yaml:"kind" validate:"oneof=memory sync nats redis"`
	Memory MemoryTransportCfg `yaml:"memory"`
	NATS   NATSTransportCfg   `yaml:"nats"`
	Redis  RedisTransportCfg  `yaml:"redis"`
}

type MemoryTransportCfg struct {
	QueueSize       int           `yaml:"queue_size" validate:"gte=0"`
	Workers         int           `yaml:"workers" validate:"gte=0"`
	MaxRedeliveries int           `yaml:"max_redeliveries" validate:"gte=0"`
	RedeliveryDelay time.Duration `yaml:"redelivery_delay"`
}

type NATSTransportCfg struct {
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	DurablePrefix string        `yaml:"durable_prefix"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
	NakDelay      time.Duration `yaml:"nak_delay"`
}

type RedisTransportCfg struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db" validate:"gte=0"`
	StreamPrefix string `yaml:"stream_prefix"`
	Group        string `yaml:"group"`
	MaxLen       int64  `yaml:"max_len" validate:"gte=0"`
	// MaxDeliveries 处理失败达到该次数后转入 dead-letter stream，0 表示不限制
	MaxDeliveries int `yaml:"max_deliveries" validate:"gte=0"`
}

// DedupConfig 入站消息去重；redis 复用 transport.redis 的连接参数
type DedupConfig struct {
	Kind    string        `yaml:"kind" validate:"oneof=none memory redis"`
	TTL     time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxSize int           `yaml:"max_size" validate:"gte=0"`
}

type SagaConfig struct {
	StepTimeout         time.Duration        `yaml:"step_timeout" validate:"gt=0"`
	CompensationTimeout time.Duration        `yaml:"compensation_timeout" validate:"gt=0"`
	Destinations        channel.Destinations `yaml:"destinations"`
	Recovery            RecoveryConfig       `yaml:"recovery"`
}

// RecoveryConfig 恢复巡检；Interval 为 0 时关闭
type RecoveryConfig struct {
	Interval   time.Duration `yaml:"interval" validate:"gte=0"`
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`
	BatchSize  int           `yaml:"batch_size" validate:"gt=0"`
}

type SimulateConfig struct {
	Enabled   bool                    `yaml:"enabled"`
	Employees []collaborator.Employee `yaml:"employees"`
}

// Default 返回可直接运行的单进程配置（内存存储 + 同步传输）
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "sagad", Version: "dev"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			WaitTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Driver: "memory", Migrate: true},
		Transport: TransportConfig{
			Kind: "sync",
			NATS: NATSTransportCfg{URL: "nats://127.0.0.1:4222", Stream: "SAGA"},
			Redis: RedisTransportCfg{
				Addr:          "127.0.0.1:6379",
				StreamPrefix:  "saga:",
				Group:         "sagad",
				MaxDeliveries: 10,
			},
		},
		Dedup: DedupConfig{Kind: "memory", TTL: 10 * time.Minute, MaxSize: 100000},
		Saga: SagaConfig{
			StepTimeout:         30 * time.Second,
			CompensationTimeout: 30 * time.Second,
			Destinations:        channel.DefaultDestinations(),
			Recovery: RecoveryConfig{
				StaleAfter: 5 * time.Minute,
				BatchSize:  100,
			},
		},
	}
}

// Load 读取配置文件（path 为空时只用默认值）并应用环境变量
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv 与 Load 相同，环境变量来源可替换
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "读取配置文件失败").
				WithContext("path", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeInvalidInput, "解析配置文件失败").
				WithContext("path", path)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验字段取值
func (c *Config) Validate() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	c.Dedup.Kind = strings.ToLower(strings.TrimSpace(c.Dedup.Kind))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	return validation.Struct(c)
}

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"TRANSPORT_KIND", func(c *Config, v string) error { c.Transport.Kind = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error { c.Transport.NATS.URL = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Transport.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Transport.Redis.Password = v; return nil }},
	{"DEDUP_KIND", func(c *Config, v string) error { c.Dedup.Kind = v; return nil }},
	{"STEP_TIMEOUT", durationInto(func(c *Config) *time.Duration { return &c.Saga.StepTimeout })},
	{"COMPENSATION_TIMEOUT", durationInto(func(c *Config) *time.Duration { return &c.Saga.CompensationTimeout })},
	{"RECOVERY_INTERVAL", durationInto(func(c *Config) *time.Duration { return &c.Saga.Recovery.Interval })},
	{"SIMULATE", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.Simulate.Enabled = b
		return nil
	}},
}

func durationInto(field func(c *Config) *time.Duration) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(c, strings.TrimSpace(v)); err != nil {
			return errors.WrapError(err, errors.ErrCodeValidation, "环境变量取值无效").
				WithContext("env", EnvPrefix+b.key)
		}
	}
	return nil
}
