package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "WORKEXEC"

var (
	ErrConfigInvalid = errors.New("config invalid")

	validatorUtil = validator.New()
)

// Config 引擎启动时构造, 显式传递, 不使用全局变量
type Config struct {
	Work      WorkConfig      `mapstructure:"work"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Lock      LockConfig      `mapstructure:"lock"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Etcd      EtcdConfig      `mapstructure:"etcd"`
}

type WorkConfig struct {
	PoolSize         int           `mapstructure:"pool_size" validate:"gt=0"`
	QueueCapacity    int           `mapstructure:"queue_capacity" validate:"gt=0"`
	RejectRetryDelay time.Duration `mapstructure:"reject_retry_delay" validate:"gte=0"`
	// 重启时每批查询的数量
	RestartBatchSize int `mapstructure:"restart_batch_size" validate:"gt=0"`
}

type ConnectorConfig struct {
	Timeout        time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxOutputBytes int           `mapstructure:"max_output_bytes" validate:"gt=0"`
}

type LockConfig struct {
	// local, redis, etcd
	Backend string        `mapstructure:"backend" validate:"oneof=local redis etcd"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("work.pool_size", 8)
	v.SetDefault("work.queue_capacity", 1024)
	v.SetDefault("work.reject_retry_delay", "200ms")
	v.SetDefault("work.restart_batch_size", 100)
	v.SetDefault("connector.timeout", "5m")
	v.SetDefault("connector.max_output_bytes", 1<<20)
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("database.dsn", "file:workexec.db?_busy_timeout=5000")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
}

// Default 只有默认值的配置
func Default() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		// 默认值本身必须合法
		panic(err)
	}
	return cfg
}

// Load 读取配置文件(可选)和 WORKEXEC_ 前缀的环境变量, 例如 WORKEXEC_WORK_POOL_SIZE
func Load(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "read config file %s failed", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "unmarshal config failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(ErrConfigInvalid, "%v", err)
	}
	return nil
}
