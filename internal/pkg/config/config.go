// internal/pkg/config/config.go
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 汇总了所有服务共享的基础设施配置。
// 先读 YAML 文件（CONFIG_FILE，默认 configs/minimall.yaml），再用环境变量覆盖，
// 环境变量优先，方便容器化部署。
type Config struct {
	Infra struct {
		KafkaBrokers []string `yaml:"kafkaBrokers"`
		RedisAddr    string   `yaml:"redisAddr"`
		ZkServers    []string `yaml:"zkServers"`
		MysqlDSN     string   `yaml:"mysqlDSN"`
		NacosAddrs   string   `yaml:"nacosAddrs"`
		NacosGroup   string   `yaml:"nacosGroup"`
		Jaeger       struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
	} `yaml:"infra"`

	Lock struct {
		WaitTime  time.Duration `yaml:"waitTime"`
		LeaseTime time.Duration `yaml:"leaseTime"`
	} `yaml:"lock"`

	Worker struct {
		CouponDrainInterval time.Duration `yaml:"couponDrainInterval"`
		RankingSyncInterval time.Duration `yaml:"rankingSyncInterval"`
		OutboxRetryInterval time.Duration `yaml:"outboxRetryInterval"`
	} `yaml:"worker"`

	Retry struct {
		MaxAttempts       int           `yaml:"maxAttempts"`
		BaseInterval      time.Duration `yaml:"baseInterval"`
		BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	} `yaml:"retry"`
}

// Load 加载配置。不存在 YAML 文件时退化为纯环境变量 + 默认值。
func Load() (*Config, error) {
	// .env 仅用于本地开发，文件不存在时静默忽略
	_ = godotenv.Load()

	cfg := defaults()

	path := GetEnv("CONFIG_FILE", "configs/minimall.yaml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Infra.KafkaBrokers = []string{"localhost:9092"}
	cfg.Infra.RedisAddr = "localhost:6379"
	cfg.Infra.ZkServers = []string{"localhost:2181"}
	cfg.Infra.MysqlDSN = "root:root@tcp(localhost:3306)/minimall?charset=utf8mb4&parseTime=True&loc=Local"
	cfg.Infra.NacosAddrs = "localhost:8848"
	cfg.Infra.NacosGroup = "DEFAULT_GROUP"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"

	cfg.Lock.WaitTime = 3 * time.Second
	cfg.Lock.LeaseTime = 5 * time.Second

	cfg.Worker.CouponDrainInterval = 10 * time.Second
	cfg.Worker.RankingSyncInterval = 10 * time.Minute
	cfg.Worker.OutboxRetryInterval = time.Minute

	cfg.Retry.MaxAttempts = 5
	cfg.Retry.BaseInterval = 30 * time.Second
	cfg.Retry.BackoffMultiplier = 2.0
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Infra.KafkaBrokers = strings.Split(v, ",")
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Infra.RedisAddr = v
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		cfg.Infra.ZkServers = strings.Split(v, ",")
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		cfg.Infra.MysqlDSN = v
	}
	if v := os.Getenv("NACOS_SERVER_ADDRS"); v != "" {
		cfg.Infra.NacosAddrs = v
	}
	if v := os.Getenv("NACOS_GROUP"); v != "" {
		cfg.Infra.NacosGroup = v
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		cfg.Infra.Jaeger.Endpoint = v
	}
}

// GetEnv 从环境变量读取配置，不存在时返回默认值。
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
