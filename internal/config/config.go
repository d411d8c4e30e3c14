package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	BalanceUpdated string `mapstructure:"balance_updated"` // token:balance:updated
	Notification   string `mapstructure:"notification"`    // 余额提醒触发事件
}

type BusinessConfig struct {
	LowBalanceThreshold int `mapstructure:"low_balance_threshold"` // 低余额提醒阈值，默认 5
	NotifyDedupeHours   int `mapstructure:"notify_dedupe_hours"`   // 低余额提醒去重窗口（小时），默认 24
	ConsumeLockSeconds  int `mapstructure:"consume_lock_seconds"`  // 消费锁超时时间（秒）
	BalanceCacheSeconds int `mapstructure:"balance_cache_seconds"` // 余额查询缓存时间（秒）
	MaxRetryCount       int `mapstructure:"max_retry_count"`       // 发件箱消息最大重试次数
}

// AdminConfig 管理操作权限配置
// writers 持有 users:write，可以单用户加 Token / 重置余额
// admins 持有 users:admin（隐含 users:write），才能批量重置
type AdminConfig struct {
	Writers []int64 `mapstructure:"writers"`
	Admins  []int64 `mapstructure:"admins"`
}

// PricingConfig 计价覆盖配置
// key 为 "FEATURE.action"，value 为单价，用于线上临时调价
type PricingConfig struct {
	Overrides map[string]int64 `mapstructure:"overrides"`
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetDefault("business.low_balance_threshold", 5)
	viper.SetDefault("business.notify_dedupe_hours", 24)
	viper.SetDefault("business.consume_lock_seconds", 30)
	viper.SetDefault("business.balance_cache_seconds", 30)
	viper.SetDefault("business.max_retry_count", 3)

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
