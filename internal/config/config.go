package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Crypto   CryptoConfig   `mapstructure:"crypto"`
	TwoFA    TwoFAConfig    `mapstructure:"twofa"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
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
	OutOfStock string `mapstructure:"out_of_stock"`
}

// CryptoConfig 凭据加密密钥，进程启动时读取一次
type CryptoConfig struct {
	KeyID   string       `mapstructure:"key_id"`
	Key     string       `mapstructure:"key"` // 32 字节，hex 或 base64
	Retired []RetiredKey `mapstructure:"retired_keys"`
}

// RetiredKey 轮换下来的旧密钥，只用于解密旧密文
type RetiredKey struct {
	KeyID string `mapstructure:"key_id"`
	Key   string `mapstructure:"key"`
}

type TwoFAConfig struct {
	TOTP    TOTPConfig    `mapstructure:"totp"`
	Mailbox MailboxConfig `mapstructure:"mailbox"`
}

type TOTPConfig struct {
	Skew uint `mapstructure:"skew"`
}

type MailboxConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Lookback time.Duration `mapstructure:"lookback"`
	Hosts    []MailboxHost `mapstructure:"hosts"`
}

// MailboxHost 邮箱域名对应的 IMAP 地址。viper 会把 key 中的 '.' 当作层级，所以域名不能作为 map key
type MailboxHost struct {
	Domain string `mapstructure:"domain"`
	Addr   string `mapstructure:"addr"`
}

type BusinessConfig struct {
	MaxRetryCount    int           `mapstructure:"max_retry_count"`
	SelectionRetries int           `mapstructure:"selection_retries"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	ClaimExpiryCron  string        `mapstructure:"claim_expiry_cron"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("crypto.key_id", "v1")
	v.SetDefault("kafka.topic.out_of_stock", "credvault.out_of_stock")
	v.SetDefault("twofa.totp.skew", 1)
	v.SetDefault("twofa.mailbox.timeout", 15*time.Second)
	v.SetDefault("twofa.mailbox.lookback", 10*time.Minute)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.selection_retries", 1)
	v.SetDefault("business.lock_ttl", 30*time.Second)
	v.SetDefault("business.claim_expiry_cron", "0 */10 * * * *")
	v.SetDefault("log.level", "info")
}

// Load 读取配置文件，环境变量 CREDVAULT_* 覆盖同名配置项
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("credvault")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if cfg.Crypto.Key == "" {
		return nil, fmt.Errorf("crypto.key 未配置")
	}
	return cfg, nil
}

// LoadConfig 加载配置文件，失败直接退出
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	GlobalConfig = cfg
	return cfg
}
