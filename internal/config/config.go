// Package config 负责加载并保存应用配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Conf 保存从配置文件加载的全部配置。
var Conf Config

// Config 与 config.yaml 的结构一一对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Credits       CreditsConfig       `mapstructure:"credits"`
}

// ServerConfig HTTP 服务配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 汇总所有数据存储连接。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig MySQL 连接配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig Redis 连接配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 令牌签发配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 日志配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 任务队列与事件流的 broker 地址及主题配置。
type KafkaConfig struct {
	Brokers       string `mapstructure:"brokers"`
	JobTopic      string `mapstructure:"job_topic"`
	CreditTopic   string `mapstructure:"credit_topic"`
	EventTopic    string `mapstructure:"event_topic"`
	ConsumerGroup string `mapstructure:"consumer_group"`
}

// MinIOConfig 对象存储配置。bucket 充当文件存储的磁盘标识。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// ElasticsearchConfig 任务日志索引配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// PipelineConfig 流水线 worker、重试与超时配置。
type PipelineConfig struct {
	Disk                 string `mapstructure:"disk"`
	BasePath             string `mapstructure:"base_path"`
	MaxAttempts          int    `mapstructure:"max_attempts"`
	BackoffSeconds       int    `mapstructure:"backoff_seconds"`
	JobTimeoutSeconds    int    `mapstructure:"job_timeout_seconds"`
	CSVTimeoutSeconds    int    `mapstructure:"csv_timeout_seconds"`
	ExpireTimeoutSeconds int    `mapstructure:"expire_timeout_seconds"`
	MaxUploadSizeMB      int    `mapstructure:"max_upload_size_mb"`
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`
}

// CreditsConfig 计费配置。
type CreditsConfig struct {
	PerUpload       int `mapstructure:"per_upload"`
	GrantExpiryDays int `mapstructure:"grant_expiry_days"`
}

// Init 读取 configPath 指定的 YAML 文件并填充 Conf。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("failed to read config file: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("failed to unmarshal config: %w", err))
	}
}
