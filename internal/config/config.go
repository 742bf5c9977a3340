package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all bulk-sender configuration.
type Config struct {
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	DKIM     DKIMConfig     `mapstructure:"dkim"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SMTPConfig locates and authenticates against the upstream SMTP server.
type SMTPConfig struct {
	URL        string `mapstructure:"url"` // smtp(s):// form; when set, replaces the fields below except auth_method, debug and the timeouts
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Secure     bool   `mapstructure:"secure"`
	IgnoreTLS  bool   `mapstructure:"ignore_tls"`
	Service    string `mapstructure:"service"`
	User       string `mapstructure:"user"`
	Pass       string `mapstructure:"pass"`
	AuthMethod string `mapstructure:"auth_method"`
	HelloName  string `mapstructure:"hello_name"`
	Debug      bool   `mapstructure:"debug"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	GreetingTimeout   time.Duration `mapstructure:"greeting_timeout"`
	SocketTimeout     time.Duration `mapstructure:"socket_timeout"`
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxConnections int `mapstructure:"max_connections"`
	MaxMessages    int `mapstructure:"max_messages"`
	RateLimit      int `mapstructure:"rate_limit"`
}

// OpsConfig holds the health/metrics HTTP listener configuration.
type OpsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds the optional PostgreSQL delivery log configuration.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig holds the optional Redis quota backend configuration.
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MonthlyLimit int    `mapstructure:"monthly_limit"`
}

// ArchiveConfig holds the sent-message archive configuration.
type ArchiveConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Type       string `mapstructure:"type"` // local or s3
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// DKIMConfig holds the optional DKIM signing configuration.
type DKIMConfig struct {
	Domain   string `mapstructure:"domain"`
	Selector string `mapstructure:"selector"`
	KeyPath  string `mapstructure:"key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"` // stdout or file
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// Environment variables with prefix SMTP_POOL_ override file values.
// For example, SMTP_POOL_SMTP_HOST overrides smtp.host.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("SMTP_POOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
