package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Worker struct {
		Concurrency       int           `mapstructure:"concurrency"`
		QueueName         string        `mapstructure:"queue_name"`
		LeaseDuration     time.Duration `mapstructure:"lease_duration"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		MaxPollInterval   time.Duration `mapstructure:"max_poll_interval"`
		RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
		RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
		Notifications     bool          `mapstructure:"notifications"`
	} `mapstructure:"worker"`
	Reaper struct {
		Interval  time.Duration `mapstructure:"interval"`
		BatchSize int           `mapstructure:"batch_size"`
	} `mapstructure:"reaper"`
	Cache struct {
		DefinitionTTL time.Duration `mapstructure:"definition_ttl"`
	} `mapstructure:"cache"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

func setDefaults() {
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "flowqueue")
	viper.SetDefault("db.password", "")
	viper.SetDefault("db.name", "flowqueue")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("db.max_conns", 20)

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)

	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("worker.queue_name", "default")
	viper.SetDefault("worker.lease_duration", 30*time.Second)
	viper.SetDefault("worker.heartbeat_interval", 10*time.Second)
	viper.SetDefault("worker.poll_interval", 200*time.Millisecond)
	viper.SetDefault("worker.max_poll_interval", 5*time.Second)
	viper.SetDefault("worker.retry_base_delay", time.Second)
	viper.SetDefault("worker.retry_max_delay", 5*time.Minute)
	viper.SetDefault("worker.notifications", true)

	viper.SetDefault("reaper.interval", 15*time.Second)
	viper.SetDefault("reaper.batch_size", 100)

	viper.SetDefault("cache.definition_ttl", time.Minute)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
}

// LoadConfig loads the configuration from an optional .env file, a config
// file and the environment (FLOWQUEUE_DB_HOST overrides db.host).
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	setDefaults()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("flowqueue")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the worker cannot run with.
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.LeaseDuration <= 0 {
		return errors.New("worker.lease_duration must be positive")
	}
	if c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		return fmt.Errorf("worker.heartbeat_interval (%s) must be shorter than worker.lease_duration (%s)",
			c.Worker.HeartbeatInterval, c.Worker.LeaseDuration)
	}
	if c.Worker.QueueName == "" {
		return errors.New("worker.queue_name must not be empty")
	}
	return nil
}

// DSN returns the libpq keyword/value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// MigrationURL returns the connection URL understood by the pgx/v5 migrate driver.
func (c *Config) MigrationURL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}
