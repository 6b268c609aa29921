package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Драйверы хранилища
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Session  SessionConfig  `mapstructure:"session"`
	AI       AIConfig       `mapstructure:"ai"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	Host        string `mapstructure:"host"`
	Port        string `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	Name        string `mapstructure:"name"`
	SSLMode     string `mapstructure:"sslmode"`
	Path        string `mapstructure:"path"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionConfig - параметры доставки событий участникам
type SessionConfig struct {
	QueueCapacity   int           `mapstructure:"queue_capacity"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	PongTimeout     time.Duration `mapstructure:"pong_timeout"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
}

// AIConfig - адрес сервиса анализа кода
type AIConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load загружает конфигурацию из config.yaml (если он есть) и переопределяет значения из переменных окружения
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile загружает конфигурацию из указанного файла; пустой путь означает поиск config.yaml
// в текущей директории и в ./config
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "3000")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "./data/sessionhub.db")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("session.queue_capacity", 50)
	v.SetDefault("session.store_timeout", 5*time.Second)
	v.SetDefault("session.send_buffer", 64)
	v.SetDefault("session.write_timeout", 10*time.Second)
	v.SetDefault("session.pong_timeout", 60*time.Second)
	v.SetDefault("session.max_message_bytes", 1<<20)

	v.SetDefault("ai.url", "http://localhost:8000")
	v.SetDefault("ai.timeout", 30*time.Second)
}

// bindEnvVariables явно связывает переменные окружения с ключами конфига
func bindEnvVariables(v *viper.Viper) {
	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")
	v.BindEnv("database.auto_migrate", "DB_AUTO_MIGRATE")

	// Server
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.port", "SERVER_PORT")

	// Logger
	v.BindEnv("logger.level", "LOG_LEVEL")
	v.BindEnv("logger.format", "LOG_FORMAT")

	// Session
	v.BindEnv("session.queue_capacity", "SESSION_QUEUE_CAPACITY")
	v.BindEnv("session.store_timeout", "SESSION_STORE_TIMEOUT")
	v.BindEnv("session.send_buffer", "SESSION_SEND_BUFFER")
	v.BindEnv("session.write_timeout", "SESSION_WRITE_TIMEOUT")
	v.BindEnv("session.pong_timeout", "SESSION_PONG_TIMEOUT")
	v.BindEnv("session.max_message_bytes", "SESSION_MAX_MESSAGE_BYTES")

	// AI
	v.BindEnv("ai.url", "AI_SERVICE_URL")
	v.BindEnv("ai.timeout", "AI_TIMEOUT")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	s := c.Session
	switch {
	case s.QueueCapacity <= 0:
		return errors.New("session.queue_capacity must be positive")
	case s.StoreTimeout <= 0:
		return errors.New("session.store_timeout must be positive")
	case s.SendBuffer <= 0:
		return errors.New("session.send_buffer must be positive")
	case s.WriteTimeout <= 0:
		return errors.New("session.write_timeout must be positive")
	case s.PongTimeout <= 0:
		return errors.New("session.pong_timeout must be positive")
	case s.MaxMessageBytes <= 0:
		return errors.New("session.max_message_bytes must be positive")
	}
	return nil
}

// GetDSN возвращает строку подключения к PostgreSQL
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress возвращает адрес сервера в формате host:port
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
