package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendS3       = "s3"
	BackendFS       = "fs"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"Server"`
	Database DatabaseConfig `mapstructure:"Database"`
	Storage  StorageConfig  `mapstructure:"Storage"`
	Log      LogConfig      `mapstructure:"Log"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
}

type DatabaseConfig struct {
	Host           string `mapstructure:"Host"`
	Port           string `mapstructure:"Port"`
	User           string `mapstructure:"User"`
	Password       string `mapstructure:"Password"`
	Name           string `mapstructure:"Name"`
	SSLMode        string `mapstructure:"SSLMode"`
	MigrationsPath string `mapstructure:"MigrationsPath"`
}

type StorageConfig struct {
	MetadataBackend string        `mapstructure:"MetadataBackend"`
	BoltPath        string        `mapstructure:"BoltPath"`
	BlobBackend     string        `mapstructure:"BlobBackend"`
	BlobDir         string        `mapstructure:"BlobDir"`
	MaxUploadSize   int64         `mapstructure:"MaxUploadSize"`
	VerifyOnRead    bool          `mapstructure:"VerifyOnRead"`
	VersionRetries  int           `mapstructure:"VersionRetries"`
	GCInterval      time.Duration `mapstructure:"GCInterval"`
	GCGrace         time.Duration `mapstructure:"GCGrace"`
}

type LogConfig struct {
	Level       string `mapstructure:"Level"`
	Development bool   `mapstructure:"Development"`
}

// NewConfig читает env-файл и переменные окружения.
// Переменные окружения имеют приоритет над файлом
func NewConfig(path string) (*Config, error) {
	v := viper.New()

	// Устанавливаем файл конфигурации
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Значения по умолчанию
	v.SetDefault("HTTP_PORT", "2525")
	v.SetDefault("GRPC_PORT", "50051")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MIGRATIONS_PATH", "migrations")
	v.SetDefault("STORAGE_METADATA_BACKEND", BackendPostgres)
	v.SetDefault("STORAGE_BOLT_PATH", "data/metadata.db")
	v.SetDefault("STORAGE_BLOB_BACKEND", BackendS3)
	v.SetDefault("STORAGE_BLOB_DIR", "data/blobs")
	v.SetDefault("STORAGE_MAX_UPLOAD_SIZE", "5GB")
	v.SetDefault("STORAGE_VERIFY_ON_READ", false)
	v.SetDefault("STORAGE_VERSION_RETRIES", 5)
	v.SetDefault("STORAGE_GC_INTERVAL", "1h")
	v.SetDefault("STORAGE_GC_GRACE", "24h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)

	// Читаем конфигурацию из файла
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: using only environment variables: %v\n", err)
	}

	maxUpload, err := units.FromHumanSize(v.GetString("STORAGE_MAX_UPLOAD_SIZE"))
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_MAX_UPLOAD_SIZE: %w", err)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            v.GetString("HTTP_PORT"),
			GRPCPort:        v.GetString("GRPC_PORT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			Host:           v.GetString("DATABASE_HOST"),
			Port:           v.GetString("DATABASE_PORT"),
			User:           v.GetString("DATABASE_USER"),
			Password:       v.GetString("DATABASE_PASSWORD"),
			Name:           v.GetString("DATABASE_NAME"),
			SSLMode:        v.GetString("DATABASE_SSLMODE"),
			MigrationsPath: v.GetString("DATABASE_MIGRATIONS_PATH"),
		},
		Storage: StorageConfig{
			MetadataBackend: v.GetString("STORAGE_METADATA_BACKEND"),
			BoltPath:        v.GetString("STORAGE_BOLT_PATH"),
			BlobBackend:     v.GetString("STORAGE_BLOB_BACKEND"),
			BlobDir:         v.GetString("STORAGE_BLOB_DIR"),
			MaxUploadSize:   maxUpload,
			VerifyOnRead:    v.GetBool("STORAGE_VERIFY_ON_READ"),
			VersionRetries:  v.GetInt("STORAGE_VERSION_RETRIES"),
			GCInterval:      v.GetDuration("STORAGE_GC_INTERVAL"),
			GCGrace:         v.GetDuration("STORAGE_GC_GRACE"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.MetadataBackend {
	case BackendPostgres:
		// Проверяем, что все необходимые поля заполнены
		if c.Database.Host == "" ||
			c.Database.Port == "" ||
			c.Database.User == "" ||
			c.Database.Password == "" ||
			c.Database.Name == "" {
			return fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name)
		}
	case BackendBolt:
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("STORAGE_BOLT_PATH is required for bolt metadata backend")
		}
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Storage.MetadataBackend)
	}

	switch c.Storage.BlobBackend {
	case BackendS3:
	case BackendFS:
		if c.Storage.BlobDir == "" {
			return fmt.Errorf("STORAGE_BLOB_DIR is required for fs blob backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Storage.BlobBackend)
	}

	if c.Storage.MaxUploadSize < 0 {
		return fmt.Errorf("STORAGE_MAX_UPLOAD_SIZE must not be negative")
	}
	if c.Storage.VersionRetries < 1 {
		return fmt.Errorf("STORAGE_VERSION_RETRIES must be at least 1")
	}
	if c.Storage.GCGrace < 0 {
		return fmt.Errorf("STORAGE_GC_GRACE must not be negative")
	}

	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// MigrationURL строка подключения в формате golang-migrate
func (c *DatabaseConfig) MigrationURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		c.SSLMode,
	)
}
