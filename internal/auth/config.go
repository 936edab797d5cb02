package auth

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	DefaultOwnerHeader = "X-Auth-Owner"
	DefaultAdminHeader = "X-Auth-Admin"
)

// Config имена заголовков, которые выставляет шлюз перед сервисом
type Config struct {
	OwnerHeader string `mapstructure:"AUTH_OWNER_HEADER"`
	AdminHeader string `mapstructure:"AUTH_ADMIN_HEADER"`
}

func NewConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("AUTH_OWNER_HEADER", DefaultOwnerHeader)
	v.SetDefault("AUTH_ADMIN_HEADER", DefaultAdminHeader)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: using default auth headers: %v\n", err)
	}

	cfg := Config{
		OwnerHeader: v.GetString("AUTH_OWNER_HEADER"),
		AdminHeader: v.GetString("AUTH_ADMIN_HEADER"),
	}
	if cfg.OwnerHeader == "" {
		return nil, fmt.Errorf("AUTH_OWNER_HEADER must not be empty")
	}

	return &cfg, nil
}
