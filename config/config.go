package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`
		HTTPPort string `mapstructure:"http_port"`
	} `mapstructure:"server"`

	Database struct {
		Driver string `mapstructure:"driver"` // mysql | postgres | "" (in-memory)
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logging"`

	Device struct {
		// границы таймаута длинного опроса, секунды
		PollTimeoutDefault int `mapstructure:"poll_timeout_default"`
		PollTimeoutMin     int `mapstructure:"poll_timeout_min"`
		PollTimeoutMax     int `mapstructure:"poll_timeout_max"`
		// пульс старше этого (минуты) — устройство офлайн
		OfflineAfterMinutes int `mapstructure:"offline_after_minutes"`
	} `mapstructure:"device"`
}

// Load читает YAML (путь может быть пустым — тогда только умолчания и env)
// и переменные окружения вида REBIN_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("device.poll_timeout_default", 60)
	v.SetDefault("device.poll_timeout_min", 5)
	v.SetDefault("device.poll_timeout_max", 120)
	v.SetDefault("device.offline_after_minutes", 30)

	v.SetEnvPrefix("REBIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
