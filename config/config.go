// Package config loads intervox settings from defaults, an optional
// intervox.yaml, a .env file, INTERVOX_* environment variables and flags,
// in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	appName   = "intervox"
	envPrefix = "INTERVOX"
)

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Socket    SocketConfig    `mapstructure:"socket"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Interview InterviewConfig `mapstructure:"interview"`
	Session   SessionConfig   `mapstructure:"session"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s"`
	Retries int           `mapstructure:"retries" validate:"min=0,max=10"`
}

type SocketConfig struct {
	DefaultURL        string        `mapstructure:"default_url" validate:"omitempty,url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" validate:"min=0"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" validate:"min=0s"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" validate:"min=1s"`
}

type AudioConfig struct {
	TimeSlice  time.Duration `mapstructure:"time_slice" validate:"min=10ms"`
	MimeType   string        `mapstructure:"mime_type" validate:"required"`
	Device     string        `mapstructure:"device"`
	SampleRate uint32        `mapstructure:"sample_rate" validate:"min=8000,max=48000"`
}

type InterviewConfig struct {
	Type     string `mapstructure:"type" validate:"min=3,max=50"`
	Language string `mapstructure:"language" validate:"min=2,max=30"`
}

type SessionConfig struct {
	ResumeDelay time.Duration `mapstructure:"resume_delay" validate:"min=0s"`
	Store       string        `mapstructure:"store" validate:"oneof=file redis memory"`
	File        string        `mapstructure:"file" validate:"required_if=Store file"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr" validate:"required"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0,max=15"`
	Key      string        `mapstructure:"key" validate:"required"`
	TTL      time.Duration `mapstructure:"ttl" validate:"min=0s"`
}

type LogConfig struct {
	Path string `mapstructure:"path"`
}

// Overrides carries command-line values. Zero fields are left alone.
type Overrides struct {
	ConfigFile string
	EnvFile    string
	LogPath    string
	Device     string
	MimeType   string
	TimeSlice  time.Duration
	URL        string
	Store      string
}

// Dir is the per-user config directory, e.g. ~/.config/intervox.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(base, appName)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8080")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", "15s")
	v.SetDefault("api.retries", 2)

	v.SetDefault("socket.default_url", "")
	v.SetDefault("socket.reconnect_attempts", 20)
	v.SetDefault("socket.reconnect_interval", "5s")
	v.SetDefault("socket.handshake_timeout", "30s")

	v.SetDefault("audio.time_slice", "1s")
	v.SetDefault("audio.mime_type", "audio/flac")
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.sample_rate", 16000)

	v.SetDefault("interview.type", "technical")
	v.SetDefault("interview.language", "English")

	v.SetDefault("session.resume_delay", "100ms")
	v.SetDefault("session.store", "file")
	v.SetDefault("session.file", filepath.Join(Dir(), "session.json"))

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "intervox:session")
	v.SetDefault("redis.ttl", "0s")

	v.SetDefault("log.path", "")
}

func Load(o Overrides) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if o.ConfigFile != "" {
		v.SetConfigFile(o.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.ConfigFile, err)
		}
	} else {
		v.SetConfigName(appName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	envFile := o.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) || o.EnvFile != "" {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	set := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	set("log.path", o.LogPath)
	set("audio.device", o.Device)
	set("audio.mime_type", o.MimeType)
	set("socket.default_url", o.URL)
	set("session.store", o.Store)
	if o.TimeSlice > 0 {
		v.Set("audio.time_slice", o.TimeSlice)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s=%v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}
