package config

import (
	"fmt"
	"log/slog"

	"github.com/kelseyhightower/envconfig"
)

// Env holds process settings that never live in taskmaster.yml.
type Env struct {
	Addr            string   `envconfig:"ADDR" default:"127.0.0.1:8080"`
	BasePath        string   `envconfig:"BASE_PATH" default:"/v1"`
	JWTSecret       string   `envconfig:"JWT_SECRET"`
	AllowRoleHeader bool     `envconfig:"ALLOW_ROLE_HEADER" default:"false"`
	LogLevel        string   `envconfig:"LOG_LEVEL" default:"info"`
	CORSOrigins     []string `envconfig:"CORS_ORIGINS" default:"*"`
	WatchConfig     bool     `envconfig:"WATCH_CONFIG" default:"true"`
	ExecutorURL     string   `envconfig:"EXECUTOR_URL"`
}

const namespace = "TASKMASTER"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *Env) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelInfo
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
