// Package logging builds the CLI logger.
package logging

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLogLevel       = "HOSTSIM_LOG_LEVEL"
	EnvLogDevelopment = "HOSTSIM_LOG_DEVELOPMENT"
)

// Config selects how the CLI logs.
type Config struct {
	Level       zapcore.Level
	Disabled    bool
	Development bool
}

// DefaultConfig logs warnings and above.
func DefaultConfig() Config {
	return Config{Level: zapcore.WarnLevel}
}

// FromEnv returns DefaultConfig with environment overrides applied.
func FromEnv() Config {
	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	return cfg
}

// ApplyEnv overrides cfg from HOSTSIM_LOG_LEVEL and HOSTSIM_LOG_DEVELOPMENT.
// Unparseable values are ignored.
func ApplyEnv(cfg *Config) {
	SetLevel(cfg, os.Getenv(EnvLogLevel))
	if v, ok := parseBool(os.Getenv(EnvLogDevelopment)); ok {
		cfg.Development = v
	}
}

// SetLevel applies a level name to cfg and reports whether it was
// recognised.
func SetLevel(cfg *Config, raw string) bool {
	lvl, disabled, ok := ParseLevel(raw)
	if !ok {
		return false
	}
	cfg.Level = lvl
	cfg.Disabled = disabled
	return true
}

// ParseLevel parses a level name. disabled is set for "off" and its
// synonyms.
func ParseLevel(raw string) (lvl zapcore.Level, disabled bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zapcore.WarnLevel, false, false
	case "debug", "trace":
		return zapcore.DebugLevel, false, true
	case "info":
		return zapcore.InfoLevel, false, true
	case "warn", "warning":
		return zapcore.WarnLevel, false, true
	case "error":
		return zapcore.ErrorLevel, false, true
	case "off", "none", "disabled":
		return zapcore.WarnLevel, true, true
	default:
		return zapcore.WarnLevel, false, false
	}
}

// New builds a console logger writing to stderr.
func New(cfg Config) *zap.Logger {
	return Build(cfg, zapcore.Lock(os.Stderr))
}

// Build builds a console logger writing to w.
func Build(cfg Config, w zapcore.WriteSyncer) *zap.Logger {
	if cfg.Disabled {
		return zap.NewNop()
	}

	encCfg := zap.NewProductionEncoderConfig()
	opts := []zap.Option{}
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		opts = append(opts, zap.Development(), zap.AddCaller())
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), w, cfg.Level)
	return zap.New(core, opts...).Named("hostsim")
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
