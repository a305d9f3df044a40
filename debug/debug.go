// Package debug holds the process logger shared by the socket, transport and
// server packages. Debug output is off unless MOMOLAND_DEBUG is set to a true
// value or Enable is called.
package debug

import (
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envDebug = "MOMOLAND_DEBUG"

type Config struct {
	Level       string
	Development bool
	OutputPaths []string
}

func DefaultConfig() Config {
	return Config{
		Level:       "info",
		OutputPaths: []string{"stderr"},
	}
}

var (
	mu     sync.RWMutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger *zap.Logger
)

func init() {
	if v, ok := os.LookupEnv(envDebug); ok {
		if on, err := strconv.ParseBool(v); err == nil && on {
			level.SetLevel(zapcore.DebugLevel)
		}
	}

	l, err := build(DefaultConfig())
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

// New builds a logger from cfg and installs it as the process logger. The
// level is shared with Enable and Disable.
func New(cfg Config) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	if Enabled() {
		lvl = zapcore.DebugLevel
	}
	level.SetLevel(lvl)

	l, err := build(cfg)
	if err != nil {
		return nil, err
	}
	SetLogger(l)
	return l, nil
}

func build(cfg Config) (*zap.Logger, error) {
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		DisableCaller:     !cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Development {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zapConfig.Build()
}

func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Printf logs at debug level through the process logger.
func Printf(format string, v ...interface{}) {
	Logger().Sugar().Debugf(format, v...)
}

func Enable() {
	level.SetLevel(zapcore.DebugLevel)
}

func Disable() {
	level.SetLevel(zapcore.InfoLevel)
}

func Enabled() bool {
	return level.Enabled(zapcore.DebugLevel)
}

func Sync() error {
	return Logger().Sync()
}
