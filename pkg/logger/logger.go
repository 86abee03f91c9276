package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development gets a colored console logger
// at debug level, everything else gets production JSON at info level.
func New(environment string) (*zap.Logger, error) {
	if environment == "development" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// Must is New for main packages.
func Must(environment string) *zap.Logger {
	l, err := New(environment)
	if err != nil {
		panic(err)
	}
	return l
}
