// Package logging adapts a zap backend to the fabric's Logger interface.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tricortex/tricortex/core"
)

// ZapLogger implements core.Logger over a zap.Logger.
type ZapLogger struct {
	base *zap.Logger
}

// New builds a ZapLogger from logging configuration. Format "console"
// gives human-readable output; anything else is JSON.
func New(cfg core.LoggingConfig) (*ZapLogger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zcfg.Encoding = "json"
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return nil, core.NewFabricError("logging.New", cfg.Level, core.ErrInvalidConfiguration)
		}
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	base, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &ZapLogger{base: base}, nil
}

// FromZap wraps an existing zap logger, for tests and embedders.
func FromZap(base *zap.Logger) *ZapLogger {
	return &ZapLogger{base: base}
}

// Sync flushes buffered entries. Call on shutdown.
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func (l *ZapLogger) Info(msg string, fields map[string]interface{}) {
	l.base.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields map[string]interface{}) {
	l.base.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	l.base.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	l.base.Debug(msg, toZapFields(fields)...)
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
