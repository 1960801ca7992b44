package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"credvault/internal/config"
)

// Init 根据配置构建 zap logger 并替换全局 logger
func Init(cfg *config.LogConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(l)
	return l, nil
}
