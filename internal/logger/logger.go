// Package logger builds the service-wide zap logger from the logger section
// of the configuration. Components receive named children of this logger.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bitfinex-margin-balancer/internal/config"
)

// NewLogger creates a zap.Logger for the given logger configuration. The
// "json" format selects the production encoder; anything else gets the
// development console encoder.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	logLevel, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	zapCfg.Level = zap.NewAtomicLevelAt(logLevel)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}
