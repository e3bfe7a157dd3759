package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "uarflow"

// NewLogger creates a structured logger based on environment.
// Production uses the JSON encoder with ISO8601 timestamps so entries line up
// with the audit stream.
func NewLogger(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.InitialFields = map[string]interface{}{"service": serviceName}

	return config.Build()
}

// ForJob scopes a logger to one scheduler job run.
func ForJob(logger *zap.Logger, job, runID string) *zap.Logger {
	return logger.Named(job).With(zap.String("job", job), zap.String("run_id", runID))
}
