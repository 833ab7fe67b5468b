// Package logging provides structured JSON logging for the dependency manager.
// It bridges zap to the logr interface so every package logs through a
// logr.Logger with consistent formatting.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines the logging configuration
type Config struct {
	// Level is the log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output is the output destination (stdout, stderr)
	Output string `yaml:"output" json:"output"`

	// AddCaller adds caller information to logs
	AddCaller bool `yaml:"addCaller" json:"addCaller"`

	// Development enables development mode (pretty printing, etc.)
	Development bool `yaml:"development" json:"development"`
}

// Logger wraps a logr.Logger with additional functionality
type Logger struct {
	logr.Logger
	config *Config
}

// DefaultConfig returns default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     "info",
		Format:    "json",
		Output:    "stdout",
		AddCaller: true,
	}
}

// NewLogger creates a new structured logger based on the provided configuration
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	zapLogger, err := buildZapConfig(config).Build()
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger: zapr.NewLogger(zapLogger),
		config: config,
	}, nil
}

// buildZapConfig creates a zap configuration based on logging config
func buildZapConfig(config *Config) zap.Config {
	var zapConfig zap.Config

	if config.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig = zap.NewProductionEncoderConfig()
		zapConfig.EncoderConfig.TimeKey = "time"
		zapConfig.EncoderConfig.LevelKey = "level"
		zapConfig.EncoderConfig.MessageKey = "msg"
		zapConfig.EncoderConfig.CallerKey = "caller"
		zapConfig.EncoderConfig.StacktraceKey = "stacktrace"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		zapConfig.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	zapConfig.Development = config.Development
	zapConfig.DisableCaller = !config.AddCaller

	switch config.Output {
	case "", "stdout":
		zapConfig.OutputPaths = []string{"stdout"}
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{config.Output}
	}

	// Set log level
	zapConfig.Level = zap.NewAtomicLevelAt(parseZapLevel(config.Level))

	return zapConfig
}

// parseZapLevel converts string log level to zap.AtomicLevel
func parseZapLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "panic":
		return zapcore.PanicLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// WithName returns a logger with the specified name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithName(name),
		config: l.config,
	}
}

// WithValues returns a logger with the specified key-value pairs
func (l *Logger) WithValues(keysAndValues ...interface{}) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(keysAndValues...),
		config: l.config,
	}
}

// WithComponent returns a logger configured for a managed component
func (l *Logger) WithComponent(id, name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(
			"component_id", id,
			"component", name,
		),
		config: l.config,
	}
}

// GetConfig returns the logging configuration
func (l *Logger) GetConfig() *Config {
	return l.config
}
