/*
Copyright 2024 The Agent Operator Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging builds the operator's structured logger. The same zap sink
// backs controller-runtime, client-go (through klog) and the operator's own
// components.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Environment variables read by GetLoggerFromEnv
const (
	EnvLogLevel  = "AGENT_OPERATOR_LOG_LEVEL"
	EnvLogFormat = "AGENT_OPERATOR_LOG_FORMAT"
)

// Config defines the logging configuration
type Config struct {
	// Level is debug, info, warn or error, or a logr verbosity such as "2"
	Level string `yaml:"level" json:"level"`

	// Format is json or console
	Format string `yaml:"format" json:"format"`

	// Output is stdout, stderr or a file path
	Output string `yaml:"output" json:"output"`

	AddCaller   bool `yaml:"addCaller" json:"addCaller"`
	Development bool `yaml:"development" json:"development"`
}

// Logger wraps a logr.Logger with operator-specific helpers
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

// NewLogger creates a logger. Extra options are applied after the ones
// derived from config, so tests can redirect output with ctrlzap.WriteTo.
func NewLogger(config *Config, opts ...ctrlzap.Opts) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	w, err := openOutput(config.Output)
	if err != nil {
		return nil, err
	}

	level := parseLogLevel(config.Level)
	zapOpts := ctrlzap.Options{
		Development: config.Development,
		Encoder:     newEncoder(config.Format),
		Level:       &level,
		DestWriter:  w,
	}
	if config.AddCaller {
		zapOpts.ZapOpts = append(zapOpts.ZapOpts, zap.AddCaller())
	}

	all := append([]ctrlzap.Opts{ctrlzap.UseFlagOptions(&zapOpts)}, opts...)
	return &Logger{
		Logger: ctrlzap.New(all...),
		config: config,
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	if format == "console" {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	return zapcore.NewJSONEncoder(productionEncoderConfig())
}

func productionEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.LevelKey = "level"
	cfg.MessageKey = "msg"
	cfg.CallerKey = "caller"
	cfg.StacktraceKey = "stacktrace"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return cfg
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	}
}

// buildZapConfig mirrors config for the global zap logger
func buildZapConfig(config *Config) zap.Config {
	var zapConfig zap.Config

	if config.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig = productionEncoderConfig()
	}

	zapConfig.Development = config.Development
	zapConfig.DisableCaller = !config.AddCaller
	zapConfig.Level = zap.NewAtomicLevelAt(parseLogLevel(config.Level))
	if config.Output != "" {
		zapConfig.OutputPaths = []string{config.Output}
	}

	return zapConfig
}

// parseLogLevel converts a level name or logr verbosity to a zap level.
// Unknown values fall back to info.
func parseLogLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	if v, err := strconv.Atoi(level); err == nil && v >= 0 {
		return zapcore.Level(-v)
	}
	return zapcore.InfoLevel
}

// WithName returns a logger with the specified name
func (l *Logger) WithName(name string) *Logger {
	return &Logger{Logger: l.Logger.WithName(name), config: l.config}
}

// WithValues returns a logger with the specified key-value pairs
func (l *Logger) WithValues(keysAndValues ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.WithValues(keysAndValues...), config: l.config}
}

// WithComponent names the logger after an operator component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.WithName(component).WithValues("component", component),
		config: l.config,
	}
}

// WithResource returns a logger for one managed object
func (l *Logger) WithResource(kind, namespace, name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithValues(
			"kind", kind,
			"namespace", namespace,
			"name", name,
		),
		config: l.config,
	}
}

// GetConfig returns the logging configuration
func (l *Logger) GetConfig() *Config {
	return l.config
}

// SetGlobalLogger routes controller-runtime, klog and the global zap logger
// through logger's configuration.
func SetGlobalLogger(logger *Logger) error {
	zapLogger, err := buildZapConfig(logger.config).Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(zapLogger)

	ctrl.SetLogger(logger.Logger)
	klog.SetLogger(logger.Logger.WithName("client-go"))
	return nil
}

// GetLoggerFromEnv creates a logger from environment variables
func GetLoggerFromEnv() (*Logger, error) {
	config := DefaultConfig()
	config.Level = getEnvOrDefault(EnvLogLevel, config.Level)
	config.Format = getEnvOrDefault(EnvLogFormat, config.Format)
	return NewLogger(config)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
