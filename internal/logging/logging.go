package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is a wrapper around zerolog.Logger
type Logger struct {
	logger zerolog.Logger
}

// Config holds logging configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, file path
	TimeFormat string // RFC3339, RFC3339Nano, Unix, etc.
}

// NewLogger creates a new logger with the given configuration
func NewLogger(cfg Config) (*Logger, error) {
	var output io.Writer

	// Set output
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	}

	// Set format
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	// Create logger
	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	// Set global logger
	log.Logger = logger

	return &Logger{logger: logger}, nil
}

// NewWriterLogger creates a JSON logger writing to the given writer. Used in tests.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// WithContext adds context to the logger
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{logger: l.logger.With().Ctx(ctx).Logger()}
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithError adds an error to the logger
func (l *Logger) WithError(err error) *Logger {
	return &Logger{logger: l.logger.With().Err(err).Logger()}
}

// WithUserID adds a Telegram user ID to the logger
func (l *Logger) WithUserID(userID int64) *Logger {
	return &Logger{logger: l.logger.With().Int64("user_id", userID).Logger()}
}

// WithChargeID adds a payment provider charge ID to the logger
func (l *Logger) WithChargeID(chargeID string) *Logger {
	return &Logger{logger: l.logger.With().Str("charge_id", chargeID).Logger()}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

// ErrorWithErr logs an error message with an error
func (l *Logger) ErrorWithErr(msg string, err error) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) {
	l.logger.Fatal().Msg(msg)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}

// LogQuotaEvent logs the outcome of a metered operation
func (l *Logger) LogQuotaEvent(userID int64, kind string, estimated, actual, balanceAfter int64, outcome string) {
	l.logger.Info().
		Int64("user_id", userID).
		Str("kind", kind).
		Int64("estimated_cost", estimated).
		Int64("actual_cost", actual).
		Int64("balance_after", balanceAfter).
		Str("outcome", outcome).
		Msg("Quota event")
}

// LogBalanceClamp records a computed debit that would have driven a
// balance below zero. This indicates a bug upstream of the debit.
func (l *Logger) LogBalanceClamp(userID int64, kind string, balance, cost int64) {
	l.logger.Warn().
		Int64("user_id", userID).
		Str("kind", kind).
		Int64("balance", balance).
		Int64("cost", cost).
		Msg("Debit would drive balance negative, clamping to zero")
}

// LogPaymentEvent logs a payment credit application
func (l *Logger) LogPaymentEvent(userID int64, chargeID string, tokens, images int64, applied bool) {
	l.logger.Info().
		Int64("user_id", userID).
		Str("charge_id", chargeID).
		Int64("tokens", tokens).
		Int64("image_generations", images).
		Bool("applied", applied).
		Msg("Payment event")
}

// LogReconciliationAlert records a durable-store write failure after an
// external paid call already happened. Money was spent with no debit.
func (l *Logger) LogReconciliationAlert(userID int64, kind string, cost int64, err error) {
	l.logger.Error().
		Err(err).
		Int64("user_id", userID).
		Str("kind", kind).
		Int64("cost", cost).
		Msg("Reconciliation alert: store write failed after external operation")
}

// LogLockEvent logs lock acquisition and release
func (l *Logger) LogLockEvent(resource string, event string, duration time.Duration) {
	l.logger.Debug().
		Str("resource", resource).
		Str("event", event).
		Dur("duration_ms", duration).
		Msg("Lock event")
}

// LogRateLimitRejection logs an admission rejection
func (l *Logger) LogRateLimitRejection(category, subject string, resetIn time.Duration) {
	l.logger.Info().
		Str("category", category).
		Str("subject", subject).
		Dur("reset_in_ms", resetIn).
		Msg("Rate limit exceeded")
}

// LogHTTPRequest logs one handled HTTP request
func (l *Logger) LogHTTPRequest(method, path, clientIP string, status int, latency time.Duration) {
	l.logger.Info().
		Str("method", method).
		Str("path", path).
		Str("client_ip", clientIP).
		Int("status", status).
		Dur("latency_ms", latency).
		Msg("HTTP request")
}

// NewDefaultLogger creates a logger with default configuration
func NewDefaultLogger() (*Logger, error) {
	return NewLogger(Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
}

// NewConsoleLogger creates a logger with console output for development
func NewConsoleLogger() (*Logger, error) {
	return NewLogger(Config{
		Level:      "debug",
		Format:     "console",
		Output:     "stdout",
		TimeFormat: time.RFC3339,
	})
}
