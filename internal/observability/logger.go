package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// SetLevel parses a level name ("debug", "info", ...). Unknown names leave
// the level unchanged.
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return
	}
	l.logger = l.logger.Level(lvl)
}

// WithComponent adds component context to logger.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

// WithTransport adds transport and endpoint context to logger.
func (l *Logger) WithTransport(kind, endpoint string) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("transport", kind).
			Str("endpoint", endpoint).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(kind, endpoint string, elapsed time.Duration) {
	l.logger.Info().
		Str("transport", kind).
		Str("endpoint", endpoint).
		Dur("elapsed", elapsed).
		Msg("transport connected")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(kind, endpoint string, err error) {
	l.logger.Error().
		Str("transport", kind).
		Str("endpoint", endpoint).
		Err(err).
		Msg("transport connect failed")
}

// FallbackTriggered logs a switch from QUIC to the WebSocket fallback.
func (l *Logger) FallbackTriggered(reason string, fallbackCount int64) {
	l.logger.Warn().
		Str("reason", reason).
		Int64("fallback_count", fallbackCount).
		Msg("falling back to websocket")
}

// ReconnectScheduled logs a pending reconnect attempt.
func (l *Logger) ReconnectScheduled(attempt int, delay time.Duration) {
	l.logger.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

// StateChanged logs a connection state transition.
func (l *Logger) StateChanged(from, to string) {
	l.logger.Debug().
		Str("from", from).
		Str("to", to).
		Msg("connection state changed")
}

// StreamSent logs one outbound message written on its own stream.
func (l *Logger) StreamSent(category string, streamID int, size int) {
	l.logger.Debug().
		Str("category", category).
		Int("stream_id", streamID).
		Int("size", size).
		Msg("message sent on stream")
}

// MessageDropped logs a queued message that was discarded.
func (l *Logger) MessageDropped(messageID, reason string, retryCount int) {
	l.logger.Warn().
		Str("message_id", messageID).
		Str("reason", reason).
		Int("retry_count", retryCount).
		Msg("queued message dropped")
}

// ListenerPanicked logs a recovered panic from an event subscriber.
func (l *Logger) ListenerPanicked(event string, recovered interface{}) {
	l.logger.Error().
		Str("event", event).
		Interface("panic", recovered).
		Msg("event listener panicked")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
