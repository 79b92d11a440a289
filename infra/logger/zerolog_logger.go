package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger adapts rs/zerolog to the Logger interface. The output
// format and minimum level come from the environment: APP_ENV=dev selects
// a human-readable console writer, and CAPGUARD_LOG_LEVEL overrides the
// info default.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a logger tagging every line with the component.
func NewZerologLogger(component string) Logger {
	z := zerolog.New(newWriter()).Level(minLevel()).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &ZerologLogger{log: z}
}

func newWriter() io.Writer {
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return os.Stdout
}

func minLevel() zerolog.Level {
	raw := strings.ToLower(os.Getenv("CAPGUARD_LOG_LEVEL"))
	if lvl, err := zerolog.ParseLevel(raw); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}
	return zerolog.InfoLevel
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

// Debugw attaches the structured fields to a single debug line.
func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	l.log.Debug().Fields(fields).Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
