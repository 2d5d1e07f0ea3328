package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config stores the logger output and severity settings as they appear in
// the configuration file.
type Config struct {
	Output   string `toml:"output"`
	Severity string `toml:"severity"`
}

type contextKey struct{}

// Fields is a shorthand for logrus.Fields.
type Fields = log.Fields

// Init sets up the logger for a typical daemon scenario until the
// configuration file is parsed.
func Init() {
	log.SetFormatter(&log.TextFormatter{
		DisableTimestamp: true,
		FullTimestamp:    false,
	})
	log.SetLevel(log.ErrorLevel)
	log.SetOutput(os.Stderr)
}

// Setup reconfigures the standard logger from the parsed config section.
func Setup(conf Config) error {
	switch conf.Output {
	case "stderr", "error", "2":
		log.SetOutput(os.Stderr)
	case "", "stdout", "out", "1":
		log.SetOutput(os.Stdout)
	default:
		// Assume it's a file path.
		logFile, err := os.Create(conf.Output)
		if err != nil {
			return trace.Wrap(err, "failed to create the log file")
		}
		log.SetOutput(io.Writer(logFile))
	}

	switch strings.ToLower(conf.Severity) {
	case "info":
		log.SetLevel(log.InfoLevel)
	case "err", "error":
		log.SetLevel(log.ErrorLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	default:
		return trace.BadParameter("unsupported logger severity: %q", conf.Severity)
	}

	return nil
}

// Standard returns the standard logger.
func Standard() log.FieldLogger {
	return log.StandardLogger()
}

// Get returns the logger stored in the context, or the standard logger when
// there is none.
func Get(ctx context.Context) log.FieldLogger {
	if logger, ok := ctx.Value(contextKey{}).(log.FieldLogger); ok && logger != nil {
		return logger
	}
	return Standard()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger log.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// WithField returns a context holding a logger with the field attached, plus
// the logger itself.
func WithField(ctx context.Context, key string, value interface{}) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithField(key, value)
	return WithLogger(ctx, logger), logger
}

// WithFields returns a context holding a logger with the fields attached,
// plus the logger itself.
func WithFields(ctx context.Context, fields Fields) (context.Context, log.FieldLogger) {
	logger := Get(ctx).WithFields(fields)
	return WithLogger(ctx, logger), logger
}
