package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	// Log is the process-wide logger. Packages log through the helpers below.
	Log *logrus.Logger
)

func init() {
	// Usable before Init runs (tests, early startup)
	Log = newLogger(os.Stdout, logrus.InfoLevel)
}

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		ForceColors:     true,
	})
	l.SetOutput(out)
	return l
}

// Init replaces the global logger according to cfg.
// A nil cfg gives console output at info level.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.SetDefaults()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Log = newLogger(os.Stdout, level)
	Log.SetReportCaller(cfg.ReportCaller)

	if err := initAudit(cfg.AuditPath); err != nil {
		return err
	}
	return nil
}

// SetOutput redirects the global logger, used by tests to keep output quiet.
func SetOutput(w io.Writer) {
	Log.SetOutput(w)
}

// Shutdown flushes and closes the audit sink.
func Shutdown() {
	closeAudit()
}

// WithFields creates logger entry with fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

// WithField creates logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// WithSymbol is the common entry for per-symbol engine logs.
func WithSymbol(symbol string) *logrus.Entry {
	return Log.WithField("symbol", symbol)
}

func Debug(args ...interface{}) {
	Log.Debug(args...)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}

func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

func Error(args ...interface{}) {
	Log.Error(args...)
}

func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}

func Fatal(args ...interface{}) {
	Log.Fatal(args...)
}

func Fatalf(format string, args ...interface{}) {
	Log.Fatalf(format, args...)
}
