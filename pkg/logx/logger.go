// Package logx provides structured logging for the geolocd daemon
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides structured JSON logging scoped to one component
type Logger struct {
	entry     *logrus.Entry
	component string
}

// NewLogger creates a JSON logger writing to stdout for the given component
func NewLogger(levelStr, component string) *Logger {
	return NewLoggerWithOutput(levelStr, component, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to out
func NewLoggerWithOutput(levelStr, component string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "msg",
		},
	})
	base.SetLevel(toLogrus(parseLevel(levelStr)))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry, component: component}
}

// parseLevel converts string to LogLevel
func parseLevel(levelStr string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace", "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// levelString converts LogLevel to string
func levelString(level LogLevel) string {
	switch level {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

func toLogrus(level LogLevel) logrus.Level {
	switch level {
	case DebugLevel:
		return logrus.DebugLevel
	case WarnLevel:
		return logrus.WarnLevel
	case ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the minimum level for this logger and all loggers derived from it
func (l *Logger) SetLevel(levelStr string) {
	l.entry.Logger.SetLevel(toLogrus(parseLevel(levelStr)))
}

// Level returns the current level name
func (l *Logger) Level() string {
	switch l.entry.Logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return levelString(DebugLevel)
	case logrus.WarnLevel:
		return levelString(WarnLevel)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return levelString(ErrorLevel)
	default:
		return levelString(InfoLevel)
	}
}

// Component returns the component name the logger was created for
func (l *Logger) Component() string {
	return l.component
}

// WithComponent returns a logger sharing output and level with l but tagged with another component
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		entry:     l.entry.WithField("component", component),
		component: component,
	}
}

// WithFields returns a logger that adds fields to every entry
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{
		entry:     l.entry.WithFields(logrus.Fields(fields)),
		component: l.component,
	}
}

func fieldsFromPairs(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprintf("%v", keysAndValues[i])
		value := keysAndValues[i+1]
		if err, ok := value.(error); ok && err != nil {
			value = err.Error()
		}
		fields[key] = value
	}
	if len(keysAndValues)%2 == 1 {
		fields["extra"] = keysAndValues[len(keysAndValues)-1]
	}
	return fields
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Debug(msg)
}

// Info logs an info message
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Info(msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Warn(msg)
}

// Error logs an error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(fieldsFromPairs(keysAndValues)).Error(msg)
}

// LogVerbose logs an event with a field map at info level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Info(event)
}

// LogDebugVerbose logs an event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Debug(event)
}

// LogStateChange records a state machine transition
func (l *Logger) LogStateChange(machine, from, to, reason string, fields map[string]interface{}) {
	l.entry.WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"event":      "state_change",
		"machine":    machine,
		"from_state": from,
		"to_state":   to,
		"reason":     reason,
	}).Info("state changed")
}
