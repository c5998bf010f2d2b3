package observability

import (
	"fmt"
	"log"
	"os"
)

// StandardLogger is a logger implementation backed by the standard
// library log package, writing structured fields as key=value pairs.
type StandardLogger struct {
	prefix string
	level  LogLevel
	fields map[string]interface{}
	logger *log.Logger
}

// NewStandardLogger creates a new StandardLogger at INFO level, writing
// to stderr so it never collides with stdout-framed protocols.
func NewStandardLogger(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

// WithLevel returns a copy of the logger at the given minimum level.
func (l *StandardLogger) WithLevel(level LogLevel) *StandardLogger {
	return &StandardLogger{prefix: l.prefix, level: level, fields: l.fields, logger: l.logger}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	order := map[LogLevel]int{LogLevelDebug: 0, LogLevelInfo: 1, LogLevelWarn: 2, LogLevelError: 3, LogLevelFatal: 4}
	return order[level] >= order[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if !l.levelEnabled(level) {
		return
	}
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	line := fmt.Sprintf("[%s] %s: %s", level, l.prefix, msg)
	for k, v := range merged {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	l.logger.Println(line)
}

func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) { l.log(LogLevelDebug, msg, fields) }
func (l *StandardLogger) Info(msg string, fields map[string]interface{})  { l.log(LogLevelInfo, msg, fields) }
func (l *StandardLogger) Warn(msg string, fields map[string]interface{})  { l.log(LogLevelWarn, msg, fields) }
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) { l.log(LogLevelError, msg, fields) }

func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.log(LogLevelFatal, msg, fields)
	os.Exit(1)
}

func (l *StandardLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Infof(format string, args ...interface{})  { l.Info(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Warnf(format string, args ...interface{})  { l.Warn(fmt.Sprintf(format, args...), nil) }
func (l *StandardLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...), nil) }

// WithPrefix returns a new logger with the given prefix.
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, fields: l.fields, logger: l.logger}
}

// With returns a new logger that always includes the given fields.
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, fields: merged, logger: l.logger}
}
