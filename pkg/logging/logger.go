package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is a structured logger. Child loggers created with WithField,
// Named or WithContext share the parent's output.
type Logger struct {
	level      Level
	jsonFormat bool
	out        *syncWriter
	fields     map[string]interface{}
	name       string
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

// NewLogger creates a logger writing to stdout.
func NewLogger(name string, level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		out:        &syncWriter{w: os.Stdout},
		fields:     make(map[string]interface{}),
		name:       name,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := NewLogger("nop", FATAL+1, true)
	l.out.w = io.Discard
	return l
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	User      string                 `json:"user,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	requestID, _ := merged[fieldRequestID].(string)
	user, _ := merged[fieldUser].(string)
	delete(merged, fieldRequestID)
	delete(merged, fieldUser)

	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Level:     level.String(),
			Logger:    l.name,
			Message:   message,
			RequestID: requestID,
			User:      user,
			Fields:    merged,
		}
		if len(merged) == 0 {
			entry.Fields = nil
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		l.out.writeLine(string(data))
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), l.name, message)
		if requestID != "" {
			fmt.Fprintf(&b, " request_id=%s", requestID)
		}
		if user != "" {
			fmt.Fprintf(&b, " user=%s", user)
		}
		if len(merged) > 0 {
			fmt.Fprintf(&b, " %v", merged)
		}
		l.out.writeLine(b.String())
	}

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

func (l *Logger) with(extra map[string]interface{}, name string) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(extra))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range extra {
		newFields[k] = v
	}
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		out:        l.out,
		fields:     newFields,
		name:       name,
	}
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.with(map[string]interface{}{key: value}, l.name)
}

// WithFields adds several fields at once.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.with(fields, l.name)
}

// WithError attaches err as "error" and its Go type as "error_type".
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(map[string]interface{}{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	}, l.name)
}

// Named returns a child logger reporting under a different logger name.
func (l *Logger) Named(name string) *Logger {
	return l.with(nil, name)
}

// Level returns the minimum level that is emitted.
func (l *Logger) Level() Level {
	return l.level
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL", "CRITICAL":
		return FATAL
	default:
		return INFO
	}
}
