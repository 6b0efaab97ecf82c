package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
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

// Fields carries structured key/value context for a log line.
type Fields map[string]interface{}

// sink is shared by a logger and every child derived with WithField so that
// file rotation and Close affect all of them.
type sink struct {
	mu      sync.Mutex
	console io.Writer
	file    *os.File
}

func (s *sink) writer() io.Writer {
	if s.file == nil {
		return s.console
	}
	return io.MultiWriter(s.file, s.console)
}

// Logger provides leveled, structured logging with optional file output.
type Logger struct {
	level      Level
	jsonFormat bool
	component  string
	fields     Fields
	out        *sink
	exit       func(int)
}

// NewLogger creates a logger writing to stderr.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		fields:     Fields{},
		out:        &sink{console: os.Stderr},
		exit:       os.Exit,
	}
}

// NewFileLogger creates a logger that writes to stderr and appends to path.
// The parent directory is created if missing.
func NewFileLogger(component, path string, level Level, jsonFormat bool) (*Logger, error) {
	l := NewLogger(level, jsonFormat)
	l.component = component
	if path == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory for %s: %w", path, err)
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	l.out.file = logFile

	l.Debug("logger initialized", Fields{"path": path})
	return l, nil
}

// SetOutput replaces the console writer. Used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.console = w
	l.out.mu.Unlock()
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Component: l.component,
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = string(data)
	} else {
		var b strings.Builder
		b.WriteString("[")
		b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
		b.WriteString("] ")
		b.WriteString(level.String())
		b.WriteString(": ")
		if l.component != "" {
			b.WriteString("[" + l.component + "] ")
		}
		b.WriteString(message)
		writeFields(&b, merged)
		line = b.String()
	}

	l.out.mu.Lock()
	fmt.Fprintln(l.out.writer(), line)
	l.out.mu.Unlock()

	if level == FATAL {
		l.exit(1)
	}
}

// writeFields renders fields as sorted key=value pairs so lines are stable
// and greppable.
func writeFields(b *strings.Builder, fields Fields) {
	if len(fields) == 0 {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprintf("%v", fields[k])
		if v == "" || strings.ContainsAny(v, " \t\n\"=") {
			v = fmt.Sprintf("%q", v)
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) { l.log(FATAL, message, first(fields)) }

// WithField returns a child logger that always carries key=value.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(Fields{key: value})
}

// WithFields returns a child logger carrying all of fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	newFields := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		component:  l.component,
		fields:     newFields,
		out:        l.out,
		exit:       l.exit,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file != nil {
		err := l.out.file.Close()
		l.out.file = nil
		return err
	}
	return nil
}

// RotateIfNeeded rotates the log file if it exceeds maxSize bytes.
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.file == nil {
		return nil
	}

	info, err := l.out.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	oldPath := l.out.file.Name()
	l.out.file.Close()

	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.out.file = nil
		return err
	}
	l.out.file = newFile
	return nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	l := NewLogger(FATAL+1, false)
	l.out.console = io.Discard
	return l
}
