// Package utils provides logging and small shared helpers.
package utils

import (
	"fmt"
	"sync"
	"time"
)

// ANSI color codes for console output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// LogLevel identifies the severity of a log entry.
type LogLevel string

const (
	LevelDebug   LogLevel = "debug"
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarn    LogLevel = "warn"
	LevelError   LogLevel = "error"
)

// LogEntry is one recorded log line.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

const maxHistory = 500

// Logger is a leveled console logger that keeps a bounded in-memory history
// for the admin endpoints.
type Logger struct {
	mu      sync.Mutex
	debug   bool
	history []LogEntry
}

// NewLogger creates a Logger.
func NewLogger() *Logger {
	return &Logger{}
}

// SetDebug toggles debug-level output.
func (l *Logger) SetDebug(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = enabled
}

// History returns a copy of the recorded log entries.
func (l *Logger) History() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Logger) log(level LogLevel, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	now := time.Now()

	l.mu.Lock()
	l.history = append(l.history, LogEntry{Time: now, Level: level, Message: msg})
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
	l.mu.Unlock()

	fmt.Printf("%s[%s]%s %s%s%s\n",
		colorGray, now.Format("15:04:05"), colorReset,
		color, msg, colorReset)
}

// Debug logs a debug message when debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.mu.Lock()
	enabled := l.debug
	l.mu.Unlock()
	if !enabled {
		return
	}
	l.log(LevelDebug, colorGray, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, colorCyan, format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(LevelSuccess, colorGreen, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, colorYellow, format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, colorRed, format, args...)
}

var defaultLogger = NewLogger()

// SetDebug toggles debug output on the default logger.
func SetDebug(enabled bool) { defaultLogger.SetDebug(enabled) }

// Debug logs to the default logger.
func Debug(format string, args ...interface{}) { defaultLogger.Debug(format, args...) }

// Info logs to the default logger.
func Info(format string, args ...interface{}) { defaultLogger.Info(format, args...) }

// Success logs to the default logger.
func Success(format string, args ...interface{}) { defaultLogger.Success(format, args...) }

// Warn logs to the default logger.
func Warn(format string, args ...interface{}) { defaultLogger.Warn(format, args...) }

// Error logs to the default logger.
func Error(format string, args ...interface{}) { defaultLogger.Error(format, args...) }

// LogHistory returns the default logger's recorded entries.
func LogHistory() []LogEntry { return defaultLogger.History() }
