package logger

import (
	"fmt"
	"log"
	"strings"
	"sync"
)

// Level represents the logging verbosity threshold.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var (
	mu      sync.RWMutex
	current = INFO
)

// ParseLevel converts a level name to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// SetLevel sets the global logging threshold from a level name.
func SetLevel(s string) {
	mu.Lock()
	defer mu.Unlock()
	current = ParseLevel(s)
}

// GetLevel returns the current threshold as a string.
func GetLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	switch current {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

func enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return l >= current
}

func emit(tag string, format string, v ...interface{}) {
	log.Printf("[%s] %s", tag, fmt.Sprintf(format, v...))
}

// Debug logs a debug-level message.
func Debug(format string, v ...interface{}) {
	if enabled(DEBUG) {
		emit("DEBUG", format, v...)
	}
}

// Info logs an info-level message.
func Info(format string, v ...interface{}) {
	if enabled(INFO) {
		emit("INFO", format, v...)
	}
}

// Warn logs a warning-level message.
func Warn(format string, v ...interface{}) {
	if enabled(WARN) {
		emit("WARN", format, v...)
	}
}

// Error logs an error-level message.
func Error(format string, v ...interface{}) {
	if enabled(ERROR) {
		emit("ERROR", format, v...)
	}
}
