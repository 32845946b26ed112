// Package logger provides formatted logging with color support and
// JSON-RPC message tracing for the agent and its subsystems.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// ANSI color codes used when color output is enabled.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// Logger writes leveled, optionally colored log lines. The zero value is not
// usable; construct with NewLogger or NewLoggerWithWriter. All methods are
// safe to call on a nil receiver (they become no-ops), so optional logging
// never needs a nil check at the call site.
type Logger struct {
	verbose bool
	color   bool
	jsonRPC bool
	out     io.Writer
}

// NewLogger creates a logger writing to stderr.
func NewLogger(verbose, color, jsonRPC bool) *Logger {
	return NewLoggerWithWriter(verbose, color, jsonRPC, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(verbose, color, jsonRPC bool, w io.Writer) *Logger {
	return &Logger{
		verbose: verbose,
		color:   color,
		jsonRPC: jsonRPC,
		out:     w,
	}
}

// Verbose reports whether verbose logging is enabled.
func (l *Logger) Verbose() bool {
	return l != nil && l.verbose
}

func (l *Logger) log(color, prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("15:04:05")
	if l.color && color != "" {
		fmt.Fprintf(l.out, "%s[%s]%s %s%s%s %s\n", colorGray, ts, colorReset, color, prefix, colorReset, msg)
	} else {
		fmt.Fprintf(l.out, "[%s] %s %s\n", ts, prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(colorBlue, "INFO", format, args...)
}

// InfoVerbose logs an informational message only when verbose mode is on.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.Info(format, args...)
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.log(colorGreen, "OK", format, args...)
}

// Warning logs a warning message.
func (l *Logger) Warning(format string, args ...interface{}) {
	l.log(colorYellow, "WARN", format, args...)
}

// WarningVerbose logs a warning only when verbose mode is on.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if l == nil || !l.verbose {
		return
	}
	l.Warning(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(colorRed, "ERROR", format, args...)
}

// Request logs an outgoing JSON-RPC request when JSON-RPC tracing is enabled.
func (l *Logger) Request(method string, params interface{}) {
	if l == nil || !l.jsonRPC {
		return
	}
	l.log(colorGray, "-->", "%s %s", method, prettyJSON(params))
}

// Response logs an incoming JSON-RPC response when JSON-RPC tracing is enabled.
func (l *Logger) Response(method string, result interface{}) {
	if l == nil || !l.jsonRPC {
		return
	}
	l.log(colorGray, "<--", "%s %s", method, prettyJSON(result))
}

// Notification logs an incoming JSON-RPC notification when JSON-RPC tracing
// is enabled.
func (l *Logger) Notification(method string, params interface{}) {
	if l == nil || !l.jsonRPC {
		return
	}
	l.log(colorGray, "<-n", "%s %s", method, prettyJSON(params))
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
