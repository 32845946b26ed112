package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestInfoVerbose(t *testing.T) {
	tests := []struct {
		name           string
		verbose        bool
		format         string
		args           []interface{}
		expectOutput   bool
		expectedSubstr string
	}{
		{
			name:           "verbose enabled - should output",
			verbose:        true,
			format:         "test message: %s",
			args:           []interface{}{"hello"},
			expectOutput:   true,
			expectedSubstr: "test message: hello",
		},
		{
			name:         "verbose disabled - should not output",
			verbose:      false,
			format:       "test message: %s",
			args:         []interface{}{"hello"},
			expectOutput: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			l := NewLoggerWithWriter(tt.verbose, false, false, buf)

			l.InfoVerbose(tt.format, tt.args...)

			output := buf.String()
			if tt.expectOutput {
				if !strings.Contains(output, tt.expectedSubstr) {
					t.Errorf("expected output to contain %q, got %q", tt.expectedSubstr, output)
				}
			} else if output != "" {
				t.Errorf("expected no output, got %q", output)
			}
		})
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("info")
	l.InfoVerbose("info verbose")
	l.Warning("warning")
	l.WarningVerbose("warning verbose")
	l.Error("error")
	l.Success("success")
	l.Request("tools/call", nil)
	l.Response("tools/call", nil)
	l.Notification("notifications/tools/list_changed", nil)
	if l.Verbose() {
		t.Error("nil logger must not report verbose")
	}
}

func TestBasicLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLoggerWithWriter(false, false, false, buf)

	l.Info("hello %d", 1)
	l.Warning("careful")
	l.Error("boom")
	l.Success("done")

	out := buf.String()
	for _, want := range []string{"INFO", "hello 1", "WARN", "careful", "ERROR", "boom", "OK", "done"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestJSONRPCTracingGated(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLoggerWithWriter(false, false, false, buf)
	l.Request("tools/list", map[string]string{"a": "b"})
	l.Response("tools/list", nil)
	if buf.Len() != 0 {
		t.Errorf("tracing disabled but output produced: %q", buf.String())
	}

	buf.Reset()
	l = NewLoggerWithWriter(false, false, true, buf)
	l.Request("tools/list", map[string]string{"a": "b"})
	if !strings.Contains(buf.String(), "tools/list") {
		t.Errorf("expected traced request, got %q", buf.String())
	}
}

func TestColorOutput(t *testing.T) {
	buf := &bytes.Buffer{}
	l := NewLoggerWithWriter(false, true, false, buf)
	l.Info("colored")
	if !strings.Contains(buf.String(), "\033[") {
		t.Errorf("expected ANSI escape in colored output, got %q", buf.String())
	}
}
