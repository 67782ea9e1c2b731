package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"relay listening", "port=9000"}},
		{"json", []string{`"msg":"relay listening"`, `"port":9000`}},
		{"TEXT", []string{"relay listening", "port=9000"}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter("info", tt.format, &buf)
			logger.Info("relay listening", KeyPort, 9000)

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output %q missing %q", out, w)
				}
			}
		})
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel  string
		logLevel     slog.Level
		shouldAppear bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelError, true},
		{"error", slog.LevelWarn, false},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.configLevel, "text", &buf)
		logger.Log(context.Background(), tc.logLevel, "frame received")

		if got := buf.Len() > 0; got != tc.shouldAppear {
			t.Errorf("level %s at config %s: appeared=%v, want %v",
				tc.logLevel, tc.configLevel, got, tc.shouldAppear)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"Error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := parseLevel(tc.input); got != tc.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	if logger == nil {
		t.Fatal("NopLogger returned nil")
	}
	logger.Error("discarded", KeyError, "boom")
}

func TestShort(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{nil, ""},
		{[]byte{0xab}, "ab"},
		{[]byte{0xde, 0xad, 0xbe, 0xef}, "deadbeef"},
		{[]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}, "deadbeef"},
	}

	for _, tt := range tests {
		if got := Short(tt.in); got != tt.want {
			t.Errorf("Short(%x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("info", "text", &buf)

	logger.Info("forward listening",
		KeyClientID, Short([]byte{0x01, 0x02, 0x03, 0x04, 0x05}),
		KeyTopic, "svc1",
		KeyPort, 40123,
	)

	out := buf.String()
	for _, want := range []string{"client_id=01020304", "topic=svc1", "port=40123"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}
