package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pagechat/internal/infra/config"
)

func TestJSONHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Level: "info", Format: "json"}))

	log.Info("settings loaded", "credential", "sk-live-123", "voice", "alloy")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, buf.String())
	}
	if entry["msg"] != "settings loaded" {
		t.Errorf("msg = %q, want %q", entry["msg"], "settings loaded")
	}
	if entry["credential"] != Redacted {
		t.Errorf("credential = %v, want redacted", entry["credential"])
	}
	if entry["voice"] != "alloy" {
		t.Errorf("voice = %v", entry["voice"])
	}
}

func TestRedactInsideGroup(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(newHandler(&buf, config.LoggerConfig{Format: "text"}))
	log.Info("gateway", slog.Group("auth", "token", "eyJhbGciOi"))

	if strings.Contains(buf.String(), "eyJhbGciOi") {
		t.Errorf("token leaked: %s", buf.String())
	}
}

func TestForRole(t *testing.T) {
	var buf bytes.Buffer
	log := ForRole(slog.New(newHandler(&buf, config.LoggerConfig{Format: "text"})), "broker")
	log.Info("started")
	if !strings.Contains(buf.String(), "role=broker") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenOutputTargets(t *testing.T) {
	for output, want := range map[string]io.Writer{
		"stdout":  os.Stdout,
		"stderr":  os.Stderr,
		"":        os.Stderr,
		"discard": io.Discard,
	} {
		w, closer, err := openOutput(output)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", output, err)
		}
		if w != want {
			t.Errorf("openOutput(%q) returned %T", output, w)
		}
		closer()
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagechat.log")

	log, closer, err := New(config.LoggerConfig{Level: "info", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("filtered out")
	log.Info("file output test", "key", "value")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "file output test") {
		t.Error("log file should contain the logged message")
	}
	if strings.Contains(string(data), "filtered out") {
		t.Error("debug message should be filtered at info level")
	}
}

func TestNewLoggerInvalidOutput(t *testing.T) {
	_, _, err := New(config.LoggerConfig{Output: "/nonexistent/dir/app.log"})
	if err == nil {
		t.Error("expected error for invalid output path")
	}
}
