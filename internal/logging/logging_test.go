package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Level: "warn", Out: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("run_id", "r1").Msg("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, `"run_id":"r1"`) || !strings.Contains(out, `"timestamp"`) {
		t.Fatalf("unexpected output %s", out)
	}
}

func TestNewConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(Config{Format: "console", Out: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.Info().Msg("hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("console format wrote json: %s", buf.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}
