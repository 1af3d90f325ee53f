package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestBuildEmitsRenamedKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, Options{Service: "marketd", Environment: "test", Level: "debug"})
	logger.Debug("listing created", slog.Uint64("listing_id", 4))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for key, want := range map[string]any{
		"message":    "listing created",
		"severity":   "DEBUG",
		"service":    "marketd",
		"env":        "test",
		"listing_id": float64(4),
	} {
		if line[key] != want {
			t.Fatalf("%s = %v, want %v", key, line[key], want)
		}
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("timestamp missing: %v", line)
	}
}

func TestBuildHonoursLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := build(&buf, Options{Service: "marketd", Level: "warn"})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
}

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.log")
	logger, closer := SetupWithOptions(Options{Service: "marketd", File: path, MaxSizeMB: 1})
	logger.Info("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("token", "secret").Value.String(); got != RedactedValue {
		t.Fatalf("token not redacted: %q", got)
	}
	if got := MaskField("method", "market_purchase").Value.String(); got != "market_purchase" {
		t.Fatalf("allowlisted key redacted: %q", got)
	}
	if got := MaskField("token", " ").Value.String(); got != " " {
		t.Fatalf("empty value altered: %q", got)
	}
	if got := MaskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig"); got != "eyJhbG…"+RedactedValue {
		t.Fatalf("unexpected masked token %q", got)
	}
}
