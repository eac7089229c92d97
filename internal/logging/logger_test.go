package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewWritesFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bookpipe.log")

	cfg := DefaultConfig()
	cfg.Encoding = "json"
	cfg.File = path

	log, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.WithField("message", "42").WithError(errors.New("boom")).Errorw("cycle failed")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	for _, want := range []string{`"message":"42"`, `"error":"boom"`, "cycle failed"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("log line missing %s: %s", want, data)
		}
	}
}
