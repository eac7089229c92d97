package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nhle/bookpipe/internal/dispatch"
	"github.com/nhle/bookpipe/internal/mailbox/email"
	"github.com/nhle/bookpipe/internal/mailbox/gmail"
	"github.com/nhle/bookpipe/internal/model"
)

func TestResolvePassword(t *testing.T) {
	keyring := func(key string) (string, error) {
		if key == "mailbox-me@example.com" {
			return "from-keyring", nil
		}
		return "", errors.New("not found")
	}

	got, err := resolvePassword(model.MailboxConfig{Address: "me@example.com", Password: "from-env"}, keyring)
	if err != nil || got != "from-env" {
		t.Errorf("env password: got %q, %v", got, err)
	}

	got, err = resolvePassword(model.MailboxConfig{Address: "me@example.com"}, keyring)
	if err != nil || got != "from-keyring" {
		t.Errorf("keyring password: got %q, %v", got, err)
	}

	if _, err := resolvePassword(model.MailboxConfig{Address: "other@example.com"}, keyring); err == nil {
		t.Error("expected error when no password is available")
	}
}

func TestNewMailbox(t *testing.T) {
	noSecret := func(string) (string, error) { return "pw", nil }

	cfg := &model.AppConfig{Mailbox: model.MailboxConfig{Kind: model.MailboxIMAP, Address: "me@example.com"}}
	box, err := newMailbox(cfg, noSecret)
	if err != nil {
		t.Fatalf("imap: %v", err)
	}
	if _, ok := box.(*email.IMAPClient); !ok {
		t.Errorf("imap mailbox = %T", box)
	}

	cfg.Mailbox.Kind = model.MailboxGmail
	box, err = newMailbox(cfg, noSecret)
	if err != nil {
		t.Fatalf("gmail: %v", err)
	}
	if _, ok := box.(*gmail.Client); !ok {
		t.Errorf("gmail mailbox = %T", box)
	}

	cfg = &model.AppConfig{Mailbox: model.MailboxConfig{Kind: model.MailboxIMAP}}
	if _, err := newMailbox(cfg, noSecret); err == nil {
		t.Error("expected error without address")
	}
}

func TestNewRunner(t *testing.T) {
	noKey := func(string) (string, error) { return "", errors.New("not found") }

	r, err := newRunner(model.ToolConfig{Kind: model.ToolCommand, Command: "claude", Args: []string{"--verbose"}}, noKey)
	if err != nil {
		t.Fatal(err)
	}
	cr, ok := r.(*dispatch.CommandRunner)
	if !ok || cr.Command != "claude" || len(cr.ExtraArgs) != 1 {
		t.Errorf("runner = %#v", r)
	}

	if _, err := newRunner(model.ToolConfig{Kind: model.ToolOpenAI, Model: "m"}, noKey); err == nil {
		t.Error("expected error for openai without key")
	}

	stored := func(key string) (string, error) {
		if key == "tool-api-key" {
			return "sk-test", nil
		}
		return "", errors.New("not found")
	}
	r, err = newRunner(model.ToolConfig{Kind: model.ToolOpenAI, Model: "m"}, stored)
	if err != nil {
		t.Fatalf("openai with keyring key: %v", err)
	}
	if _, ok := r.(*dispatch.OpenAIRunner); !ok {
		t.Errorf("runner = %T, want *dispatch.OpenAIRunner", r)
	}

	if _, err := newRunner(model.ToolConfig{Kind: "shell"}, noKey); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRenderHistory(t *testing.T) {
	out := renderHistory([]model.UnitSummary{{
		Name:           "chapter1",
		SourceFilename: "chapter1.txt",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC),
		Outcomes: []model.TaskOutcome{
			{Task: "article", Status: model.StatusSuccess},
			{Task: "summary", Status: model.StatusTimeout},
		},
	}})

	for _, want := range []string{"chapter1.txt", "article", "summary", "success", "timeout"} {
		if !strings.Contains(out, want) {
			t.Errorf("history output missing %q:\n%s", want, out)
		}
	}

	if empty := renderHistory(nil); !strings.Contains(empty, "nothing processed yet") {
		t.Errorf("empty history = %q", empty)
	}
}

func TestSetupFormApply(t *testing.T) {
	cfg := &model.AppConfig{Daemon: model.DaemonConfig{IntervalSec: 60}}
	f := newSetupForm(cfg)
	f.kind = model.MailboxIMAP
	f.address = " me@example.com "
	f.interval = "120"
	f.output = "/tmp/books"
	f.tool = model.ToolOpenAI
	f.model = " gpt-4o "

	f.apply(cfg)

	if cfg.Mailbox.Address != "me@example.com" || cfg.Daemon.IntervalSec != 120 || cfg.Output.Root != "/tmp/books" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Tool.Kind != model.ToolOpenAI || cfg.Tool.Model != "gpt-4o" {
		t.Errorf("tool config = %+v", cfg.Tool)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	if code := run([]string{"frobnicate"}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"interrupt", context.Canceled, 0},
		{"wrapped interrupt", fmt.Errorf("fetching 3: %w", context.Canceled), 0},
		{"failure", errors.New("mailbox unreachable"), 1},
		{"deadline", context.DeadlineExceeded, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestLogConfig(t *testing.T) {
	lc := logConfig(model.LogConfig{})
	if lc.Level != "info" || lc.Encoding != "console" || lc.File != "" {
		t.Errorf("defaults = %+v", lc)
	}

	lc = logConfig(model.LogConfig{Level: "debug", Encoding: "json", File: "/tmp/bookpipe.log"})
	if lc.Level != "debug" || lc.Encoding != "json" || lc.File != "/tmp/bookpipe.log" {
		t.Errorf("overrides = %+v", lc)
	}
}

func TestTaskNames(t *testing.T) {
	got := taskNames(dispatch.DefaultTasks())
	if strings.Join(got, ",") != "article,summary,skill" {
		t.Errorf("taskNames = %v", got)
	}
}
