package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/bookpipe/internal/classify"
	"github.com/nhle/bookpipe/internal/credential"
	"github.com/nhle/bookpipe/internal/dispatch"
	"github.com/nhle/bookpipe/internal/extract"
	"github.com/nhle/bookpipe/internal/logging"
	"github.com/nhle/bookpipe/internal/mailbox"
	"github.com/nhle/bookpipe/internal/mailbox/email"
	"github.com/nhle/bookpipe/internal/mailbox/gmail"
	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/pipeline"
	"github.com/nhle/bookpipe/internal/record"
	"github.com/nhle/bookpipe/internal/store"
	"github.com/nhle/bookpipe/internal/workspace"
)

// runPipeline wires the components from cfg and runs one cycle, or the
// daemon loop when enabled.
func runPipeline(ctx context.Context, cfg *model.AppConfig, log *logging.Logger) error {
	box, err := newMailbox(cfg, credential.Get)
	if err != nil {
		return err
	}

	runner, err := newRunner(cfg.Tool, credential.Get)
	if err != nil {
		return err
	}

	tasks, err := dispatch.TasksFromConfig(cfg.Tasks)
	if err != nil {
		return err
	}

	ledger, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer ledger.Close()

	ws := workspace.New(cfg.Output.Root, nil)
	dispatcher := dispatch.New(runner, tasks,
		dispatch.WithTimeout(time.Duration(cfg.Tool.TimeoutSec)*time.Second),
		dispatch.WithAllowedTools(cfg.Tool.AllowedTools),
		dispatch.WithParallel(cfg.Tool.Parallel),
		dispatch.WithLogger(log),
	)
	log.Infow("pipeline configured",
		"mailbox", cfg.Mailbox.Kind,
		"output", ws.Root(),
		"tasks", taskNames(dispatcher.Tasks()),
		"tool", cfg.Tool.Kind,
	)

	ctrl := pipeline.New(pipeline.Deps{
		Mailbox:          box,
		Classifier:       classify.New(cfg.Classifier.Keywords),
		Extractor:        extract.New(cfg.Extract.Extensions, log),
		Workspace:        ws,
		Dispatcher:       dispatcher,
		Records:          record.NewWriter(record.WithHTML(cfg.Record.HTML)),
		Marker:           pipeline.NewMarker(cfg.Mailbox.Label, log),
		Store:            ledger,
		Log:              log,
		MaxMisses:        cfg.Classifier.MaxMisses,
		TransportTimeout: time.Duration(cfg.Mailbox.CycleTimeoutSec) * time.Second,
	})

	if cfg.Daemon.Enabled {
		log.Infow("press Ctrl+C to stop")
		return ctrl.RunDaemon(ctx, time.Duration(cfg.Daemon.IntervalSec)*time.Second)
	}

	_, err = ctrl.RunOnce(ctx)
	return err
}

func taskNames(tasks []model.TaskSpec) []string {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	return names
}

// newMailbox builds the configured transport. getSecret reads the keyring
// when the password is not set in the environment.
func newMailbox(
	cfg *model.AppConfig, getSecret func(key string) (string, error),
) (mailbox.Mailbox, error) {
	switch cfg.Mailbox.Kind {
	case model.MailboxGmail:
		return gmail.NewClient(cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, cfg.Gmail.Query), nil
	case model.MailboxIMAP:
		if cfg.Mailbox.Address == "" {
			return nil, fmt.Errorf("mailbox.address is not set (run `bookpipe setup` or export GMAIL_ADDRESS)")
		}
		password, err := resolvePassword(cfg.Mailbox, getSecret)
		if err != nil {
			return nil, err
		}
		var opts []email.Option
		if cfg.Mailbox.Plaintext {
			opts = append(opts, email.WithPlaintext())
		}
		return email.NewIMAPClient(
			cfg.Mailbox.Host, cfg.Mailbox.Port,
			cfg.Mailbox.Address, password,
			cfg.Mailbox.TLS, cfg.Mailbox.Folder,
			opts...,
		), nil
	default:
		return nil, fmt.Errorf("unknown mailbox kind %q", cfg.Mailbox.Kind)
	}
}

func resolvePassword(
	cfg model.MailboxConfig, getSecret func(key string) (string, error),
) (string, error) {
	password, err := credential.Resolve(cfg.Password, credential.MailboxKey(cfg.Address), getSecret)
	if err != nil {
		return "", fmt.Errorf(
			"no password for %s: set GMAIL_APP_PASSWORD or run `bookpipe setup`: %w",
			cfg.Address, err,
		)
	}
	return password, nil
}

// newRunner builds the generation backend. The OpenAI key falls back to
// the keyring entry written by `bookpipe setup`.
func newRunner(
	cfg model.ToolConfig, getSecret func(key string) (string, error),
) (dispatch.Runner, error) {
	switch cfg.Kind {
	case model.ToolOpenAI:
		key, err := credential.Resolve(cfg.APIKey, credential.ToolAPIKey, getSecret)
		if err != nil {
			return nil, fmt.Errorf("no API key: set OPENAI_API_KEY or run `bookpipe setup`: %w", err)
		}
		return dispatch.NewOpenAIRunner(cfg.Model, key, cfg.BaseURL)
	case model.ToolCommand, "":
		return dispatch.NewCommandRunner(cfg.Command, cfg.Args...), nil
	default:
		return nil, fmt.Errorf("unknown tool kind %q", cfg.Kind)
	}
}
