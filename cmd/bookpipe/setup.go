package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/bookpipe/internal/credential"
	"github.com/nhle/bookpipe/internal/mailbox/gmail"
	"github.com/nhle/bookpipe/internal/model"
	"github.com/nhle/bookpipe/internal/theme"
)

// setupForm holds the values edited by the setup form.
type setupForm struct {
	kind     string
	address  string
	host     string
	port     string
	tls      bool
	password string
	label    string
	output   string
	interval string
	creds    string
	tool     string
	command  string
	model    string
	apiKey   string
}

func newSetupForm(cfg *model.AppConfig) *setupForm {
	return &setupForm{
		kind:     cfg.Mailbox.Kind,
		address:  cfg.Mailbox.Address,
		host:     cfg.Mailbox.Host,
		port:     cfg.Mailbox.Port,
		tls:      cfg.Mailbox.TLS,
		label:    cfg.Mailbox.Label,
		output:   cfg.Output.Root,
		interval: strconv.Itoa(cfg.Daemon.IntervalSec),
		creds:    cfg.Gmail.CredentialsFile,
		tool:     cfg.Tool.Kind,
		command:  cfg.Tool.Command,
		model:    cfg.Tool.Model,
	}
}

func (f *setupForm) build() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Mailbox transport").
				Options(
					huh.NewOption("IMAP - app password login", model.MailboxIMAP),
					huh.NewOption("Gmail API - OAuth consent", model.MailboxGmail),
				).
				Value(&f.kind),
			huh.NewInput().
				Title("Address").
				Description("Mailbox login, e.g. you@gmail.com").
				Value(&f.address).
				Validate(validateRequired("Address")),
			huh.NewInput().
				Title("Archive label").
				Description("Processed messages are copied here; the label must exist").
				Value(&f.label),
			huh.NewInput().
				Title("Output directory").
				Value(&f.output).
				Validate(validateRequired("Output directory")),
			huh.NewInput().
				Title("Daemon interval (seconds)").
				Value(&f.interval).
				Validate(validateNumber),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP host").
				Value(&f.host).
				Validate(validateRequired("IMAP host")),
			huh.NewInput().
				Title("IMAP port").
				Value(&f.port).
				Validate(validateNumber),
			huh.NewConfirm().
				Title("Use TLS").
				Value(&f.tls),
			huh.NewInput().
				Title("App password").
				Description("Stored in the system keyring; leave empty to keep the current one").
				EchoMode(huh.EchoModePassword).
				Value(&f.password),
		).WithHideFunc(func() bool { return f.kind != model.MailboxIMAP }),
		huh.NewGroup(
			huh.NewInput().
				Title("OAuth client secret").
				Description("credentials.json downloaded from Google Cloud").
				Value(&f.creds).
				Validate(validateRequired("Client secret")),
		).WithHideFunc(func() bool { return f.kind != model.MailboxGmail }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Generation backend").
				Options(
					huh.NewOption("Command - run a CLI agent in the book directory", model.ToolCommand),
					huh.NewOption("OpenAI - chat completions API", model.ToolOpenAI),
				).
				Value(&f.tool),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Command").
				Value(&f.command).
				Validate(validateRequired("Command")),
		).WithHideFunc(func() bool { return f.tool != model.ToolCommand }),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Value(&f.model).
				Validate(validateRequired("Model")),
			huh.NewInput().
				Title("API key").
				Description("Stored in the system keyring; leave empty to keep the current one").
				EchoMode(huh.EchoModePassword).
				Value(&f.apiKey),
		).WithHideFunc(func() bool { return f.tool != model.ToolOpenAI }),
	)
}

// apply copies the form values into cfg.
func (f *setupForm) apply(cfg *model.AppConfig) {
	cfg.Mailbox.Kind = f.kind
	cfg.Mailbox.Address = strings.TrimSpace(f.address)
	cfg.Mailbox.Host = strings.TrimSpace(f.host)
	cfg.Mailbox.Port = strings.TrimSpace(f.port)
	cfg.Mailbox.TLS = f.tls
	cfg.Mailbox.Label = strings.TrimSpace(f.label)
	cfg.Output.Root = strings.TrimSpace(f.output)
	cfg.Gmail.CredentialsFile = strings.TrimSpace(f.creds)
	cfg.Tool.Kind = f.tool
	cfg.Tool.Command = strings.TrimSpace(f.command)
	cfg.Tool.Model = strings.TrimSpace(f.model)
	if n, err := strconv.Atoi(strings.TrimSpace(f.interval)); err == nil && n > 0 {
		cfg.Daemon.IntervalSec = n
	}
}

func runSetup(ctx context.Context, configPath string) error {
	cfg, err := model.LoadConfig(configPath, nil)
	if err != nil {
		return err
	}

	form := newSetupForm(cfg)
	if err := form.build().RunWithContext(ctx); err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	form.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	switch cfg.Mailbox.Kind {
	case model.MailboxIMAP:
		if form.password != "" {
			if err := credential.Set(credential.MailboxKey(cfg.Mailbox.Address), form.password); err != nil {
				return err
			}
		}
	case model.MailboxGmail:
		client := gmail.NewClient(cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, cfg.Gmail.Query)
		if err := client.Authorize(ctx, promptAuthCode(ctx)); err != nil {
			return err
		}
	}

	if form.apiKey != "" {
		if err := credential.Set(credential.ToolAPIKey, form.apiKey); err != nil {
			return err
		}
	}

	if err := model.SaveConfig(configPath, cfg); err != nil {
		return err
	}

	fmt.Println(theme.SuccessStyle.Render("Saved") + " " + configPath)
	return nil
}

// promptAuthCode shows the consent URL and asks for the pasted code.
func promptAuthCode(ctx context.Context) func(string) (string, error) {
	return func(authURL string) (string, error) {
		fmt.Println(theme.HeaderStyle.Render("Gmail authorization"))
		fmt.Println("Open this URL in a browser and approve access:")
		fmt.Println()
		fmt.Println(authURL)
		fmt.Println()

		var code string
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title("Authorization code").
				Value(&code).
				Validate(validateRequired("Code")),
		)).RunWithContext(ctx)
		return code, err
	}
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateNumber(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("a number is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("must be a number")
		}
	}
	return nil
}
