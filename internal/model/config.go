package model

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Mailbox kinds.
const (
	MailboxIMAP  = "imap"
	MailboxGmail = "gmail"
)

// Tool kinds.
const (
	ToolCommand = "command"
	ToolOpenAI  = "openai"
)

// MailboxConfig holds the settings for the watched mailbox.
type MailboxConfig struct {
	// Kind selects the transport: "imap" or "gmail".
	Kind string `mapstructure:"kind" yaml:"kind"`

	// Address is the mailbox login, also used as the keyring key suffix.
	Address string `mapstructure:"address" yaml:"address"`

	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	TLS  bool   `mapstructure:"tls" yaml:"tls"`

	// Plaintext skips TLS entirely. Only loopback hosts are accepted, for
	// local bridges such as Proton Mail Bridge.
	Plaintext bool `mapstructure:"plaintext" yaml:"plaintext"`

	// Folder is the mailbox searched for unseen messages.
	Folder string `mapstructure:"folder" yaml:"folder"`

	// Label is the archive folder/label processed messages are copied to.
	Label string `mapstructure:"label" yaml:"label"`

	// CycleTimeoutSec bounds transport calls within one poll cycle.
	// Zero disables the deadline.
	CycleTimeoutSec int `mapstructure:"cycle_timeout_sec" yaml:"cycle_timeout_sec"`

	// Password is only read from the environment or the keyring.
	Password string `mapstructure:"password" yaml:"-"`
}

// GmailConfig holds OAuth settings for the Gmail API transport.
type GmailConfig struct {
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	TokenFile       string `mapstructure:"token_file" yaml:"token_file"`
	Query           string `mapstructure:"query" yaml:"query"`
}

// OutputConfig controls where unit directories are created.
type OutputConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// DaemonConfig controls continuous polling.
type DaemonConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	IntervalSec int  `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// ToolConfig describes the external generation tool.
type ToolConfig struct {
	// Kind is "command" (subprocess) or "openai" (chat completions API).
	Kind         string   `mapstructure:"kind" yaml:"kind"`
	Command      string   `mapstructure:"command" yaml:"command"`
	Args         []string `mapstructure:"args" yaml:"args"`
	AllowedTools []string `mapstructure:"allowed_tools" yaml:"allowed_tools"`
	TimeoutSec   int      `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	Parallel     bool     `mapstructure:"parallel" yaml:"parallel"`
	Model        string   `mapstructure:"model" yaml:"model"`
	BaseURL      string   `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string   `mapstructure:"api_key" yaml:"-"`
}

// TaskConfig overrides or replaces the default task list. Prompt is a
// text/template rendered with PromptInput.
type TaskConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Output string `mapstructure:"output" yaml:"output"`
	Prompt string `mapstructure:"prompt" yaml:"prompt"`
}

// ClassifierConfig holds the candidate keywords and the miss policy.
type ClassifierConfig struct {
	Keywords []string `mapstructure:"keywords" yaml:"keywords"`

	// MaxMisses marks a non-candidate as seen after it has been rejected
	// this many times. Zero reconsiders it on every poll.
	MaxMisses int `mapstructure:"max_misses" yaml:"max_misses"`
}

// ExtractConfig lists the recognized text attachment extensions.
type ExtractConfig struct {
	Extensions []string `mapstructure:"extensions" yaml:"extensions"`
}

// RecordConfig controls processing record output.
type RecordConfig struct {
	HTML bool `mapstructure:"html" yaml:"html"`
}

// StoreConfig locates the SQLite ledger. An empty path disables it.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `mapstructure:"level" yaml:"level"`
	Encoding string `mapstructure:"encoding" yaml:"encoding"`
	File     string `mapstructure:"file" yaml:"file"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Mailbox    MailboxConfig    `mapstructure:"mailbox" yaml:"mailbox"`
	Gmail      GmailConfig      `mapstructure:"gmail" yaml:"gmail"`
	Output     OutputConfig     `mapstructure:"output" yaml:"output"`
	Daemon     DaemonConfig     `mapstructure:"daemon" yaml:"daemon"`
	Tool       ToolConfig       `mapstructure:"tool" yaml:"tool"`
	Tasks      []TaskConfig     `mapstructure:"tasks" yaml:"tasks"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Extract    ExtractConfig    `mapstructure:"extract" yaml:"extract"`
	Record     RecordConfig     `mapstructure:"record" yaml:"record"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// ConfigDir returns ~/.config/bookpipe, or the working directory when the
// home directory cannot be resolved.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "bookpipe")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/bookpipe/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultKeywords are the substrings that identify a book submission:
// the scanner app name, "scan", "book" and their Japanese equivalents.
var DefaultKeywords = []string{"vflat", "スキャン", "scan", "書籍", "book"}

// DefaultExtensions are the recognized plain-text attachment extensions.
var DefaultExtensions = []string{".txt", ".text", ".md"}

// DefaultAllowedTools is the capability set granted to the generation tool.
var DefaultAllowedTools = []string{"Read", "Write", "Edit", "Glob", "Grep", "Bash"}

func setDefaults(v *viper.Viper) {
	dir := ConfigDir()

	v.SetDefault("mailbox.kind", MailboxIMAP)
	v.SetDefault("mailbox.address", "")
	v.SetDefault("mailbox.host", "imap.gmail.com")
	v.SetDefault("mailbox.port", "993")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.plaintext", false)
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("mailbox.label", "BookProcessed")
	v.SetDefault("mailbox.cycle_timeout_sec", 0)
	v.SetDefault("mailbox.password", "")
	v.SetDefault("gmail.credentials_file", filepath.Join(dir, "credentials.json"))
	v.SetDefault("gmail.token_file", filepath.Join(dir, "token.json"))
	v.SetDefault("gmail.query", "is:unread in:inbox")
	v.SetDefault("output.root", filepath.Join(".", "books"))
	v.SetDefault("daemon.enabled", false)
	v.SetDefault("daemon.interval_sec", 60)
	v.SetDefault("tool.kind", ToolCommand)
	v.SetDefault("tool.command", "claude")
	v.SetDefault("tool.args", []string{})
	v.SetDefault("tool.allowed_tools", DefaultAllowedTools)
	v.SetDefault("tool.timeout_sec", 600)
	v.SetDefault("tool.parallel", false)
	v.SetDefault("tool.model", "gpt-4o-mini")
	v.SetDefault("tool.base_url", "")
	v.SetDefault("tool.api_key", "")
	v.SetDefault("classifier.keywords", DefaultKeywords)
	v.SetDefault("classifier.max_misses", 0)
	v.SetDefault("extract.extensions", DefaultExtensions)
	v.SetDefault("record.html", false)
	v.SetDefault("store.path", filepath.Join(dir, "ledger.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.file", "")
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// then applies BOOKPIPE_* environment variables and any bound flags.
// A missing file is not an error; defaults apply.
func LoadConfig(path string, flags *pflag.FlagSet) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("BOOKPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The original deployment exported these names.
	_ = v.BindEnv("mailbox.address", "BOOKPIPE_MAILBOX_ADDRESS", "GMAIL_ADDRESS")
	_ = v.BindEnv("mailbox.password", "BOOKPIPE_MAILBOX_PASSWORD", "GMAIL_APP_PASSWORD")
	_ = v.BindEnv("tool.api_key", "BOOKPIPE_TOOL_API_KEY", "OPENAI_API_KEY")

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"daemon":    "daemon.enabled",
	"interval":  "daemon.interval_sec",
	"output":    "output.root",
	"log-level": "log.level",
	"mailbox":   "mailbox.kind",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag --%s: %w", name, err)
		}
	}
	return nil
}

// Validate checks the settings the pipeline cannot run without.
func (c *AppConfig) Validate() error {
	switch c.Mailbox.Kind {
	case MailboxIMAP, MailboxGmail:
	default:
		return fmt.Errorf("unknown mailbox kind %q", c.Mailbox.Kind)
	}

	if c.Mailbox.Plaintext && !isLoopback(c.Mailbox.Host) {
		return fmt.Errorf("mailbox.plaintext is only allowed for loopback hosts, not %q", c.Mailbox.Host)
	}

	switch c.Tool.Kind {
	case ToolCommand, ToolOpenAI:
	default:
		return fmt.Errorf("unknown tool kind %q", c.Tool.Kind)
	}

	if c.Daemon.IntervalSec <= 0 {
		return fmt.Errorf("daemon.interval_sec must be positive, got %d", c.Daemon.IntervalSec)
	}
	if c.Tool.TimeoutSec <= 0 {
		return fmt.Errorf("tool.timeout_sec must be positive, got %d", c.Tool.TimeoutSec)
	}
	if c.Output.Root == "" {
		return errors.New("output.root is required")
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Name == "" || t.Output == "" || t.Prompt == "" {
			return fmt.Errorf("tasks[%d]: name, output and prompt are required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tasks[%d]: duplicate task name %q", i, t.Name)
		}
		seen[t.Name] = true
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed. Secrets are never written.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("mailbox", cfg.Mailbox)
	v.Set("gmail", cfg.Gmail)
	v.Set("output", cfg.Output)
	v.Set("daemon", cfg.Daemon)
	v.Set("tool", cfg.Tool)
	v.Set("tasks", cfg.Tasks)
	v.Set("classifier", cfg.Classifier)
	v.Set("extract", cfg.Extract)
	v.Set("record", cfg.Record)
	v.Set("store", cfg.Store)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
