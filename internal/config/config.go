package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultIMAPServer  = "imap.gmail.com"
	defaultIMAPPort    = 993
	defaultPort        = 8000
	defaultModel       = "gpt-4o-mini"
	defaultLLMTimeout  = 20 * time.Second
	defaultIMAPTimeout = 30 * time.Second
	defaultRateLimit   = 30
)

// ErrMissingCredentials is returned when the mailbox user or password is empty.
var ErrMissingCredentials = errors.New("IMAP_USER or IMAP_PASS not set")

// LLM providers understood by llm.NewModel.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Inbox    InboxConfig    `yaml:"inbox"`
	LLM      LLMConfig      `yaml:"llm"`
	Storage  StorageConfig  `yaml:"storage"`
	KB       KBConfig       `yaml:"kb"`
	Server   ServerConfig   `yaml:"server"`
	Outbound OutboundConfig `yaml:"outbound,omitempty"`
	Log      LogConfig      `yaml:"log"`
}

// InboxConfig holds IMAP settings for the support mailbox
type InboxConfig struct {
	Server   string        `yaml:"server"`   // e.g., "imap.gmail.com"
	Port     int           `yaml:"port"`     // e.g., 993
	Email    string        `yaml:"email"`    // Mailbox user
	Password string        `yaml:"password"` // App password (not main password)
	Folder   string        `yaml:"folder"`   // Folder to ingest from (default: "INBOX")
	Timeout  time.Duration `yaml:"timeout"`
	Keywords []string      `yaml:"keywords"` // Subject keywords that mark a support email
}

// Addr returns host:port for dialing.
func (c InboxConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// CheckCredentials wraps ErrMissingCredentials with the first missing
// variable name.
func (c InboxConfig) CheckCredentials() error {
	switch {
	case c.Email == "":
		return fmt.Errorf("%w: IMAP_USER", ErrMissingCredentials)
	case c.Password == "":
		return fmt.Errorf("%w: IMAP_PASS", ErrMissingCredentials)
	}
	return nil
}

type LLMConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	APIKey     string        `yaml:"api_key"`
	OllamaHost string        `yaml:"ollama_host,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Enabled reports whether a model can be constructed at all.
func (c LLMConfig) Enabled() bool {
	if c.Provider == ProviderOllama {
		return c.Model != ""
	}
	return c.APIKey != ""
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type KBConfig struct {
	Dir  string `yaml:"dir"`
	TopK int    `yaml:"top_k"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	RateLimit      int      `yaml:"rate_limit"` // requests per minute per expensive endpoint
}

// Addr returns host:port for listening.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// OutboundConfig controls delivery of approved replies. Provider "" or "none" disables delivery.
type OutboundConfig struct {
	Provider       string     `yaml:"provider"` // "none", "smtp", "resend", "sendgrid"
	From           string     `yaml:"from"`
	SMTP           SMTPConfig `yaml:"smtp,omitempty"`
	ResendAPIKey   string     `yaml:"resend_api_key,omitempty"`
	SendGridAPIKey string     `yaml:"sendgrid_api_key,omitempty"`
}

// Enabled reports whether sent replies are delivered to the customer.
func (c OutboundConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != "none"
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".deskmate")
}

func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func DefaultDBPath() string {
	return filepath.Join(configDir(), "assistant.db")
}

// Load reads the YAML file at path (a missing file is not an error), then the
// dotenv file at envFile, then applies environment overrides and defaults.
func Load(path, envFile string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := checkFilePermissions(path); err != nil {
				fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if envFile != "" {
		// Variables already present in the environment win over the file.
		_ = godotenv.Load(envFile)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Inbox.Server = getEnv("IMAP_HOST", c.Inbox.Server)
	c.Inbox.Port = getEnvInt("IMAP_PORT", c.Inbox.Port)
	c.Inbox.Email = getEnv("IMAP_USER", c.Inbox.Email)
	c.Inbox.Password = getEnv("IMAP_PASS", c.Inbox.Password)
	c.Inbox.Folder = getEnv("IMAP_FOLDER", c.Inbox.Folder)

	c.LLM.Provider = getEnv("LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.OllamaHost = getEnv("OLLAMA_HOST", c.LLM.OllamaHost)
	c.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", c.LLM.Timeout)
	switch c.LLM.Provider {
	case ProviderAnthropic:
		c.LLM.APIKey = getEnv("ANTHROPIC_API_KEY", c.LLM.APIKey)
	default:
		c.LLM.APIKey = getEnv("OPENAI_API_KEY", c.LLM.APIKey)
	}

	c.Storage.Path = getEnv("DB_PATH", c.Storage.Path)
	c.KB.Dir = getEnv("KB_DIR", c.KB.Dir)
	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvInt("PORT", c.Server.Port)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Outbound.Provider = getEnv("OUTBOUND_PROVIDER", c.Outbound.Provider)
	c.Outbound.From = getEnv("OUTBOUND_FROM", c.Outbound.From)
	c.Outbound.SMTP.Host = getEnv("SMTP_HOST", c.Outbound.SMTP.Host)
	c.Outbound.SMTP.Port = getEnvInt("SMTP_PORT", c.Outbound.SMTP.Port)
	c.Outbound.SMTP.Username = getEnv("SMTP_USER", c.Outbound.SMTP.Username)
	c.Outbound.SMTP.Password = getEnv("SMTP_PASS", c.Outbound.SMTP.Password)
	c.Outbound.ResendAPIKey = getEnv("RESEND_API_KEY", c.Outbound.ResendAPIKey)
	c.Outbound.SendGridAPIKey = getEnv("SENDGRID_API_KEY", c.Outbound.SendGridAPIKey)
}

func (c *Config) applyDefaults() {
	if c.Inbox.Server == "" {
		c.Inbox.Server = defaultIMAPServer
	}
	if c.Inbox.Port == 0 {
		c.Inbox.Port = defaultIMAPPort
	}
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.Timeout == 0 {
		c.Inbox.Timeout = defaultIMAPTimeout
	}
	if len(c.Inbox.Keywords) == 0 {
		c.Inbox.Keywords = []string{"support", "query", "request", "help"}
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenAI
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case ProviderAnthropic:
			c.LLM.Model = "claude-3-5-haiku-latest"
		case ProviderOllama:
			c.LLM.Model = "llama3.2"
		default:
			c.LLM.Model = defaultModel
		}
	}
	if c.LLM.OllamaHost == "" {
		c.LLM.OllamaHost = "http://localhost:11434"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = defaultLLMTimeout
	}

	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDBPath()
	}
	if c.KB.Dir == "" {
		c.KB.Dir = filepath.Join("docs", "kb")
	}
	if c.KB.TopK <= 0 {
		c.KB.TopK = 2
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = defaultRateLimit
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Outbound.SMTP.Port == 0 && c.Outbound.SMTP.Host != "" {
		c.Outbound.SMTP.Port = 587
	}
	// Credentials are never sent in the clear.
	if c.Outbound.SMTP.Username != "" {
		c.Outbound.SMTP.UseTLS = true
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ValidateInbox checks the mailbox settings needed before any IMAP traffic.
func (c *Config) ValidateInbox() error {
	if err := c.Inbox.CheckCredentials(); err != nil {
		return err
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// ValidateOutbound validates delivery settings (only called when delivery is enabled)
func (c *Config) ValidateOutbound() error {
	o := c.Outbound
	if !o.Enabled() {
		return nil
	}
	if o.From == "" {
		return fmt.Errorf("outbound: from address is required")
	}
	switch o.Provider {
	case "smtp":
		if o.SMTP.Host == "" {
			return fmt.Errorf("outbound.smtp: host is required")
		}
		if o.SMTP.Port == 0 {
			return fmt.Errorf("outbound.smtp: port is required")
		}
	case "resend":
		if o.ResendAPIKey == "" {
			return fmt.Errorf("outbound: resend_api_key is required")
		}
	case "sendgrid":
		if o.SendGridAPIKey == "" {
			return fmt.Errorf("outbound: sendgrid_api_key is required")
		}
	default:
		return fmt.Errorf("outbound: unknown provider %q", o.Provider)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
