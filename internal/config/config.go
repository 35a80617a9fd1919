package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v4"
)

// Config is the top-level application configuration.
type Config struct {
	LogLevel      string         `yaml:"log_level"`
	Connection    Connection     `yaml:"connection"`
	Sender        *SMTP          `yaml:"sender"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// SMTP holds the outgoing mail server configuration used by forward actions.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

// Connection describes the watched mail account. Fields are handed to the
// session implementation as-is.
type Connection struct {
	Protocol           string `yaml:"protocol"` // "imap" or "pop3"
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	PasswordKeyring    string `yaml:"password_keyring"`
	UseTLS             bool   `yaml:"use_tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	Mailbox            string `yaml:"mailbox"`
	MarkSeen           *bool  `yaml:"mark_seen"`

	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	ReconnectIntervalSeconds int `yaml:"reconnect_interval_seconds"`
	DecodeConcurrency        int `yaml:"decode_concurrency"`
}

// Subscription binds an action to a mailbox.
type Subscription struct {
	EventID   string `yaml:"event_id"`
	Mailbox   string `yaml:"mailbox"`
	Action    string `yaml:"action"` // "log" or "forward"
	ForwardTo string `yaml:"forward_to"`
}

// GetMailbox returns the default mailbox name, defaulting to "INBOX".
func (c *Connection) GetMailbox() string {
	if strings.TrimSpace(c.Mailbox) == "" {
		return "INBOX"
	}
	return c.Mailbox
}

// ShouldMarkSeen reports whether fetched messages are flagged \Seen.
// Unset means true.
func (c *Connection) ShouldMarkSeen() bool {
	if c.MarkSeen == nil {
		return true
	}
	return *c.MarkSeen
}

// PollInterval is how often a POP3 session checks for new mail.
func (c *Connection) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ReconnectInterval is the pause between a lost session and the next start.
func (c *Connection) ReconnectInterval() time.Duration {
	if c.ReconnectIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.ReconnectIntervalSeconds) * time.Second
}

// GetAction returns the subscription action, defaulting to "log".
func (s *Subscription) GetAction() string {
	if s.Action == "" {
		return "log"
	}
	return s.Action
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
		Connection: Connection{
			Protocol: "imap",
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Subscriptions) == 0 {
		cfg.Subscriptions = []Subscription{{}}
	}
	if cfg.Connection.Protocol == "pop3" {
		cfg.normalizePOP3()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// normalizePOP3 spells INBOX in one case, the only mailbox POP3 serves, so
// every subscription shares one mailbox name.
func (c *Config) normalizePOP3() {
	if strings.EqualFold(c.Connection.Mailbox, "INBOX") {
		c.Connection.Mailbox = "INBOX"
	}
	for i := range c.Subscriptions {
		if strings.EqualFold(c.Subscriptions[i].Mailbox, "INBOX") {
			c.Subscriptions[i].Mailbox = "INBOX"
		}
	}
}

func (c *Config) validate() error {
	conn := c.Connection
	if conn.Protocol != "pop3" && conn.Protocol != "imap" {
		return fmt.Errorf("connection: protocol must be pop3 or imap")
	}
	if conn.Host == "" {
		return fmt.Errorf("connection.host is required")
	}
	if conn.Port == 0 {
		return fmt.Errorf("connection.port is required")
	}
	if conn.Username == "" {
		return fmt.Errorf("connection.username is required")
	}
	if conn.Password != "" && conn.PasswordKeyring != "" {
		return fmt.Errorf("connection: password and password_keyring are mutually exclusive")
	}

	needSender := false
	for i, s := range c.Subscriptions {
		label := s.EventID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		switch s.GetAction() {
		case "log":
		case "forward":
			if s.ForwardTo == "" {
				return fmt.Errorf("subscription %s: forward_to is required", label)
			}
			needSender = true
		default:
			return fmt.Errorf("subscription %s: action must be log or forward", label)
		}
		if conn.Protocol == "pop3" && s.Mailbox != "" && !strings.EqualFold(s.Mailbox, "INBOX") {
			return fmt.Errorf("subscription %s: pop3 only serves INBOX", label)
		}
	}

	if needSender {
		if c.Sender == nil || c.Sender.Host == "" {
			return fmt.Errorf("sender.host is required for forward subscriptions")
		}
		if c.Sender.Port == 0 {
			return fmt.Errorf("sender.port is required for forward subscriptions")
		}
	}
	return nil
}
