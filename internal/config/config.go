// Package config provides configuration loading for the gateway: defaults,
// an optional YAML or TOML file, then environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in the smtp and imap sections.
const (
	TransportMemory = "memory"
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportGraph  = "graph"
	TransportIMAP   = "imap"
)

// Originator policies for the mapping section. Under OriginatorAlias only an
// alias becomes the message sender; OriginatorRule also uses rule output and
// OriginatorNone always leaves the relay's sender in place.
const (
	OriginatorAlias = "alias"
	OriginatorRule  = "rule"
	OriginatorNone  = "none"
)

// DefaultRule is the mapping template used when none is configured.
const DefaultRule = "{G}.{S}@{O}.{C}.example"

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig     `yaml:"smtp" toml:"smtp"`
	IMAP     IMAPConfig     `yaml:"imap" toml:"imap"`
	Mapping  MappingConfig  `yaml:"mapping" toml:"mapping"`
	Security SecurityConfig `yaml:"security" toml:"security"`
	SES      SESConfig      `yaml:"ses" toml:"ses"`
	Graph    GraphConfig    `yaml:"graph" toml:"graph"`
	DKIM     DKIMConfig     `yaml:"dkim" toml:"dkim"`
	TLS      TLSConfig      `yaml:"tls" toml:"tls"`
	Poll     PollConfig     `yaml:"poll" toml:"poll"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// SMTPConfig holds the outbound relay configuration.
type SMTPConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	// TLS must be enabled for the relay to accept any message.
	TLS                bool   `yaml:"tls" toml:"tls"`
	StartTLS           bool   `yaml:"starttls" toml:"starttls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute" toml:"rate_limit_per_minute"`
	Transport          string `yaml:"transport" toml:"transport"`
	Sender             string `yaml:"sender" toml:"sender"`
}

// IMAPConfig holds the inbound mailbox configuration.
type IMAPConfig struct {
	Host               string `yaml:"host" toml:"host"`
	Port               int    `yaml:"port" toml:"port"`
	TLS                bool   `yaml:"tls" toml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	Mailbox            string `yaml:"mailbox" toml:"mailbox"`
	Username           string `yaml:"username" toml:"username"`
	Password           string `yaml:"password" toml:"password"`
	Transport          string `yaml:"transport" toml:"transport"`
}

// MappingConfig holds the ordered rule templates and the alias table keyed by
// O/R string.
type MappingConfig struct {
	Rules   []string          `yaml:"rules" toml:"rules"`
	Aliases map[string]string `yaml:"aliases" toml:"aliases"`
	// Originator decides whether a mapped originator replaces the relay's
	// sender. Empty means OriginatorAlias.
	Originator string `yaml:"originator" toml:"originator"`
}

// SecurityConfig holds outbound policy settings.
type SecurityConfig struct {
	DomainAllowList []string `yaml:"domain_allow_list" toml:"domain_allow_list"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Sender          string `yaml:"sender" toml:"sender"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	Sender       string `yaml:"sender" toml:"sender"`
}

// DKIMConfig holds the optional DKIM signing key for outbound mail.
type DKIMConfig struct {
	Domain   string `yaml:"domain" toml:"domain"`
	Selector string `yaml:"selector" toml:"selector"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
}

// TLSConfig holds an optional client certificate and CA bundle used when
// connecting to the relay and mailbox servers.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`
}

// PollConfig controls the inbound poll daemon.
type PollConfig struct {
	Interval  time.Duration `yaml:"interval" toml:"interval"`
	BatchSize int           `yaml:"batch_size" toml:"batch_size"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file, or a TOML file when the
// path ends in ".toml", as the base layer, then overrides with environment
// variables. Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, nil
}

// Validate reports every configuration problem that would prevent the
// gateway from starting.
func (c *Config) Validate() error {
	var errs []error

	switch c.SMTP.Transport {
	case TransportMemory, TransportSMTP, TransportSES, TransportGraph:
	default:
		errs = append(errs, fmt.Errorf("smtp.transport: unknown transport %q", c.SMTP.Transport))
	}
	switch c.IMAP.Transport {
	case TransportMemory, TransportIMAP:
	default:
		errs = append(errs, fmt.Errorf("imap.transport: unknown transport %q", c.IMAP.Transport))
	}

	switch c.Mapping.Originator {
	case "", OriginatorAlias, OriginatorRule, OriginatorNone:
	default:
		errs = append(errs, fmt.Errorf("mapping.originator: unknown policy %q", c.Mapping.Originator))
	}
	if len(c.Mapping.Rules) == 0 && len(c.Mapping.Aliases) == 0 {
		errs = append(errs, errors.New("mapping: no rules and no aliases configured"))
	}
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port: %d out of range", c.SMTP.Port))
	}
	if c.IMAP.Port <= 0 || c.IMAP.Port > 65535 {
		errs = append(errs, fmt.Errorf("imap.port: %d out of range", c.IMAP.Port))
	}
	if c.SMTP.Transport == TransportSES && !c.SESConfigured() {
		errs = append(errs, errors.New("ses: region and sender are required for the ses transport"))
	}
	if c.SMTP.Transport == TransportGraph && !c.GraphConfigured() {
		errs = append(errs, errors.New("graph: tenant_id, client_id, client_secret and sender are required for the graph transport"))
	}
	if c.DKIMConfigured() && (c.DKIM.Domain == "" || c.DKIM.Selector == "") {
		errs = append(errs, errors.New("dkim: domain and selector are required with key_file"))
	}
	if c.Poll.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("poll.batch_size: must be positive, got %d", c.Poll.BatchSize))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval: must be positive, got %s", c.Poll.Interval))
	}

	return errors.Join(errs...)
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// DKIMConfigured returns true if a DKIM key file is set.
func (c *Config) DKIMConfigured() bool {
	return c.DKIM.KeyFile != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// Addr returns the relay's host:port.
func (s SMTPConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Addr returns the mailbox server's host:port.
func (i IMAPConfig) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "smtp.example.com"
	c.SMTP.Port = 587
	c.SMTP.TLS = true
	c.SMTP.StartTLS = true
	c.SMTP.RateLimitPerMinute = 120
	c.SMTP.Transport = TransportMemory

	c.IMAP.Host = "imap.example.com"
	c.IMAP.Port = 993
	c.IMAP.TLS = true
	c.IMAP.Mailbox = "Inbox"
	c.IMAP.Transport = TransportMemory

	c.Mapping.Rules = []string{DefaultRule}
	c.Mapping.Originator = OriginatorAlias
	c.Security.DomainAllowList = []string{"example.com"}

	c.DKIM.Selector = "default"

	c.Poll.Interval = 30 * time.Second
	c.Poll.BatchSize = 16

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	setString(&c.SMTP.Host, "GATEWAY_SMTP_HOST")
	setInt(&c.SMTP.Port, "GATEWAY_SMTP_PORT")
	setBool(&c.SMTP.TLS, "GATEWAY_SMTP_TLS")
	setBool(&c.SMTP.StartTLS, "GATEWAY_SMTP_STARTTLS")
	setString(&c.SMTP.Username, "GATEWAY_SMTP_USERNAME")
	setString(&c.SMTP.Password, "GATEWAY_SMTP_PASSWORD")
	setInt(&c.SMTP.RateLimitPerMinute, "GATEWAY_SMTP_RATE_LIMIT")
	setString(&c.SMTP.Sender, "GATEWAY_SMTP_SENDER")
	if v := os.Getenv("GATEWAY_SMTP_TRANSPORT"); v != "" {
		c.SMTP.Transport = strings.ToLower(v)
	}

	setString(&c.IMAP.Host, "GATEWAY_IMAP_HOST")
	setInt(&c.IMAP.Port, "GATEWAY_IMAP_PORT")
	setBool(&c.IMAP.TLS, "GATEWAY_IMAP_TLS")
	setString(&c.IMAP.Mailbox, "GATEWAY_IMAP_MAILBOX")
	setString(&c.IMAP.Username, "GATEWAY_IMAP_USERNAME")
	setString(&c.IMAP.Password, "GATEWAY_IMAP_PASSWORD")
	if v := os.Getenv("GATEWAY_IMAP_TRANSPORT"); v != "" {
		c.IMAP.Transport = strings.ToLower(v)
	}

	if v := os.Getenv("GATEWAY_MAPPING_RULES"); v != "" {
		c.Mapping.Rules = splitList(v)
	}
	if v := os.Getenv("GATEWAY_MAPPING_ORIGINATOR"); v != "" {
		c.Mapping.Originator = strings.ToLower(v)
	}
	if v := os.Getenv("GATEWAY_SECURITY_ALLOW"); v != "" {
		c.Security.DomainAllowList = splitList(v)
	}

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setString(&c.DKIM.Domain, "DKIM_DOMAIN")
	setString(&c.DKIM.Selector, "DKIM_SELECTOR")
	setString(&c.DKIM.KeyFile, "DKIM_KEY_FILE")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")
	setString(&c.TLS.CAFile, "TLS_CA_FILE")

	if v := os.Getenv("GATEWAY_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Poll.Interval = d
		}
	}
	setInt(&c.Poll.BatchSize, "GATEWAY_POLL_BATCH_SIZE")

	setString(&c.Metrics.Listen, "METRICS_LISTEN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// setInt ignores values that do not parse, keeping the previous value.
func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
