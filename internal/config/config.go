// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the archive server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig       `yaml:"smtp"`
	Repository RepositoryConfig `yaml:"repository"`
	Handler    HandlerConfig    `yaml:"handler"`
	Patches    []PatchConfig    `yaml:"patches"`
	Journal    JournalConfig    `yaml:"journal"`
	Spool      SpoolConfig      `yaml:"spool"`
	HTTP       HTTPConfig       `yaml:"http"`
	TLS        TLSConfig        `yaml:"tls"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string   `yaml:"listen"`
	Hostname       string   `yaml:"hostname"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	AllowedSenders []string `yaml:"allowed_senders"`
	DefaultFolder  string   `yaml:"default_folder"`
}

// RepositoryConfig holds the node store location and archive root settings.
type RepositoryConfig struct {
	Path              string `yaml:"path"`
	RootFolder        string `yaml:"root_folder"`
	Locale            string `yaml:"locale"`
	AutoCreateFolders bool   `yaml:"auto_create_folders"`
}

// HandlerConfig holds the handler-level attachment policy defaults. Folders
// may override the first three through their policy properties.
type HandlerConfig struct {
	OverwriteDuplicates                bool `yaml:"overwrite_duplicates"`
	ExtractAttachments                 bool `yaml:"extract_attachments"`
	ExtractAttachmentsAsDirectChildren bool `yaml:"extract_attachments_as_direct_children"`
	CopyEmailMetadataToAttachments     bool `yaml:"copy_email_metadata_to_attachments"`
}

// PatchConfig describes one component implementation patch. Patches have no
// environment variable form.
type PatchConfig struct {
	Name        string `yaml:"name"`
	Target      string `yaml:"target"`
	Original    string `yaml:"original"`
	Replacement string `yaml:"replacement"`
	Active      bool   `yaml:"active"`
}

// JournalConfig selects the journaling provider and its settings.
type JournalConfig struct {
	Provider string      `yaml:"provider"`
	SES      SESConfig   `yaml:"ses"`
	Graph    GraphConfig `yaml:"graph"`
}

// SESConfig holds AWS SES journaling configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
	Recipient       string `yaml:"recipient"`
}

// GraphConfig holds Microsoft Graph journaling configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
	Recipient    string `yaml:"recipient"`
}

// SpoolConfig holds the drop-directory ingestion settings. An empty dir
// disables the watcher.
type SpoolConfig struct {
	Dir    string `yaml:"dir"`
	Folder string `yaml:"folder"`
}

// HTTPConfig holds the admin API listener. An empty listen address disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if the SES journal settings name a region,
// sender, and recipient. Access keys are optional; the AWS default
// credential chain covers their absence.
func (c *Config) SESConfigured() bool {
	return c.Journal.SES.Region != "" &&
		c.Journal.SES.Sender != "" &&
		c.Journal.SES.Recipient != ""
}

// GraphConfigured returns true if all five Graph journal settings are set.
func (c *Config) GraphConfigured() bool {
	g := c.Journal.Graph
	return g.TenantID != "" &&
		g.ClientID != "" &&
		g.ClientSecret != "" &&
		g.Sender != "" &&
		g.Recipient != ""
}

// SpoolEnabled returns true if a spool directory is configured.
func (c *Config) SpoolEnabled() bool {
	return c.Spool.Dir != ""
}

// HTTPEnabled returns true if an admin API listen address is configured.
func (c *Config) HTTPEnabled() bool {
	return c.HTTP.Listen != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Repository.Path = "data/mailshelf.db"
	c.Repository.RootFolder = "Mailshelf"
	c.Repository.Locale = "en"
	c.Journal.Provider = "none"
	c.Spool.Folder = "inbound"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_ALLOWED_SENDERS"); v != "" {
		c.SMTP.AllowedSenders = splitList(v)
	}
	if v := os.Getenv("SMTP_DEFAULT_FOLDER"); v != "" {
		c.SMTP.DefaultFolder = v
	}

	if v := os.Getenv("REPO_PATH"); v != "" {
		c.Repository.Path = v
	}
	if v := os.Getenv("REPO_ROOT_FOLDER"); v != "" {
		c.Repository.RootFolder = v
	}

	if v := os.Getenv("JOURNAL_PROVIDER"); v != "" {
		c.Journal.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Journal.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Journal.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Journal.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.Journal.SES.Sender = v
	}
	if v := os.Getenv("SES_RECIPIENT"); v != "" {
		c.Journal.SES.Recipient = v
	}
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Journal.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Journal.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Journal.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Journal.Graph.Sender = v
	}
	if v := os.Getenv("GRAPH_RECIPIENT"); v != "" {
		c.Journal.Graph.Recipient = v
	}

	if v := os.Getenv("SPOOL_DIR"); v != "" {
		c.Spool.Dir = v
	}
	if v := os.Getenv("SPOOL_FOLDER"); v != "" {
		c.Spool.Folder = v
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// splitList splits a comma-separated environment value, trimming whitespace
// and dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
