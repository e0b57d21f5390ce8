package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"capsule-go/internal/scheduler"
)

// ErrInvalid is wrapped by every problem reported from Validate.
var ErrInvalid = errors.New("invalid configuration")

// DefaultInstanceID names the mirror when no config file sets one.
const DefaultInstanceID = "default"

// Config is the top-level configuration for capsule.
type Config struct {
	// InstanceID names this mirror in the vault. Two machines backing up
	// the same workspace to one vault need distinct ids.
	InstanceID  string `toml:"instance_id"`
	NotionToken string `toml:"notion_token"`
	BaseDir     string `toml:"base_dir"`
	LogDir      string `toml:"log_dir"`
	LogLevel    string `toml:"log_level"`

	Notion     NotionConfig     `toml:"notion"`
	Backup     BackupConfig     `toml:"backup"`
	Daily      DailyConfig      `toml:"daily"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Discord    DiscordConfig    `toml:"discord"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
}

// NotionConfig controls the API client and the request gate.
type NotionConfig struct {
	BaseURL           string   `toml:"base_url"`
	Version           string   `toml:"version"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	MaxRetries        int      `toml:"max_retries"`
	BackoffFactor     float64  `toml:"backoff_factor"`
	Timeout           Duration `toml:"timeout"`
}

// BackupConfig controls the mirror run.
type BackupConfig struct {
	// OutputDir defaults to <base_dir>/mirror.
	OutputDir          string `toml:"output_dir"`
	IncludeAttachments bool   `toml:"include_attachments"`
	Incremental        bool   `toml:"incremental"`
	// Exclude holds glob patterns matched against output paths.
	Exclude           []string `toml:"exclude"`
	AttachmentWorkers int      `toml:"attachment_workers"`
}

type DailyConfig struct {
	TemplatePath string `toml:"template_path"`
	TargetPageID string `toml:"target_page_id"`
}

// SchedulerConfig drives the schedule command. An empty BackupSchedule or
// DailyTime disables that job.
type SchedulerConfig struct {
	BackupSchedule  string   `toml:"backup_schedule"`
	DailyTime       string   `toml:"daily_time"`
	Timezone        string   `toml:"timezone"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	Tick            Duration `toml:"tick"`
}

type DiscordConfig struct {
	WebhookURL      string `toml:"webhook_url"`
	NotifyOnStart   bool   `toml:"notify_on_start"`
	NotifyOnSuccess bool   `toml:"notify_on_success"`
	NotifyOnFailure bool   `toml:"notify_on_failure"`
}

// EncryptionConfig is a tagged union. Type selects the implementation.
//
//	type = "age": uses PublicKeyPath and PrivateKeyPath
//	type = "test": no fields, reversible marker encoding for testing
//	type = "": vault uploads are not encrypted
type EncryptionConfig struct {
	Type           string `toml:"type"`
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// VaultConfig is a tagged union. Type selects which fields are used.
//
//	type = "s3": uses S3Bucket, S3Prefix, S3Region and optionally S3Endpoint
//	             and static keys; without keys the default AWS chain is used
//	type = "filesystem": uses FSVaultRoot
//	type = "memory": no fields, for tests
type VaultConfig struct {
	Type string `toml:"type"`
	Name string `toml:"name"`

	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// S3PathStyle addresses the bucket in the path, as MinIO expects.
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig is a tagged union. Type selects which fields are used.
//
//	type = "sqlite": uses DataDir
//	type = "memory": in-memory database, for tests
type DatabaseConfig struct {
	Type    string `toml:"type"`
	DataDir string `toml:"data_dir,omitempty"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// NewConfig returns a Config with defaults for the given instance and base
// directory. Vaults are left empty.
func NewConfig(instanceID, baseDir string) *Config {
	return &Config{
		InstanceID: instanceID,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
		LogLevel:   "info",
		Notion: NotionConfig{
			BaseURL:           "https://api.notion.com/v1",
			Version:           "2022-06-28",
			RequestsPerSecond: 3,
			MaxRetries:        3,
			BackoffFactor:     2,
			Timeout:           Duration{30 * time.Second},
		},
		Backup: BackupConfig{
			OutputDir:          filepath.Join(baseDir, "mirror"),
			IncludeAttachments: true,
			Incremental:        true,
			AttachmentWorkers:  4,
		},
		Scheduler: SchedulerConfig{
			BackupSchedule:  "daily@02:00",
			Timezone:        "UTC",
			ShutdownTimeout: Duration{5 * time.Minute},
			Tick:            Duration{time.Second},
		},
		Discord: DiscordConfig{
			NotifyOnSuccess: true,
			NotifyOnFailure: true,
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "capsule.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "capsule.key"),
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
	}
}

// Manager reads and writes Config files.
type Manager struct{}

// Read decodes TOML from data on top of cfg, so keys missing from data
// keep the values already in cfg.
func (Manager) Read(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// Write encodes cfg as TOML.
func (Manager) Write(cfg *Config) ([]byte, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return []byte(b.String()), nil
}

// ReadFromFile reads a config file. Defaults are derived from the file's
// base_dir, then the file's own values are applied on top.
func ReadFromFile(path string) (*Config, error) {
	return readFromFile(path, "")
}

func readFromFile(path, baseDir string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var head struct {
		BaseDir string `toml:"base_dir"`
	}
	if _, err := toml.Decode(string(data), &head); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if head.BaseDir != "" {
		baseDir = head.BaseDir
	}
	cfg := NewConfig("", baseDir)
	if err := (Manager{}).Read(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file at path. baseDir roots the defaults when the
// file does not set base_dir. A missing file yields the defaults alone, so
// environment overrides can configure a run. Any other read or decode
// failure wraps ErrInvalid.
func Load(path, baseDir string) (*Config, error) {
	cfg, err := readFromFile(path, baseDir)
	if errors.Is(err, fs.ErrNotExist) {
		return NewConfig(DefaultInstanceID, baseDir), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = DefaultInstanceID
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	data, err := Manager{}.Write(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Init writes cfg to path. It fails if the file already exists.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	return writeToFile(path, cfg)
}

// ApplyEnv overrides values from the environment. getenv is os.Getenv
// outside of tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("NOTION_TOKEN"); v != "" {
		c.NotionToken = v
	}
	if v := getenv("NOTION_BACKUP_DIR"); v != "" {
		c.Backup.OutputDir = v
	}
	if v := getenv("NOTION_DAILY_PAGE"); v != "" {
		c.Daily.TargetPageID = v
	}
	if v := getenv("DISCORD_WEBHOOK_URL"); v != "" {
		c.Discord.WebhookURL = v
	}
}

// Location loads the scheduler time zone. An empty name is UTC.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Scheduler.Timezone)
}

var notionID = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// ValidID reports whether id is a workspace object id: 32 hex digits,
// with or without the dashes of the UUID form.
func ValidID(id string) bool {
	return notionID.MatchString(strings.ReplaceAll(id, "-", ""))
}

// Validate reports every problem in the configuration at once. Each
// problem wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.NotionToken == "" {
		add("notion_token is not set (set it in the config file or NOTION_TOKEN)")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		add("log_level %q must be debug, info, warn or error", c.LogLevel)
	}

	if c.Notion.RequestsPerSecond <= 0 {
		add("notion.requests_per_second must be positive, got %v", c.Notion.RequestsPerSecond)
	}
	if c.Notion.MaxRetries < 0 {
		add("notion.max_retries must not be negative, got %d", c.Notion.MaxRetries)
	}
	if c.Notion.BackoffFactor < 1 {
		add("notion.backoff_factor must be at least 1, got %v", c.Notion.BackoffFactor)
	}
	if c.Notion.BaseURL != "" {
		if u, err := url.Parse(c.Notion.BaseURL); err != nil || u.Host == "" {
			add("notion.base_url %q is not an absolute URL", c.Notion.BaseURL)
		}
	}

	if c.Backup.OutputDir == "" {
		add("backup.output_dir is not set")
	}
	if c.Backup.AttachmentWorkers < 0 {
		add("backup.attachment_workers must not be negative")
	}
	for _, p := range c.Backup.Exclude {
		if _, err := path.Match(p, ""); err != nil {
			add("backup.exclude pattern %q: %v", p, err)
		}
	}

	if id := c.Daily.TargetPageID; id != "" && !ValidID(id) {
		add("daily.target_page_id %q is not a 32 character hex id", id)
	}

	loc, err := c.Location()
	if err != nil {
		add("scheduler.timezone %q: %v", c.Scheduler.Timezone, err)
		loc = time.UTC
	}
	if s := c.Scheduler.BackupSchedule; s != "" {
		if _, err := scheduler.ParseSchedule(s, loc); err != nil {
			add("scheduler.backup_schedule: %v", err)
		}
	}
	if s := c.Scheduler.DailyTime; s != "" {
		if _, _, err := scheduler.ParseClock(s); err != nil {
			add("scheduler.daily_time: %v", err)
		}
	}
	if c.Scheduler.ShutdownTimeout.Duration < 0 || c.Scheduler.Tick.Duration < 0 {
		add("scheduler durations must not be negative")
	}

	if w := c.Discord.WebhookURL; w != "" {
		if u, err := url.Parse(w); err != nil || u.Scheme != "https" || u.Host == "" {
			add("discord.webhook_url must be an https URL")
		}
	}

	names := make(map[string]bool)
	for i, v := range c.Vaults {
		if names[v.Name] {
			add("vaults[%d]: duplicate name %q", i, v.Name)
		}
		names[v.Name] = true
		switch v.Type {
		case "s3":
			if v.S3Bucket == "" || v.S3Region == "" {
				add("vaults[%d]: s3 vault needs s3_bucket and s3_region", i)
			}
		case "filesystem":
			if v.FSVaultRoot == "" {
				add("vaults[%d]: filesystem vault needs fs_vault_root", i)
			}
		case "memory":
		default:
			add("vaults[%d]: unknown vault type %q", i, v.Type)
		}
	}

	switch c.Encryption.Type {
	case "", "test":
	case "age":
		if c.Encryption.PublicKeyPath == "" || c.Encryption.PrivateKeyPath == "" {
			add("encryption: age needs public_key_path and private_key_path")
		}
	default:
		add("encryption: unknown type %q", c.Encryption.Type)
	}

	switch c.Database.Type {
	case "memory":
	case "sqlite":
		if c.Database.DataDir == "" {
			add("database: sqlite needs data_dir")
		}
	default:
		add("database: unknown type %q", c.Database.Type)
	}

	return errors.Join(errs...)
}
