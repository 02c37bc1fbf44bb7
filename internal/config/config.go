// Package config loads the immutable per-invocation configuration from
// environment variables, an optional config file and command-line flags.
//
// Precedence, highest first: flags, environment, config file, defaults.
// Credentials are read but never written anywhere.
package config

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/scmbridge/cbsync/internal/refs"
)

// NotifyConfig configures the failure notifier.
type NotifyConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Channels   []string `mapstructure:"channels" validate:"dive,oneof=log tracker webhook"`
	WebhookURL string   `mapstructure:"webhook_url" validate:"omitempty,url"`
	TrackerID  int      `mapstructure:"tracker_id" validate:"gte=0"`
}

// WebhookConfig configures the webhook receiver (cbsync serve).
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
	Addr   string `mapstructure:"addr" validate:"required"`
}

// Config is the full configuration of one invocation.
type Config struct {
	URL            string `mapstructure:"url" validate:"required,url"`
	Username       string `mapstructure:"username" validate:"required"`
	Password       string `mapstructure:"password" validate:"required"`
	ProjectID      string `mapstructure:"project_id" validate:"required,numeric"`
	RepositoryName string `mapstructure:"repository_name"`
	RepositoryURL  string `mapstructure:"repository_url" validate:"omitempty,url"`

	Transport   string        `mapstructure:"transport" validate:"oneof=auto rest web"`
	APIPrefixes []string      `mapstructure:"api_prefixes" validate:"dive,startswith=/"`
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=32"`

	RefPatterns     []refs.Pattern `mapstructure:"ref_patterns" validate:"dive"`
	RefPatternsFile string         `mapstructure:"ref_patterns_file"`
	// RefLinkPrefixes lists the "<PREFIX>-<digits>" prefixes that name work
	// items. Other prefixed tokens (UTF-8, SHA-256) are never linked.
	RefLinkPrefixes []string `mapstructure:"ref_link_prefixes" validate:"dive,alphanum"`

	UpdateRepositoryStatus bool `mapstructure:"update_repository_status"`
	UpdateItemStatus       bool `mapstructure:"update_item_status"`

	LocalHistoryLimit int           `mapstructure:"local_history_limit" validate:"gte=0,lte=1000"`
	ValidateAttempts  int           `mapstructure:"validate_attempts" validate:"gte=1,lte=20"`
	ValidateInterval  time.Duration `mapstructure:"validate_interval" validate:"gte=0"`

	Notify  NotifyConfig  `mapstructure:"notify"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// Environment variables bound to keys in addition to the CBSYNC_ prefixed
// form of every key (CBSYNC_CALL_TIMEOUT, CBSYNC_NOTIFY_WEBHOOK_URL, ...).
var envBindings = map[string][]string{
	"url":             {"CODEBEAMER_URL"},
	"username":        {"CODEBEAMER_USERNAME"},
	"password":        {"CODEBEAMER_PASSWORD", "CODEBEAMER_TOKEN"},
	"project_id":      {"CODEBEAMER_PROJECT_ID"},
	"repository_name": {"CODEBEAMER_REPOSITORY_NAME"},
	"repository_url":  {"GITHUB_REPO_URL"},
	"webhook.secret":  {"WEBHOOK_SECRET", "GITHUB_WEBHOOK_SECRET"},
}

// Options tell Load where to look.
type Options struct {
	// File is an explicit config file. When empty, cbsync.yaml, .yml or
	// .toml in Dir is used if present.
	File string
	Dir  string
	// Flags overrides keys by flag name (e.g. --transport, --project-id).
	Flags *pflag.FlagSet
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", "auto")
	v.SetDefault("api_prefixes", []string{"/rest/v3", "/cb/rest/v3"})
	v.SetDefault("call_timeout", 30*time.Second)
	v.SetDefault("max_retries", 3)
	v.SetDefault("concurrency", 1)
	v.SetDefault("local_history_limit", 10)
	v.SetDefault("validate_attempts", 3)
	v.SetDefault("validate_interval", 2*time.Second)
	v.SetDefault("repository_name", "")
	v.SetDefault("ref_patterns_file", "")
	v.SetDefault("ref_link_prefixes", []string{})
	v.SetDefault("update_repository_status", true)
	v.SetDefault("update_item_status", true)
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.channels", []string{})
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.tracker_id", 0)
	v.SetDefault("webhook.addr", ":8080")
}

// Load reads the configuration. It does not validate; call Validate or
// ValidateConnection before use.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CBSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		args := append([]string{key, "CBSYNC_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.File, err)
		}
	} else {
		v.SetConfigName("cbsync")
		dir := opts.Dir
		if dir == "" {
			dir = "."
		}
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if opts.Flags != nil {
		if err := bindFlags(v, opts.Flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.URL = strings.TrimSuffix(strings.TrimSpace(cfg.URL), "/")
	cfg.ProjectID = strings.TrimSpace(cfg.ProjectID)
	return &cfg, nil
}

// bindFlags maps flags such as --project-id onto project_id. Unchanged
// flags never override the environment or the config file.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !isKnownKey(key) {
			return
		}
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = fmt.Errorf("bind flag --%s: %w", f.Name, bindErr)
		}
	})
	return err
}

func isKnownKey(key string) bool {
	switch key {
	case "url", "username", "password", "project_id", "repository_name", "repository_url",
		"transport", "call_timeout", "max_retries", "concurrency", "ref_patterns_file",
		"ref_link_prefixes", "update_repository_status", "update_item_status",
		"local_history_limit", "validate_attempts", "validate_interval":
		return true
	}
	return false
}

var validate = validator.New()

// Validate checks every field the sync and validate commands need.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describe(err)
	}
	return nil
}

// ValidateConnection checks only what is needed to talk to the ALM system,
// for commands such as notify that must not fail on unrelated settings.
func (c *Config) ValidateConnection() error {
	if err := validate.StructPartial(c, "URL", "Username", "Password", "ProjectID"); err != nil {
		return describe(err)
	}
	return nil
}

// describe turns validator errors into one readable message naming the
// offending keys.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", keyFor(fe.Namespace()), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

var keyNames = map[string]string{
	"URL": "url (CODEBEAMER_URL)", "Username": "username (CODEBEAMER_USERNAME)",
	"Password": "password (CODEBEAMER_PASSWORD)", "ProjectID": "project_id (CODEBEAMER_PROJECT_ID)",
	"RepositoryURL": "repository_url (GITHUB_REPO_URL)",
}

func keyFor(namespace string) string {
	field := strings.TrimPrefix(namespace, "Config.")
	if k, ok := keyNames[field]; ok {
		return k
	}
	return field
}

// Extractor builds the work-item reference extractor from the pattern file
// or the inline patterns, falling back to the built-in defaults.
func (c *Config) Extractor() (*refs.Extractor, error) {
	ex, err := refs.FromFileOrDefault(c.RefPatternsFile, c.RefPatterns)
	if err != nil {
		return nil, err
	}
	return ex.WithLinkPrefixes(c.RefLinkPrefixes), nil
}

// ProjectNumber returns the project id as an integer.
func (c *Config) ProjectNumber() int {
	n, _ := strconv.Atoi(c.ProjectID)
	return n
}

// RepoURL returns the configured repository URL, or fallback.
func (c *Config) RepoURL(fallback string) string {
	if c.RepositoryURL != "" {
		return c.RepositoryURL
	}
	return fallback
}

// RepoDisplayName returns the ALM display name of the repository: the
// configured name, or "GitHub-<name>" derived from the repository URL.
func (c *Config) RepoDisplayName(fallbackURL string) string {
	if c.RepositoryName != "" {
		return c.RepositoryName
	}
	u := strings.TrimSuffix(strings.TrimSuffix(c.RepoURL(fallbackURL), "/"), ".git")
	if u == "" {
		return ""
	}
	return "GitHub-" + path.Base(u)
}

// Redacted returns a copy safe for logging.
func (c *Config) Redacted() Config {
	r := *c
	if r.Password != "" {
		r.Password = "********"
	}
	if r.Webhook.Secret != "" {
		r.Webhook.Secret = "********"
	}
	return r
}
