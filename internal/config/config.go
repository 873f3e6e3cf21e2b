// Package config loads gmailexport settings from a YAML file, GMAIL_EXPORT_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/joshsymonds/gmailexport/internal/export"
	"github.com/joshsymonds/gmailexport/internal/gmail"
)

const (
	EnvPrefix  = "GMAIL_EXPORT"
	DefaultDir = "~/.gmail_export"

	BackendAirtable = "airtable"
	BackendSQLite   = "sqlite"
)

type PDF struct {
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Probe struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
}

type Mirror struct {
	Enabled    bool          `mapstructure:"enabled"`
	Backend    string        `mapstructure:"backend"`
	BaseID     string        `mapstructure:"base_id"`
	APIKey     string        `mapstructure:"api_key"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Calls      int           `mapstructure:"calls"`
	Window     time.Duration `mapstructure:"window"`
}

// Config is the merged configuration.
type Config struct {
	CredentialsDir string            `mapstructure:"credentials_dir"`
	ExportPath     string            `mapstructure:"export_path"`
	Timezone       string            `mapstructure:"timezone"`
	Labels         []export.LabelRef `mapstructure:"labels"`
	Formats        []string          `mapstructure:"formats"`
	Overwrite      bool              `mapstructure:"overwrite"`
	RPS            int               `mapstructure:"rps"`
	PageSize       int               `mapstructure:"page_size"`
	LogLevel       string            `mapstructure:"log_level"`
	SummaryJSON    string            `mapstructure:"summary_json"`
	PDF            PDF               `mapstructure:"pdf"`
	Probe          Probe             `mapstructure:"probe"`
	Mirror         Mirror            `mapstructure:"mirror"`

	location *time.Location
	formats  export.Formats
}

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"credentials-dir": "credentials_dir",
	"export-path":     "export_path",
	"timezone":        "timezone",
	"format":          "formats",
	"overwrite":       "overwrite",
	"rps":             "rps",
	"page-size":       "page_size",
	"log-level":       "log_level",
	"summary-json":    "summary_json",
	"mirror":          "mirror.enabled",
	"mirror-backend":  "mirror.backend",
	"pdf-binary":      "pdf.binary",
}

func setDefaults(v *viper.Viper) {
	// every key needs a default for AutomaticEnv to reach it during Unmarshal
	v.SetDefault("credentials_dir", DefaultDir)
	v.SetDefault("export_path", "")
	v.SetDefault("overwrite", false)
	v.SetDefault("summary_json", "")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("formats", []string{"eml"})
	v.SetDefault("rps", 5)
	v.SetDefault("page_size", 500)
	v.SetDefault("log_level", "info")
	v.SetDefault("pdf.binary", "wkhtmltopdf")
	v.SetDefault("pdf.timeout", 2*time.Minute)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.cache_size", 1024)
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.backend", BackendAirtable)
	v.SetDefault("mirror.base_id", "")
	v.SetDefault("mirror.api_key", "")
	v.SetDefault("mirror.sqlite_path", filepath.Join(DefaultDir, "mirror.db"))
	v.SetDefault("mirror.calls", 5)
	v.SetDefault("mirror.window", time.Second)
}

// DefaultPath is ~/.gmail_export/config.yaml.
func DefaultPath() string {
	return filepath.Join(ExpandHome(DefaultDir), "config.yaml")
}

// Load reads path, or DefaultPath when path is empty. Only a missing default
// file is tolerated; a path the caller named must exist.
// Flags in flags that were set on the command line override everything else.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(ExpandHome(path))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !missing(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.CredentialsDir = ExpandHome(cfg.CredentialsDir)
	cfg.ExportPath = ExpandHome(cfg.ExportPath)
	cfg.Mirror.SQLitePath = ExpandHome(cfg.Mirror.SQLitePath)
	cfg.SummaryJSON = strings.TrimSpace(cfg.SummaryJSON)
	cfg.Formats = splitFormats(cfg.Formats)
	return cfg, nil
}

func missing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// splitFormats accepts both lists and comma separated entries, as env vars
// and repeated flags arrive differently.
func splitFormats(in []string) []string {
	var out []string
	for _, f := range in {
		for _, part := range strings.Split(f, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks everything an export run needs.
func (c *Config) Validate() error {
	var errs []error
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	c.location = loc
	if strings.TrimSpace(c.ExportPath) == "" {
		errs = append(errs, errors.New("export_path must not be empty"))
	}
	formats, err := export.ParseFormats(c.Formats)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("formats: %w", err))
	case !formats.Any():
		errs = append(errs, errors.New("formats must name at least one of eml, html, pdf, attachments, inline"))
	}
	c.formats = formats
	if len(c.Labels) == 0 {
		errs = append(errs, errors.New("labels must name at least one label"))
	}
	for i, l := range c.Labels {
		if strings.TrimSpace(l.ID) == "" && strings.TrimSpace(l.Name) == "" {
			errs = append(errs, fmt.Errorf("labels[%d] needs an id or a name", i))
		}
	}
	if c.PageSize < 1 || c.PageSize > 500 {
		errs = append(errs, fmt.Errorf("page_size must be between 1 and 500, got %d", c.PageSize))
	}
	if c.Mirror.Enabled {
		errs = append(errs, c.Mirror.validate()...)
	}
	return errors.Join(errs...)
}

func (m Mirror) validate() []error {
	var errs []error
	switch m.Backend {
	case BackendAirtable:
		if m.BaseID == "" {
			errs = append(errs, errors.New("mirror.base_id is required for the airtable backend"))
		}
	case BackendSQLite:
		if m.SQLitePath == "" {
			errs = append(errs, errors.New("mirror.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("mirror.backend must be %s or %s, got %q", BackendAirtable, BackendSQLite, m.Backend))
	}
	if m.Calls < 1 || m.Window <= 0 {
		errs = append(errs, errors.New("mirror.calls and mirror.window must be positive"))
	}
	return errs
}

// ExportOptions builds the walker options for resolved labels. Validate
// must have succeeded.
func (c *Config) ExportOptions(labels []gmail.Label) export.Options {
	return export.Options{
		Root:      c.ExportPath,
		Location:  c.location,
		Labels:    labels,
		Formats:   c.formats,
		Overwrite: c.Overwrite,
		PageSize:  c.PageSize,
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
