package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the settings file used when --config is not given.
const DefaultPath = "settings.yaml"

// envFileName is loaded from the settings file's directory, if present.
const envFileName = ".env"

// Config represents the complete gitvcl settings document
type Config struct {
	APIURL     string           `yaml:"api_url"`
	Controller ControllerConfig `yaml:"controller"`
	Git        GitConfig        `yaml:"git"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// ControllerConfig holds the control-plane API credentials
type ControllerConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Organization string `yaml:"organization"`
}

// GitConfig configures the mirror repository
type GitConfig struct {
	RepoFolder     string `yaml:"repo_folder"`
	PushToRepo     bool   `yaml:"push_to_repo"`
	SSHKey         string `yaml:"ssh_key"`
	HTTPSTokenFile string `yaml:"https_token_file"`
	Repository     string `yaml:"repository"`
	Author         string `yaml:"author"`
	Email          string `yaml:"email"`
	Branch         string `yaml:"branch"`
	Remote         string `yaml:"remote"`
}

// LoggingConfig configures the run logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the run metrics export
type MetricsConfig struct {
	// Textfile is written in the Prometheus text format at the end of each
	// run. Empty disables the export.
	Textfile string `yaml:"textfile"`
}

// HTTPConfig configures the control-plane HTTP client
type HTTPConfig struct {
	// Timeout bounds each request. Zero means no client-side timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses the settings file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)
	baseDir := filepath.Dir(path)

	if err := loadEnvFile(filepath.Join(baseDir, envFileName)); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()
	cfg.resolvePaths(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads KEY=value pairs without overriding the environment.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.APIURL = os.ExpandEnv(c.APIURL)
	c.Controller.Username = os.ExpandEnv(c.Controller.Username)
	c.Controller.Password = os.ExpandEnv(c.Controller.Password)
	c.Controller.Organization = os.ExpandEnv(c.Controller.Organization)
	c.Git.RepoFolder = os.ExpandEnv(c.Git.RepoFolder)
	c.Git.SSHKey = os.ExpandEnv(c.Git.SSHKey)
	c.Git.HTTPSTokenFile = os.ExpandEnv(c.Git.HTTPSTokenFile)
	c.Git.Repository = os.ExpandEnv(c.Git.Repository)
	c.Git.Author = os.ExpandEnv(c.Git.Author)
	c.Git.Email = os.ExpandEnv(c.Git.Email)
	c.Logging.File = os.ExpandEnv(c.Logging.File)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Git.Branch == "" {
		c.Git.Branch = "main"
	}
	if c.Git.Remote == "" {
		c.Git.Remote = "origin"
	}
}

// resolvePaths makes relative filesystem paths relative to baseDir.
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.Git.RepoFolder = resolve(c.Git.RepoFolder)
	c.Git.SSHKey = resolve(c.Git.SSHKey)
	c.Git.HTTPSTokenFile = resolve(c.Git.HTTPSTokenFile)
	c.Logging.File = resolve(c.Logging.File)
	c.Metrics.Textfile = resolve(c.Metrics.Textfile)
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs error
	required := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = multierr.Append(errs, fmt.Errorf("%s is required", key))
		}
	}

	required(c.APIURL, "api_url")
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = multierr.Append(errs, fmt.Errorf("api_url must be an http or https URL: %s", c.APIURL))
		}
	}

	required(c.Controller.Username, "controller.username")
	required(c.Controller.Password, "controller.password")
	required(c.Controller.Organization, "controller.organization")

	required(c.Git.RepoFolder, "git.repo_folder")
	required(c.Git.Author, "git.author")
	required(c.Git.Email, "git.email")

	if c.Git.PushToRepo {
		required(c.Git.Repository, "git.repository")
	}

	// Only one auth method may be configured, matching the URL scheme
	if c.Git.SSHKey != "" && c.Git.HTTPSTokenFile != "" {
		errs = multierr.Append(errs, fmt.Errorf("git: only one of ssh_key or https_token_file may be set"))
	}
	if c.Git.PushToRepo && c.Git.Repository != "" {
		if c.Git.SSHKey != "" && !c.Git.IsSSH() {
			errs = multierr.Append(errs, fmt.Errorf("git.ssh_key is set but git.repository does not use an SSH scheme (git@ or ssh://)"))
		}
		if c.Git.HTTPSTokenFile != "" && !c.Git.IsHTTPS() {
			errs = multierr.Append(errs, fmt.Errorf("git.https_token_file is set but git.repository does not use HTTPS scheme"))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format))
	}

	if c.HTTP.Timeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("http.timeout must not be negative"))
	}

	return errs
}

// BaseURL returns the control-plane API root.
func (c *Config) BaseURL() string {
	return strings.TrimRight(c.APIURL, "/") + "/api/v1"
}

// AuthMethod returns a description of the configured git auth method
func (g *GitConfig) AuthMethod() string {
	if g.SSHKey != "" {
		return "ssh"
	}
	if g.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repository URL uses HTTPS
func (g *GitConfig) IsHTTPS() bool {
	return strings.HasPrefix(g.Repository, "https://")
}

// IsSSH returns true if the repository URL uses SSH
func (g *GitConfig) IsSSH() bool {
	return strings.HasPrefix(g.Repository, "git@") || strings.HasPrefix(g.Repository, "ssh://")
}
