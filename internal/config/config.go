package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spacehook/spacehook/internal/logging"
	"github.com/spf13/pflag"
)

const (
	defaultPort             = 7860
	defaultWorkDir          = "."
	defaultRepoConfigFile   = "hf.toml"
	defaultStopGracePeriod  = 5 * time.Second
	defaultQueueSize        = 16
	defaultLogLevel         = "info"
	defaultLogFormat        = logging.FormatText
	defaultWebhookPath      = "/webhook"
	defaultWebhookRateLimit = 10
)

// Environment variables read by Load.
const (
	EnvGitURL         = "GIT_URL"
	EnvWebhookSecret  = "WEBHOOK_SECRET"
	EnvPort           = "PORT"
	EnvRepoConfigFile = "CONFIG_FILE"
	EnvWorkDir        = "SPACEHOOK_WORK_DIR"
	EnvLogLevel       = "SPACEHOOK_LOG_LEVEL"
	EnvLogFormat      = "SPACEHOOK_LOG_FORMAT"
)

// Flag names registered by BindFlags.
const (
	FlagGitURL         = "git-url"
	FlagPort           = "port"
	FlagWorkDir        = "work-dir"
	FlagRepoConfigFile = "repo-config"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
	FlagLogFile        = "log-file"
	FlagWebhookPath    = "webhook-path"
)

// Config stores daemon settings.
type Config struct {
	GitURL           string
	WebhookSecret    string
	Port             int
	WorkDir          string
	RepoConfigFile   string
	StopGracePeriod  time.Duration
	QueueSize        int
	LogLevel         string
	LogFormat        string
	LogFile          string
	WebhookPath      string
	WebhookRateLimit float64
	OTelEndpoint     string
}

type fileConfig struct {
	GitURL           *string  `toml:"git_url"`
	WebhookSecret    *string  `toml:"webhook_secret"`
	Port             *int     `toml:"port"`
	WorkDir          *string  `toml:"work_dir"`
	RepoConfigFile   *string  `toml:"repo_config_file"`
	StopGracePeriod  *string  `toml:"stop_grace_period"`
	QueueSize        *int     `toml:"queue_size"`
	LogLevel         *string  `toml:"log_level"`
	LogFormat        *string  `toml:"log_format"`
	LogFile          *string  `toml:"log_file"`
	WebhookPath      *string  `toml:"webhook_path"`
	WebhookRateLimit *float64 `toml:"webhook_rate_limit"`
	OTelEndpoint     *string  `toml:"otel_endpoint"`
}

// Load builds a Config from defaults, then config files, then environment.
// When path is set only that file is read and it must exist; otherwise
// ~/.spacehook/config.toml is overlaid by ./.spacehook/config.toml.
func Load(path string) (*Config, error) {
	cfg := defaults()

	paths, err := searchPaths(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("stat config file %q: %w", path, err)
		}
	}
	for _, candidate := range paths {
		if err := overlayFromFile(&cfg, candidate); err != nil {
			return nil, err
		}
	}
	if err := overlayFromEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Port:             defaultPort,
		WorkDir:          defaultWorkDir,
		RepoConfigFile:   defaultRepoConfigFile,
		StopGracePeriod:  defaultStopGracePeriod,
		QueueSize:        defaultQueueSize,
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		WebhookPath:      defaultWebhookPath,
		WebhookRateLimit: defaultWebhookRateLimit,
	}
}

func searchPaths(explicit string) ([]string, error) {
	if explicit != "" {
		return []string{explicit}, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	return []string{
		filepath.Join(homeDir, ".spacehook", "config.toml"),
		filepath.Join(workingDir, ".spacehook", "config.toml"),
	}, nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unknown key %q", path, undecoded[0].String())
	}

	applyStringOverrides(cfg, decoded)
	if decoded.Port != nil {
		cfg.Port = *decoded.Port
	}
	if decoded.QueueSize != nil {
		cfg.QueueSize = *decoded.QueueSize
	}
	if decoded.WebhookRateLimit != nil {
		cfg.WebhookRateLimit = *decoded.WebhookRateLimit
	}
	if decoded.StopGracePeriod != nil {
		value, err := parseDuration(*decoded.StopGracePeriod, "stop_grace_period", path)
		if err != nil {
			return err
		}
		cfg.StopGracePeriod = value
	}
	return nil
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	overrides := []struct {
		value  *string
		target *string
	}{
		{decoded.GitURL, &cfg.GitURL},
		{decoded.WebhookSecret, &cfg.WebhookSecret},
		{decoded.WorkDir, &cfg.WorkDir},
		{decoded.RepoConfigFile, &cfg.RepoConfigFile},
		{decoded.LogLevel, &cfg.LogLevel},
		{decoded.LogFormat, &cfg.LogFormat},
		{decoded.LogFile, &cfg.LogFile},
		{decoded.WebhookPath, &cfg.WebhookPath},
		{decoded.OTelEndpoint, &cfg.OTelEndpoint},
	}
	for _, override := range overrides {
		if override.value != nil {
			*override.target = strings.TrimSpace(*override.value)
		}
	}
}

func overlayFromEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		EnvGitURL:         &cfg.GitURL,
		EnvWebhookSecret:  &cfg.WebhookSecret,
		EnvRepoConfigFile: &cfg.RepoConfigFile,
		EnvWorkDir:        &cfg.WorkDir,
		EnvLogLevel:       &cfg.LogLevel,
		EnvLogFormat:      &cfg.LogFormat,
	}
	for key, target := range strs {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}

	if value, ok := lookup(EnvPort); ok && strings.TrimSpace(value) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvPort, err)
		}
		cfg.Port = port
	}
	return nil
}

// BindFlags registers the daemon's override flags on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String(FlagGitURL, "", "repository URL to clone and deploy (env GIT_URL)")
	fs.Int(FlagPort, defaultPort, "HTTP listen port (env PORT)")
	fs.String(FlagWorkDir, defaultWorkDir, "directory the repository is cloned into")
	fs.String(FlagRepoConfigFile, defaultRepoConfigFile, "repository configuration file name (env CONFIG_FILE)")
	fs.String(FlagLogLevel, defaultLogLevel, "log level: debug, info, warn, error")
	fs.String(FlagLogFormat, defaultLogFormat, "log format: text, json, logfmt")
	fs.String(FlagLogFile, "", "also append logs to this file")
	fs.String(FlagWebhookPath, defaultWebhookPath, "path webhook deliveries are received on")
}

// ApplyFlags overlays flags the user set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	if c == nil {
		return errors.New("config must not be nil")
	}

	strs := map[string]*string{
		FlagGitURL:         &c.GitURL,
		FlagWorkDir:        &c.WorkDir,
		FlagRepoConfigFile: &c.RepoConfigFile,
		FlagLogLevel:       &c.LogLevel,
		FlagLogFormat:      &c.LogFormat,
		FlagLogFile:        &c.LogFile,
		FlagWebhookPath:    &c.WebhookPath,
	}
	for name, target := range strs {
		flag := fs.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		value, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*target = strings.TrimSpace(value)
	}

	if flag := fs.Lookup(FlagPort); flag != nil && flag.Changed {
		port, err := fs.GetInt(FlagPort)
		if err != nil {
			return err
		}
		c.Port = port
	}
	return nil
}

// Validate reports every setting that would stop the daemon from starting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}

	var errs []error
	if c.GitURL == "" {
		errs = append(errs, fmt.Errorf("git_url is required (set %s)", EnvGitURL))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, fmt.Errorf("webhook_secret is required (set %s)", EnvWebhookSecret))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", c.Port))
	}
	if c.RepoConfigFile == "" {
		errs = append(errs, errors.New("repo_config_file must not be empty"))
	}
	if c.StopGracePeriod <= 0 {
		errs = append(errs, errors.New("stop_grace_period must be > 0"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be > 0"))
	}
	if c.WebhookRateLimit < 0 {
		errs = append(errs, errors.New("webhook_rate_limit must be >= 0"))
	}
	if !strings.HasPrefix(c.WebhookPath, "/") || c.WebhookPath == "/" || c.WebhookPath == "/metrics" {
		errs = append(errs, fmt.Errorf("webhook_path %q must be an absolute path other than / and /metrics", c.WebhookPath))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
