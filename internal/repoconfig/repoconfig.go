// Package repoconfig loads the build configuration that lives inside the
// deployed repository: the run command, the ordered setup scripts, and an
// optional environment overlay for the managed process.
//
// A file is either accepted whole or rejected; Store never exposes a
// partially parsed configuration.
package repoconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/mattn/go-shellwords"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultFileName is the repository configuration file looked up at the
	// repository root.
	DefaultFileName = "hf.toml"
	// LegacyFileName is the ini file older repositories carry. It is read
	// when DefaultFileName is configured but absent.
	LegacyFileName = "hf.conf"
)

var (
	// ErrMissingConfigSection means the file has no [config] section.
	ErrMissingConfigSection = errors.New("no config section found in config file")
	// ErrMissingCommand means config.command is absent or blank.
	ErrMissingCommand = errors.New("no command found in config file")
	// ErrMissingSetupScripts means config.script is absent or has no entries.
	ErrMissingSetupScripts = errors.New("no setup scripts found in config file")
)

// RepositoryConfig is one validated repository configuration.
type RepositoryConfig struct {
	RunCommand   string
	SetupScripts []string
	Env          map[string]string
}

// Argv splits RunCommand into a program and its arguments using shell
// word rules, so quoted arguments survive.
func (c RepositoryConfig) Argv() (string, []string, error) {
	words, err := shellwords.Parse(c.RunCommand)
	if err != nil {
		return "", nil, fmt.Errorf("parse run command %q: %w", c.RunCommand, err)
	}
	if len(words) == 0 {
		return "", nil, ErrMissingCommand
	}
	return words[0], words[1:], nil
}

// EnvKeys returns overlay keys in sorted order.
func (c RepositoryConfig) EnvKeys() []string {
	keys := make([]string, 0, len(c.Env))
	for key := range c.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c RepositoryConfig) clone() RepositoryConfig {
	out := RepositoryConfig{
		RunCommand:   c.RunCommand,
		SetupScripts: append([]string(nil), c.SetupScripts...),
		Env:          make(map[string]string, len(c.Env)),
	}
	for key, value := range c.Env {
		out.Env[key] = value
	}
	return out
}

// ConfigError wraps one of the validation sentinels with the file it came from.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("load configuration from %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

type fileConfig struct {
	Config *sectionConfig `toml:"config" yaml:"config"`
	Env    map[string]any `toml:"env" yaml:"env"`
}

type sectionConfig struct {
	Command *string `toml:"command" yaml:"command"`
	Script  any     `toml:"script" yaml:"script"`
}

// Load reads and validates the configuration file at path. The decoder is
// chosen by extension: .yaml and .yml use YAML, .conf and .ini use ini,
// anything else TOML.
func Load(path string) (RepositoryConfig, error) {
	// #nosec G304 -- path points into the checked-out repository.
	data, err := os.ReadFile(path)
	if err != nil {
		return RepositoryConfig{}, &ConfigError{Path: path, Err: err}
	}
	cfg, err := Parse(data, formatFor(path))
	if err != nil {
		return RepositoryConfig{}, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// Format names a supported file syntax.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
	FormatINI  Format = "ini"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".conf", ".ini":
		return FormatINI
	default:
		return FormatTOML
	}
}

// Parse decodes data in the given format and validates it, failing on the
// first missing field in the order section, command, scripts.
func Parse(data []byte, format Format) (RepositoryConfig, error) {
	var decoded fileConfig
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &decoded); err != nil {
			return RepositoryConfig{}, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatINI:
		var err error
		if decoded, err = decodeINI(data); err != nil {
			return RepositoryConfig{}, err
		}
	default:
		if _, err := toml.Decode(string(data), &decoded); err != nil {
			return RepositoryConfig{}, fmt.Errorf("decode toml: %w", err)
		}
	}
	return validate(decoded)
}

// decodeINI reads the [config] and [env] sections. Setup scripts are
// repeated "script[]" keys, kept in file order.
func decodeINI(data []byte) (fileConfig, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("decode ini: %w", err)
	}

	var decoded fileConfig
	if section, err := file.GetSection("config"); err == nil {
		decoded.Config = &sectionConfig{}
		if section.HasKey("command") {
			command := section.Key("command").String()
			decoded.Config.Command = &command
		}
		var scripts []any
		for _, name := range []string{"script[]", "script"} {
			if !section.HasKey(name) {
				continue
			}
			for _, script := range section.Key(name).ValueWithShadows() {
				scripts = append(scripts, script)
			}
		}
		if scripts != nil {
			decoded.Config.Script = scripts
		}
	}
	if section, err := file.GetSection("env"); err == nil {
		decoded.Env = make(map[string]any, len(section.Keys()))
		for _, key := range section.Keys() {
			decoded.Env[key.Name()] = key.String()
		}
	}
	return decoded, nil
}

func validate(decoded fileConfig) (RepositoryConfig, error) {
	if decoded.Config == nil {
		return RepositoryConfig{}, ErrMissingConfigSection
	}
	if decoded.Config.Command == nil || strings.TrimSpace(*decoded.Config.Command) == "" {
		return RepositoryConfig{}, ErrMissingCommand
	}
	scripts, err := scriptList(decoded.Config.Script)
	if err != nil {
		return RepositoryConfig{}, err
	}
	if len(scripts) == 0 {
		return RepositoryConfig{}, ErrMissingSetupScripts
	}

	cfg := RepositoryConfig{
		RunCommand:   strings.TrimSpace(*decoded.Config.Command),
		SetupScripts: scripts,
		Env:          make(map[string]string, len(decoded.Env)),
	}
	if _, _, err := cfg.Argv(); err != nil {
		return RepositoryConfig{}, fmt.Errorf("%w: %v", ErrMissingCommand, err)
	}
	for key, value := range decoded.Env {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		text, err := envValue(value)
		if err != nil {
			return RepositoryConfig{}, fmt.Errorf("parse env.%s: %w", key, err)
		}
		cfg.Env[key] = text
	}
	return cfg, nil
}

func scriptList(value any) ([]string, error) {
	var raw []any
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []any{typed}
	case []any:
		raw = typed
	case []string:
		for _, item := range typed {
			raw = append(raw, item)
		}
	default:
		return nil, fmt.Errorf("parse config.script: expected string or list, got %T", value)
	}

	scripts := make([]string, 0, len(raw))
	for index, item := range raw {
		text, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("parse config.script[%d]: must be string", index)
		}
		if text = strings.TrimSpace(text); text != "" {
			scripts = append(scripts, text)
		}
	}
	return scripts, nil
}

func envValue(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case bool, int, int64, float64:
		return fmt.Sprint(typed), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

// Store holds the most recently loaded configuration for one repository.
// A successful Load replaces it atomically; a failed Load leaves it as is.
type Store struct {
	dir     string
	file    string
	current atomic.Pointer[RepositoryConfig]
}

// NewStore builds a store reading file relative to the repository dir.
func NewStore(dir, file string) *Store {
	file = strings.TrimSpace(file)
	if file == "" {
		file = DefaultFileName
	}
	return &Store{dir: dir, file: file}
}

// Path returns the configuration file location. When the default file is
// missing and the legacy ini file exists, the legacy file is used.
func (s *Store) Path() string {
	if filepath.IsAbs(s.file) {
		return s.file
	}
	path := filepath.Join(s.dir, s.file)
	if s.file != DefaultFileName {
		return path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		legacy := filepath.Join(s.dir, LegacyFileName)
		if _, err := os.Stat(legacy); err == nil {
			return legacy
		}
	}
	return path
}

// Load reads the file fresh from disk.
func (s *Store) Load() (RepositoryConfig, error) {
	cfg, err := Load(s.Path())
	if err != nil {
		return RepositoryConfig{}, err
	}
	stored := cfg.clone()
	s.current.Store(&stored)
	return cfg, nil
}

// Current returns a copy of the last successfully loaded configuration.
func (s *Store) Current() (RepositoryConfig, bool) {
	cfg := s.current.Load()
	if cfg == nil {
		return RepositoryConfig{}, false
	}
	return cfg.clone(), true
}
