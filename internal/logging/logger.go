package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// FormatText renders human-readable lines.
	FormatText = "text"
	// FormatJSON renders one JSON object per line.
	FormatJSON = "json"
	// FormatLogfmt renders key=value lines.
	FormatLogfmt = "logfmt"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	level    string
	format   string
	filePath string
	output   io.Writer
	runID    string
}

// WithLevel sets the minimum level: debug, info, warn, or error.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		opts.level = strings.TrimSpace(level)
	}
}

// WithFormat selects text, json, or logfmt output.
func WithFormat(format string) Option {
	return func(opts *newOptions) {
		opts.format = strings.TrimSpace(format)
	}
}

// WithFile tees every record to path, appending.
func WithFile(path string) Option {
	return func(opts *newOptions) {
		opts.filePath = strings.TrimSpace(path)
	}
}

// WithOutput replaces stderr as the primary sink.
func WithOutput(w io.Writer) Option {
	return func(opts *newOptions) {
		opts.output = w
	}
}

// WithRunID configures the run_id field used in emitted log records.
func WithRunID(runID string) Option {
	return func(opts *newOptions) {
		opts.runID = strings.TrimSpace(runID)
	}
}

// RuntimeLogger writes the daemon's structured logs to stderr and,
// optionally, a file.
type RuntimeLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// ParseLevel validates a level name.
func ParseLevel(level string) (log.Level, error) {
	if strings.TrimSpace(level) == "" {
		return log.InfoLevel, nil
	}
	parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return parsed, nil
}

// ParseFormat validates a format name.
func ParseFormat(format string) (log.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		return log.TextFormatter, nil
	case FormatJSON:
		return log.JSONFormatter, nil
	case FormatLogfmt:
		return log.LogfmtFormatter, nil
	default:
		return 0, fmt.Errorf("unsupported log format %q", format)
	}
}

// New builds the daemon logger.
func New(options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	level, err := ParseLevel(resolved.level)
	if err != nil {
		return nil, err
	}
	formatter, err := ParseFormat(resolved.format)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	if resolved.output != nil {
		out = resolved.output
	}

	runtimeLogger := &RuntimeLogger{}
	if resolved.filePath != "" {
		if err := os.MkdirAll(filepath.Dir(resolved.filePath), 0o750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		// #nosec G304 -- the log path comes from operator configuration.
		file, err := os.OpenFile(resolved.filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		runtimeLogger.file = file
		runtimeLogger.path = resolved.filePath
		out = io.MultiWriter(out, file)
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	})
	if resolved.runID != "" {
		logger = logger.With("run_id", resolved.runID)
	}
	runtimeLogger.Logger = logger

	if runtimeLogger.path != "" {
		logger.Debug("logger initialized", "log_file", runtimeLogger.path)
	}

	return runtimeLogger, nil
}

// Component returns a child logger tagged with component=name.
func (r *RuntimeLogger) Component(name string) *log.Logger {
	if r == nil || r.Logger == nil {
		return log.Default().With("component", name)
	}
	return r.Logger.With("component", name)
}

// Close closes the log file, if any.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the log file path, or "" when logging only to the primary sink.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
