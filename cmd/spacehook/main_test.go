package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spacehook/spacehook/internal/config"
	"github.com/spacehook/spacehook/internal/repoconfig"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cmd := newRootCommand()

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	for _, name := range []string{"serve", "check-config"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestServeRefusesToStartWithoutRequiredInputs(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvGitURL, "")
	t.Setenv(config.EnvWebhookSecret, "")

	cmd := newRootCommand()
	var stderr bytes.Buffer
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"serve", "--config", writeDaemonConfig(t, `port = 9000`)})

	err := cmd.ExecuteContext(context.Background())
	if err == nil {
		t.Fatal("expected serve to refuse to start")
	}
	for _, want := range []string{"git_url is required", "webhook_secret is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %v, want mention of %q", err, want)
		}
	}
}

func TestServeRejectsInvalidFlagOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(config.EnvGitURL, "https://example.com/acme/app.git")
	t.Setenv(config.EnvWebhookSecret, "s3cret")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", writeDaemonConfig(t, ``), "--port", "0"})

	err := cmd.ExecuteContext(context.Background())
	if err == nil || !strings.Contains(err.Error(), "port 0 is out of range") {
		t.Fatalf("error = %v, want port validation failure", err)
	}
}

func TestCheckConfigPrintsParsedConfiguration(t *testing.T) {
	t.Parallel()

	path := writeRepoConfig(t, "hf.toml", `
[config]
command = "sh -c 'exec ./server'"
script = ["npm ci", "npm run build"]

[env]
NODE_ENV = "production"
PORT = 3000
`)

	var out bytes.Buffer
	if err := checkConfig(&out, path); err != nil {
		t.Fatalf("check config: %v", err)
	}

	output := out.String()
	for _, want := range []string{
		"config: " + path,
		"command: sh -c 'exec ./server'",
		`program: sh ["-c" "exec ./server"]`,
		"script 1: npm ci",
		"script 2: npm run build",
		"env: NODE_ENV, PORT",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "warning:") {
		t.Fatalf("unexpected warning for sh:\n%s", output)
	}
}

func TestCheckConfigWarnsWhenProgramIsMissing(t *testing.T) {
	t.Parallel()

	path := writeRepoConfig(t, "deploy.yaml", `
config:
  command: spacehook-test-missing-binary --serve
  script:
    - make
`)

	var out bytes.Buffer
	if err := checkConfig(&out, path); err != nil {
		t.Fatalf("check config: %v", err)
	}
	if !strings.Contains(out.String(), `warning: resolve program "spacehook-test-missing-binary"`) {
		t.Fatalf("expected missing program warning:\n%s", out.String())
	}
}

func TestCheckConfigFailsOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := writeRepoConfig(t, "hf.toml", "[config]\nscript = [\"make\"]\n")

	var out bytes.Buffer
	err := checkConfig(&out, path)
	if !errors.Is(err, repoconfig.ErrMissingCommand) {
		t.Fatalf("error = %v, want ErrMissingCommand", err)
	}
	var configErr *repoconfig.ConfigError
	if !errors.As(err, &configErr) || configErr.Path != path {
		t.Fatalf("error = %#v, want ConfigError for %s", err, path)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output on failure: %q", out.String())
	}
}

func TestCheckConfigCommandRequiresOneArgument(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config"})

	if err := cmd.Execute(); err == nil {
		t.Fatal("expected argument count error")
	}
}

func writeDaemonConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write daemon config: %v", err)
	}
	return path
}

func writeRepoConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write repo config: %v", err)
	}
	return path
}
