package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spacehook/spacehook/internal/preflight"
	"github.com/spacehook/spacehook/internal/repoconfig"
	"github.com/spf13/cobra"
)

func newCheckConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config <file>",
		Short: "Validate a repository configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkConfig(cmd.OutOrStdout(), args[0])
		},
	}
}

func checkConfig(out io.Writer, path string) error {
	dir := filepath.Dir(path)
	store := repoconfig.NewStore(dir, filepath.Base(path))
	cfg, err := store.Load()
	if err != nil {
		return err
	}
	program, args, err := cfg.Argv()
	if err != nil {
		return err
	}

	lines := []string{
		"config: " + store.Path(),
		"command: " + cfg.RunCommand,
		fmt.Sprintf("program: %s %q", program, args),
	}
	for i, script := range cfg.SetupScripts {
		lines = append(lines, fmt.Sprintf("script %d: %s", i+1, script))
	}
	lines = append(lines, "env: "+strings.Join(cfg.EnvKeys(), ", "))
	if _, err := preflight.ResolveProgram(program, dir); err != nil {
		lines = append(lines, "warning: "+err.Error())
	}

	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write check-config output: %w", err)
	}
	return nil
}
