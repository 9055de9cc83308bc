package preflight

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Availability captures which runtime tools are present on PATH.
type Availability struct {
	Git   bool
	Shell bool
}

// Missing returns the required tools that were not found, in deterministic order.
func (a Availability) Missing() []string {
	missing := make([]string, 0, 2)
	if !a.Git {
		missing = append(missing, "git")
	}
	if !a.Shell {
		missing = append(missing, "sh")
	}
	return missing
}

// Check validates startup tool availability. It fails fast when git or sh
// is missing: clone and pull need git, and setup scripts run under sh.
func Check() (Availability, error) {
	return check(exec.LookPath)
}

func check(lookPath func(file string) (string, error)) (Availability, error) {
	if lookPath == nil {
		return Availability{}, errors.New("lookPath function is required")
	}

	availability := Availability{
		Git:   toolAvailable(lookPath, "git"),
		Shell: toolAvailable(lookPath, "sh"),
	}
	if missing := availability.Missing(); len(missing) > 0 {
		return availability, fmt.Errorf("required dependency %s not found on PATH", missing[0])
	}
	return availability, nil
}

// ResolveProgram reports where program would be found when started from
// dir. Relative paths containing a separator resolve against dir; bare
// names are looked up on PATH.
func ResolveProgram(program, dir string) (string, error) {
	return resolveProgram(program, dir, exec.LookPath)
}

func resolveProgram(program, dir string, lookPath func(file string) (string, error)) (string, error) {
	if program == "" {
		return "", errors.New("program must not be empty")
	}
	if filepath.Base(program) != program && !filepath.IsAbs(program) {
		program = filepath.Join(dir, program)
	}
	resolved, err := lookPath(program)
	if err != nil {
		return "", fmt.Errorf("resolve program %q: %w", program, err)
	}
	return resolved, nil
}

func toolAvailable(lookPath func(file string) (string, error), binary string) bool {
	_, err := lookPath(binary)
	return err == nil
}
