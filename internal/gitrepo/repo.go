// Package gitrepo clones and updates the single deployed repository using
// the git command line.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacehook/spacehook/internal/runner"
)

// Name derives the checkout directory name from a repository URL: the last
// path segment with any trailing ".git" removed.
func Name(url string) string {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	if url == "" {
		return ""
	}
	if index := strings.LastIndexAny(url, "/:"); index >= 0 {
		url = url[index+1:]
	}
	return strings.TrimSuffix(url, ".git")
}

// Repository is one remote repository checked out under a parent directory.
type Repository struct {
	url    string
	name   string
	parent string
	runner runner.Runner
	stat   func(string) (os.FileInfo, error)
}

// New validates url and builds a Repository rooted in parent.
func New(url, parent string, r runner.Runner) (*Repository, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("repository url is required")
	}
	name := Name(url)
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("cannot derive repository name from %q", url)
	}
	if r == nil {
		return nil, errors.New("runner is required")
	}
	parent = strings.TrimSpace(parent)
	if parent == "" {
		parent = "."
	}
	return &Repository{
		url:    url,
		name:   name,
		parent: parent,
		runner: r,
		stat:   os.Stat,
	}, nil
}

// URL returns the remote location.
func (r *Repository) URL() string { return r.url }

// Name returns the checkout directory name.
func (r *Repository) Name() string { return r.name }

// Dir returns the checkout path.
func (r *Repository) Dir() string {
	return filepath.Join(r.parent, r.name)
}

// Cloned reports whether Dir already holds a git checkout.
func (r *Repository) Cloned() bool {
	info, err := r.stat(filepath.Join(r.Dir(), ".git"))
	return err == nil && info != nil
}

// Clone runs `git clone` into Dir.
func (r *Repository) Clone(ctx context.Context) error {
	command := fmt.Sprintf("git clone %s %s", quote(r.url), quote(r.name))
	return r.run(ctx, command, r.parent)
}

// Pull fast-forwards the checkout from its upstream.
func (r *Repository) Pull(ctx context.Context) error {
	return r.run(ctx, "git pull", r.Dir())
}

func (r *Repository) run(ctx context.Context, command, dir string) error {
	result, err := r.runner.Run(ctx, command, dir)
	if err != nil {
		return err
	}
	return result.Err()
}

func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
