package gitrepo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spacehook/spacehook/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want string
	}{
		{url: "https://github.com/acme/app.git", want: "app"},
		{url: "https://github.com/acme/app", want: "app"},
		{url: "https://github.com/acme/app/", want: "app"},
		{url: "git@github.com:acme/space.git", want: "space"},
		{url: "git@host:solo.git", want: "solo"},
		{url: "", want: ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Name(tt.url), "Name(%q)", tt.url)
	}
}

func TestNewRejectsMissingURL(t *testing.T) {
	t.Parallel()

	_, err := New("", ".", &recordingRunner{})
	require.Error(t, err)

	_, err = New("https://example.com/.git", ".", &recordingRunner{})
	require.Error(t, err)
}

func TestCloneAndPullCommands(t *testing.T) {
	t.Parallel()

	rec := &recordingRunner{}
	repo, err := New("https://github.com/acme/app.git", "/srv", rec)
	require.NoError(t, err)

	require.NoError(t, repo.Clone(context.Background()))
	require.NoError(t, repo.Pull(context.Background()))

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "git clone 'https://github.com/acme/app.git' 'app'", rec.calls[0].command)
	assert.Equal(t, "/srv", rec.calls[0].dir)
	assert.Equal(t, "git pull", rec.calls[1].command)
	assert.Equal(t, filepath.Join("/srv", "app"), rec.calls[1].dir)
}

func TestPullFailureReturnsCommandFailure(t *testing.T) {
	t.Parallel()

	rec := &recordingRunner{result: runner.Result{OK: false, ExitCode: 1, Stderr: "not a git repository"}}
	repo, err := New("https://github.com/acme/app.git", "/srv", rec)
	require.NoError(t, err)

	err = repo.Pull(context.Background())
	var failure *runner.CommandFailure
	require.ErrorAs(t, err, &failure)
	assert.Contains(t, err.Error(), "not a git repository")
}

func TestCloned(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	repo, err := New("https://github.com/acme/app.git", parent, &recordingRunner{})
	require.NoError(t, err)
	assert.False(t, repo.Cloned())

	require.NoError(t, os.MkdirAll(filepath.Join(parent, "app", ".git"), 0o750))
	assert.True(t, repo.Cloned())
}

type runnerCall struct {
	command string
	dir     string
}

type recordingRunner struct {
	calls  []runnerCall
	result runner.Result
}

func (r *recordingRunner) Run(_ context.Context, command string, dir string) (runner.Result, error) {
	r.calls = append(r.calls, runnerCall{command: command, dir: dir})
	result := r.result
	if result.ExitCode == 0 {
		result.OK = true
	}
	result.Command = command
	return result, nil
}
