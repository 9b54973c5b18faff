package snapshot

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/common/errors"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func newGitBackend(t *testing.T) (*GitBackend, string) {
	t.Helper()
	return NewGitBackend(t.TempDir(), nil), t.TempDir()
}

func TestGitBackendLifecycle(t *testing.T) {
	requireGit(t)
	backend, dir := newGitBackend(t)
	ctx := context.Background()

	writeFile(t, dir, "main.go", "package main\n")

	init, err := backend.Init(ctx, "ses_1", dir)
	require.NoError(t, err)
	require.NotEmpty(t, init.ChangeID)

	// Init twice returns the same root handle.
	again, err := backend.Init(ctx, "ses_1", dir)
	require.NoError(t, err)
	assert.Equal(t, init.ChangeID, again.ChangeID)

	// The session directory stays free of git metadata.
	_, err = os.Stat(filepath.Join(dir, ".git"))
	assert.True(t, os.IsNotExist(err))

	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, dir, "util.go", "package main\n")

	second, err := backend.Commit(ctx, "ses_1", dir, "agent-turn")
	require.NoError(t, err)
	assert.False(t, second.IsEmpty)
	assert.NotEqual(t, init.ChangeID, second.ChangeID)

	diffs, err := backend.Diff(ctx, "ses_1", dir, init.ChangeID, second.ChangeID)
	require.NoError(t, err)
	require.Len(t, diffs, 2)

	byPath := make(map[string]FileDiff)
	for _, d := range diffs {
		byPath[d.Path] = d
	}
	assert.Equal(t, ChangeModified, byPath["main.go"].ChangeType)
	assert.Equal(t, 2, byPath["main.go"].AddedLines)
	assert.Equal(t, ChangeAdded, byPath["util.go"].ChangeType)

	// Restore rewinds the working copy, including untracked leftovers.
	writeFile(t, dir, "untracked.txt", "scratch\n")
	require.NoError(t, backend.Restore(ctx, "ses_1", dir, init.ChangeID))

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "util.go"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "untracked.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestGitBackendEmptyCommit(t *testing.T) {
	requireGit(t)
	backend, dir := newGitBackend(t)
	ctx := context.Background()
	writeFile(t, dir, "a.txt", "x\n")

	_, err := backend.Init(ctx, "ses_1", dir)
	require.NoError(t, err)

	second, err := backend.Commit(ctx, "ses_1", dir, "user-message")
	require.NoError(t, err)
	assert.True(t, second.IsEmpty)
	assert.NotEmpty(t, second.ChangeID)
}

func TestGitBackendErrors(t *testing.T) {
	requireGit(t)
	backend, dir := newGitBackend(t)
	ctx := context.Background()

	t.Run("init on missing directory", func(t *testing.T) {
		_, err := backend.Init(ctx, "ses_1", filepath.Join(dir, "missing"))
		require.Error(t, err)
		assert.True(t, errors.IsInvalidOperation(err))
	})

	t.Run("unknown handle reads as NotFound", func(t *testing.T) {
		writeFile(t, dir, "a.txt", "x\n")
		init, err := backend.Init(ctx, "ses_2", dir)
		require.NoError(t, err)

		_, err = backend.Diff(ctx, "ses_2", dir, init.ChangeID, "deadbeef")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))

		err = backend.Restore(ctx, "ses_2", dir, "deadbeef")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}
