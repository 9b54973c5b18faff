package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/runtime"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
	"github.com/tandemhq/tandem/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *runtime.State, *sessionmodels.Session) {
	t.Helper()
	state := runtime.NewState()
	store := NewStore(NewMemoryBackend(), storage.NewMemoryStore(), state, nil)
	session := &sessionmodels.Session{ID: "ses_1", Directory: t.TempDir()}
	return store, state, session
}

func TestRestoreRefusedDuringActiveRun(t *testing.T) {
	store, state, session := newTestStore(t)
	ctx := context.Background()

	writeFile(t, session.Directory, "a.txt", "v1\n")
	init, err := store.Init(ctx, session)
	require.NoError(t, err)

	task, err := state.Begin(ctx, session.ID, "run_1")
	require.NoError(t, err)

	err = store.Restore(ctx, session, init.ChangeID)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperation(err))

	state.Finish(task)
	require.NoError(t, store.Restore(ctx, session, init.ChangeID))
}

func TestRestoreClearsRuntimeState(t *testing.T) {
	store, state, session := newTestStore(t)
	ctx := context.Background()

	writeFile(t, session.Directory, "a.txt", "v1\n")
	init, err := store.Init(ctx, session)
	require.NoError(t, err)

	writeFile(t, session.Directory, "a.txt", "v2\n")
	second, err := store.Commit(ctx, session, "agent-turn")
	require.NoError(t, err)

	open, ok := state.OpenSnapshot(session.ID)
	require.True(t, ok)
	assert.Equal(t, second.ChangeID, open)

	require.NoError(t, store.Restore(ctx, session, init.ChangeID))

	open, ok = state.OpenSnapshot(session.ID)
	require.True(t, ok)
	assert.Equal(t, init.ChangeID, open)
}

func TestChangedFilesSorted(t *testing.T) {
	store, _, session := newTestStore(t)
	ctx := context.Background()

	writeFile(t, session.Directory, "z.txt", "z\n")
	init, err := store.Init(ctx, session)
	require.NoError(t, err)

	writeFile(t, session.Directory, "z.txt", "changed\n")
	writeFile(t, session.Directory, "a.txt", "new\n")
	writeFile(t, session.Directory, "m.txt", "new\n")
	second, err := store.Commit(ctx, session, "agent-turn")
	require.NoError(t, err)

	paths, err := store.ChangedFiles(ctx, session, init.ChangeID, second.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "m.txt", "z.txt"}, paths)
}
