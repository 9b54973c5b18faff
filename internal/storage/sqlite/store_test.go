package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSession(id string) *sessionmodels.Session {
	now := time.Now().UTC().Truncate(time.Second)
	return &sessionmodels.Session{
		ID:        id,
		ProjectID: "default",
		Directory: "/tmp/" + id,
		Title:     "Test Session",
		Version:   "1.0.0",
		Model:     "test-model",
		Plugins:   []string{"lint"},
		Time:      sessionmodels.Timestamps{Created: now, Updated: now},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	t.Run("get absent session returns nil without error", func(t *testing.T) {
		got, err := store.GetSession(ctx, "ses_missing00000")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("save and get", func(t *testing.T) {
		ses := testSession("ses_aaaaaaaaaaaa")
		ses.BypassMode = true
		require.NoError(t, store.SaveSession(ctx, ses))

		got, err := store.GetSession(ctx, ses.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, ses.Title, got.Title)
		assert.Equal(t, ses.Directory, got.Directory)
		assert.True(t, got.BypassMode)
		assert.Equal(t, []string{"lint"}, got.Plugins)
		assert.Nil(t, got.Revert)
	})

	t.Run("save is an upsert", func(t *testing.T) {
		ses := testSession("ses_aaaaaaaaaaaa")
		ses.Title = "Renamed"
		ses.Revert = &sessionmodels.Revert{MessageID: "msg_1", Snapshot: "snap-3"}
		require.NoError(t, store.SaveSession(ctx, ses))

		got, err := store.GetSession(ctx, ses.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		require.NotNil(t, got.Revert)
		assert.Equal(t, "snap-3", got.Revert.Snapshot)
	})

	t.Run("archived timestamp survives", func(t *testing.T) {
		ses := testSession("ses_bbbbbbbbbbbb")
		archived := time.Now().UTC().Truncate(time.Second)
		ses.Time.Archived = &archived
		require.NoError(t, store.SaveSession(ctx, ses))

		got, err := store.GetSession(ctx, ses.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Time.Archived)
		assert.Equal(t, archived.Unix(), got.Time.Archived.Unix())
	})

	t.Run("list returns every session", func(t *testing.T) {
		sessions, err := store.ListSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, sessions, 2)
	})
}

func TestMessagesRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	ses := testSession("ses_cccccccccccc")
	require.NoError(t, store.SaveSession(ctx, ses))

	t.Run("empty history reads as empty slice", func(t *testing.T) {
		msgs, err := store.GetMessages(ctx, ses.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("set and get preserves order and parts", func(t *testing.T) {
		now := time.Now().UTC().Truncate(time.Second)
		done := now.Add(time.Second)
		messages := []*messagemodels.Message{
			{
				ID: "msg_1", SessionID: ses.ID, Role: messagemodels.RoleUser, SortOrder: 0, Created: now,
				Parts: []*messagemodels.Part{
					{ID: "prt_1", MessageID: "msg_1", SessionID: ses.ID, Type: messagemodels.PartTypeText, SortOrder: 0, Content: "hello"},
				},
			},
			{
				ID: "msg_2", SessionID: ses.ID, Role: messagemodels.RoleAssistant, SortOrder: 1,
				Model: "test-model", InputTokens: 10, OutputTokens: 20, Created: now, Completed: &done,
				Parts: []*messagemodels.Part{
					{ID: "prt_2", MessageID: "msg_2", SessionID: ses.ID, Type: messagemodels.PartTypeText, SortOrder: 0, Content: "hi"},
					{ID: "prt_3", MessageID: "msg_2", SessionID: ses.ID, Type: messagemodels.PartTypeToolCall, SortOrder: 1,
						ToolName: "bash", Input: []byte(`{"cmd":"ls"}`), Status: messagemodels.ToolStatusCompleted},
				},
			},
		}
		require.NoError(t, store.SetMessages(ctx, ses.ID, messages))

		got, err := store.GetMessages(ctx, ses.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "msg_1", got[0].ID)
		assert.Equal(t, messagemodels.RoleUser, got[0].Role)
		require.Len(t, got[1].Parts, 2)
		assert.Equal(t, "hello", got[0].Parts[0].Content)
		assert.Equal(t, messagemodels.PartTypeToolCall, got[1].Parts[1].Type)
		assert.Equal(t, "bash", got[1].Parts[1].ToolName)
		assert.JSONEq(t, `{"cmd":"ls"}`, string(got[1].Parts[1].Input))
		assert.Equal(t, int64(20), got[1].OutputTokens)
		require.NotNil(t, got[1].Completed)
	})

	t.Run("set replaces previous history", func(t *testing.T) {
		require.NoError(t, store.SetMessages(ctx, ses.ID, []*messagemodels.Message{
			{ID: "msg_9", SessionID: ses.ID, Role: messagemodels.RoleUser, SortOrder: 0, Created: time.Now().UTC()},
		}))
		got, err := store.GetMessages(ctx, ses.ID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "msg_9", got[0].ID)
	})
}

func TestSnapshotHistoryRoundTrip(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	ses := testSession("ses_dddddddddddd")
	require.NoError(t, store.SaveSession(ctx, ses))

	history, err := store.GetSnapshotHistory(ctx, ses.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, store.SetSnapshotHistory(ctx, ses.ID, []string{"h0", "h1", "h2"}))
	history, err = store.GetSnapshotHistory(ctx, ses.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h0", "h1", "h2"}, history)

	// Truncation is a plain replace.
	require.NoError(t, store.SetSnapshotHistory(ctx, ses.ID, []string{"h0"}))
	history, err = store.GetSnapshotHistory(ctx, ses.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"h0"}, history)
}

func TestDeleteSessionCascades(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()

	ses := testSession("ses_eeeeeeeeeeee")
	require.NoError(t, store.SaveSession(ctx, ses))
	require.NoError(t, store.SetMessages(ctx, ses.ID, []*messagemodels.Message{
		{ID: "msg_1", SessionID: ses.ID, Role: messagemodels.RoleUser, SortOrder: 0, Created: time.Now().UTC(),
			Parts: []*messagemodels.Part{{ID: "prt_1", MessageID: "msg_1", SessionID: ses.ID, Type: messagemodels.PartTypeText, SortOrder: 0, Content: "x"}}},
	}))
	require.NoError(t, store.SetSnapshotHistory(ctx, ses.ID, []string{"h0", "h1"}))

	require.NoError(t, store.DeleteSession(ctx, ses.ID))

	got, err := store.GetSession(ctx, ses.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	msgs, err := store.GetMessages(ctx, ses.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	history, err := store.GetSnapshotHistory(ctx, ses.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Deleting again is a no-op.
	require.NoError(t, store.DeleteSession(ctx, ses.ID))
}

func TestReopenExistingDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := New(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.SaveSession(ctx, testSession("ses_ffffffffffff")))
	require.NoError(t, first.Close())

	// Schema init and migrations must be idempotent.
	second, err := New(dbPath)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	got, err := second.GetSession(ctx, "ses_ffffffffffff")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Test Session", got.Title)
}
