package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/errors"
	codeloadtest "github.com/teranos/codeload/internal/testing"
)

func newTestStatusStore(t *testing.T) (*StatusStore, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return NewStatusStoreWithClock(codeloadtest.CreateTestDB(t), func() time.Time { return now }), &now
}

func TestStatusStore_UnknownKeyIsPending(t *testing.T) {
	s, _ := newTestStatusStore(t)

	st, err := s.Get(context.Background(), "us-co-denver")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
	assert.Zero(t, st.ItemCount)
	assert.Nil(t, st.LastAttemptAt)
}

func TestStatusStore_Lifecycle(t *testing.T) {
	s, now := newTestStatusStore(t)
	ctx := context.Background()
	key := "us-co-denver"

	require.NoError(t, s.MarkLoading(ctx, key))
	st, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateLoading, st.State)
	require.NotNil(t, st.LastAttemptAt)

	t.Log("First attempt fails")
	require.NoError(t, s.MarkFailed(ctx, key, "all sources failed"))
	st, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "all sources failed", st.ErrorMessage)

	t.Log("A later attempt succeeds")
	*now = now.Add(time.Hour)
	require.NoError(t, s.MarkLoading(ctx, key))
	require.NoError(t, s.MarkComplete(ctx, key, 42))
	st, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, 42, st.ItemCount)
	assert.Empty(t, st.ErrorMessage)
	require.NotNil(t, st.LastSuccessAt)
	assert.True(t, st.LastSuccessAt.Equal(*now))

	t.Log("A failed refresh keeps the last good data and records the error")
	require.NoError(t, s.MarkFailed(ctx, key, "upstream 503"))
	st, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.State)
	assert.Equal(t, 42, st.ItemCount)
	assert.Equal(t, "upstream 503", st.ErrorMessage)
}

func TestStatusStore_CompleteRequiresItems(t *testing.T) {
	s, _ := newTestStatusStore(t)
	ctx := context.Background()

	err := s.MarkComplete(ctx, "us-co-denver", 0)
	assert.True(t, errors.IsInvalidInputError(err))

	st, err := s.Get(ctx, "us-co-denver")
	require.NoError(t, err)
	assert.Equal(t, StatePending, st.State)
}

func TestStatusStore_CheckConstraint(t *testing.T) {
	db := codeloadtest.CreateTestDB(t)
	_, err := db.Exec(`INSERT INTO resource_status (resource_key, state, item_count, updated_at) VALUES ('x', 'complete', 0, ?)`, time.Now().UTC())
	assert.Error(t, err, "schema rejects complete with zero items")
}

func TestStatusStore_List(t *testing.T) {
	s, now := newTestStatusStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkLoading(ctx, "a"))
	*now = now.Add(time.Minute)
	require.NoError(t, s.MarkComplete(ctx, "b", 3))
	*now = now.Add(time.Minute)
	require.NoError(t, s.MarkFailed(ctx, "c", "boom"))

	all, err := s.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ResourceKey)

	complete := StateComplete
	done, err := s.List(ctx, &complete, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].ResourceKey)
}
