package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	wrapped := Wrap(sql.ErrNoRows, "failed to load job")

	assert.Contains(t, wrapped.Error(), "failed to load job")
	assert.True(t, Is(wrapped, sql.ErrNoRows))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("claim failed"), "Job ID: abc")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Job ID: abc", details[0])
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("job not found: %s", "abc")

	assert.Equal(t, "job not found: abc", err.Error())
	assert.True(t, IsNotFoundError(err))
	assert.True(t, IsNotFoundError(Wrap(err, "lookup")))
	assert.False(t, IsInvalidInputError(err))
}

func TestNewInvalidInputError(t *testing.T) {
	err := NewInvalidInputError("priority out of range: %d", 11)

	assert.True(t, IsInvalidInputError(err))
	assert.False(t, IsNotFoundError(err))
}

func TestNilHelpers(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidInputError(nil))
}

func TestSentinelsAreDistinct(t *testing.T) {
	budget := Wrap(ErrBudgetExceeded, "daily cap")

	assert.True(t, Is(budget, ErrBudgetExceeded))
	assert.False(t, Is(budget, ErrExtraction))
	assert.False(t, Is(budget, ErrNoSources))
}
