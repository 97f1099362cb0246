package pulse

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressFromContext_NoReporter(t *testing.T) {
	r := ProgressFromContext(context.Background())
	require.NotNil(t, r)
	assert.NoError(t, r.Report(context.Background(), 50, "halfway"))
}

func TestProgressFromContext_Attached(t *testing.T) {
	var got []int
	ctx := WithProgress(context.Background(), ProgressFunc(func(_ context.Context, p int, _ string) error {
		got = append(got, p)
		return nil
	}))

	r := ProgressFromContext(ctx)
	require.NoError(t, r.Report(ctx, 5, "discovering"))
	require.NoError(t, r.Report(ctx, 33, "fetched"))

	assert.Equal(t, []int{5, 33}, got)
}
