package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Deadline Tests
// =============================================================================

func TestDeadline_Unbounded(t *testing.T) {
	d := Start(0)

	assert.True(t, d.Unbounded())
	assert.False(t, d.Expired())
	assert.Equal(t, time.Second, d.Cap(time.Second))
}

func TestDeadline_Expires(t *testing.T) {
	d := Start(20 * time.Millisecond)
	assert.False(t, d.Expired())

	time.Sleep(30 * time.Millisecond)

	assert.True(t, d.Expired())
	assert.Equal(t, time.Duration(0), d.Remaining())
	assert.Equal(t, time.Duration(0), d.Cap(time.Second))
}

func TestDeadline_Context(t *testing.T) {
	d := Start(10 * time.Millisecond)
	ctx, cancel := d.Context(context.Background())
	defer cancel()

	<-ctx.Done()
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}

// =============================================================================
// Every Tests
// =============================================================================

func TestEvery_DoneImmediately(t *testing.T) {
	calls := 0
	err := Every(context.Background(), time.Hour, time.Hour, func(context.Context) (bool, error) {
		calls++
		return true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEvery_DoneAfterSeveralAttempts(t *testing.T) {
	calls := 0
	err := Every(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEvery_BudgetExceeded(t *testing.T) {
	start := time.Now()
	err := Every(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvery_ConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Every(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})

	assert.ErrorIs(t, err, boom)
}

func TestEvery_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Every(ctx, time.Hour, time.Hour, func(context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
