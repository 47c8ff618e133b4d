package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTask(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tk := Go(ctx, func(ctx context.Context) (string, error) {
		return "done", nil
	})
	v, err := tk.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "done", v)

	expected := errors.New("boom")
	tk = Go(ctx, func(ctx context.Context) (string, error) {
		return "", expected
	})
	_, err = tk.Wait(ctx)
	require.ErrorIs(t, err, expected)

	tk = Go(ctx, func(ctx context.Context) (string, error) {
		panic("unexpected")
	})
	_, err = tk.Wait(ctx)
	require.ErrorContains(t, err, "unexpected")
}

func TestTaskCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	started := make(chan struct{})
	tk := Go(ctx, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := tk.Wait(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	select {
	case <-tk.Done():
		t.Fatal("task finished before cancel")
	default:
	}

	tk.Cancel()
	<-tk.Done()
	_, err = tk.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
