package future_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aoxd/aoxd/future"
	"github.com/stretchr/testify/require"
)

func TestFuture_SetThenGet(t *testing.T) {
	f := future.New()
	f.Set(42, nil)

	val, err := f.Get()
	require.NoError(t, err)
	require.Equal(t, 42, val)
	require.True(t, f.Done())
}

func TestFuture_GetBlocksUntilSet(t *testing.T) {
	f := future.New()

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := f.Get()
			require.NoError(t, err)
			results[i] = val.(int)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	f.Set(7, nil)
	wg.Wait()

	for _, r := range results {
		require.Equal(t, 7, r)
	}
}

func TestFuture_GetContextTimesOut(t *testing.T) {
	f := future.New()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.GetContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.Done())
}
