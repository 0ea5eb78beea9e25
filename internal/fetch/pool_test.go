package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedshare/internal/feedshare"
)

func TestPool_RunsTasks(t *testing.T) {
	p := NewPool(2)
	defer p.Close()

	records, err := p.Do(context.Background(), func(ctx context.Context) ([]feedshare.Record, error) {
		return []feedshare.Record{{ItemID: "1"}}, nil
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1", records[0].ItemID)
}

func TestPool_BoundsConcurrency(t *testing.T) {
	const workers = 2

	p := NewPool(workers)
	defer p.Close()

	var (
		running atomic.Int64
		peak    atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Do(context.Background(), func(ctx context.Context) ([]feedshare.Record, error) {
				n := running.Add(1)
				defer running.Add(-1)

				// Track the high-water mark of concurrent tasks.
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)

				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(workers))
}

func TestPool_ExpiredContextDoesNotRun(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	_, err := p.Do(ctx, func(ctx context.Context) ([]feedshare.Record, error) {
		ran = true
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}

func TestPool_PanickingTaskSurfacesAsError(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	_, err := p.Do(context.Background(), func(ctx context.Context) ([]feedshare.Record, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The worker survived and keeps serving.
	_, err = p.Do(context.Background(), func(ctx context.Context) ([]feedshare.Record, error) {
		return nil, nil
	})
	assert.NoError(t, err)
}
