package locks

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSerializesSameKey(t *testing.T) {
	r := require.New(t)
	reg := New()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			release, err := reg.Acquire(context.Background(), "sbx-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	r.Equal(1, maxActive)
	r.Equal(0, reg.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	r := require.New(t)
	reg := New()

	rel1, err := reg.Acquire(context.Background(), "sbx-1")
	r.NoError(err)
	defer rel1()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rel2, err := reg.Acquire(ctx, "sbx-2")
	r.NoError(err)
	rel2()
}

func TestAcquireRespectsContext(t *testing.T) {
	r := require.New(t)
	reg := New()

	release, err := reg.Acquire(context.Background(), "sbx-1")
	r.NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = reg.Acquire(ctx, "sbx-1")
	r.ErrorIs(err, context.DeadlineExceeded)

	release()
	r.Equal(0, reg.Len())
}

func TestReleaseIsIdempotent(t *testing.T) {
	r := require.New(t)
	reg := New()

	release, err := reg.Acquire(context.Background(), "sbx-1")
	r.NoError(err)

	release()
	release()

	r.Equal(0, reg.Len())

	again, err := reg.Acquire(context.Background(), "sbx-1")
	r.NoError(err)
	again()
}

func TestCleanupSkipsHeldLocks(t *testing.T) {
	r := require.New(t)
	reg := New()

	release, err := reg.Acquire(context.Background(), "sbx-1")
	r.NoError(err)

	reg.Cleanup("sbx-1")
	r.Equal(1, reg.Len())

	release()
	reg.Cleanup("sbx-1")
	r.Equal(0, reg.Len())
}
