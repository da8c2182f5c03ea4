// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_ExclusivePerKey(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := table.Acquire(ctx, "client-a")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, table.Len(), "entries should be removed after release")
}

func TestTable_DistinctKeysDoNotBlock(t *testing.T) {
	table := NewTable()
	ctx := context.Background()

	releaseA, err := table.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	releaseB, err := table.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
}

func TestTable_AcquireHonoursContext(t *testing.T) {
	table := NewTable()

	release, err := table.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.Acquire(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	assert.Equal(t, 0, table.Len())
}

func TestTable_ReleaseIsIdempotent(t *testing.T) {
	table := NewTable()
	release, err := table.Acquire(context.Background(), "k")
	require.NoError(t, err)

	release()
	release()

	release2, err := table.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release2()
	assert.Equal(t, 0, table.Len())
}
