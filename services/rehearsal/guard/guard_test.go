// Copyright (C) 2025 Drydock Systems (dev@drydock.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guard

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquire_SecondCallerBusy(t *testing.T) {
	k := NewKeeper(nil)

	release, err := k.TryAcquire("shop")
	require.NoError(t, err)
	assert.True(t, k.Held("shop"))

	_, err = k.TryAcquire("shop")
	var busy *BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "shop", busy.Stack)

	release()
	assert.False(t, k.Held("shop"))

	release2, err := k.TryAcquire("shop")
	require.NoError(t, err)
	release2()
}

func TestTryAcquire_IndependentStacks(t *testing.T) {
	k := NewKeeper(nil)
	r1, err := k.TryAcquire("alpha")
	require.NoError(t, err)
	defer r1()
	r2, err := k.TryAcquire("beta")
	require.NoError(t, err)
	defer r2()
}

func TestTryAcquire_SimultaneousTriggersOneWinner(t *testing.T) {
	k := NewKeeper(nil)

	const attempts = 16
	var acquired, skipped atomic.Int32
	var done, tried sync.WaitGroup
	tried.Add(attempts)
	start := make(chan struct{})

	for i := 0; i < attempts; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			<-start
			release, err := k.TryAcquire("shop")
			tried.Done()
			if err != nil {
				skipped.Add(1)
				return
			}
			acquired.Add(1)
			// Hold the claim until every goroutine has attempted.
			tried.Wait()
			release()
		}()
	}
	close(start)
	done.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.Equal(t, int32(attempts-1), skipped.Load())
}
