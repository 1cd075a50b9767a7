package call

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		// A different call is not blocked by a held one.
		k.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock of another key blocked")
	}
	unlockA()
	require.Zero(t, k.size())
}

func TestKeyedMutex_SameKeySerializes(t *testing.T) {
	k := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			unlock := k.Lock("call")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		})
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.Zero(t, k.size())
}
