package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(Event{Kind: RequestReceived, Method: "tools/call"})

	e := <-ch
	require.Equal(t, RequestReceived, e.Kind)
	require.Equal(t, "tools/call", e.Method)
	require.NotZero(t, e.Sequence)
}

// TestPublishSequenceIsUniqueUnderConcurrency guards the fix that moved the
// sequence counter to sync/atomic: under -race, concurrent Publish calls
// from many goroutines (one per connection, §5) must never duplicate or
// skip a sequence number.
func TestPublishSequenceIsUniqueUnderConcurrency(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe()
	defer unsub()

	const n = 500

	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			e := <-ch
			mu.Lock()
			seen[e.Sequence] = true
			mu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(Event{Kind: RequestReceived})
		}()
	}
	wg.Wait()
	<-done

	require.Len(t, seen, n, "duplicate or dropped sequence numbers under concurrent publish")
}
