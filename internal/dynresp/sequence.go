package dynresp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/thoughtgate/thoughtjack/internal/config"
)

// SequenceCounters tracks per-key call counts for Sequence response
// strategies (§4.5 step 2). Keys are "(item-type, item-name,
// connection_id)" tuples, flattened to a string by SequenceKey.
type SequenceCounters struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

// NewSequenceCounters returns an empty counter set.
func NewSequenceCounters() *SequenceCounters {
	return &SequenceCounters{counts: make(map[string]*atomic.Int64)}
}

// SequenceKey builds the counter key for one item invocation.
func SequenceKey(itemKind, itemName, connectionID string) string {
	return fmt.Sprintf("%s:%s:%s", itemKind, itemName, connectionID)
}

// Next atomically increments and returns the 1-indexed call count for key.
func (c *SequenceCounters) Next(key string) int64 {
	c.mu.Lock()
	counter, ok := c.counts[key]
	if !ok {
		counter = &atomic.Int64{}
		c.counts[key] = counter
	}
	c.mu.Unlock()
	return counter.Add(1)
}

// SelectSequence picks the response for the given 1-indexed call count,
// applying the exhaustion policy (§4.5 step 2, §8 round-trip 7).
//
// Returns (responses, exhaustedErr): exhaustedErr is non-nil only when
// OnExhausted is Error and the sequence has been exhausted.
func SelectSequence(seq *config.SequenceStrategy, callCount int64) ([]config.ContentItem, error) {
	n := int64(len(seq.Responses))
	if n == 0 {
		return nil, fmt.Errorf("dynresp: sequence has no responses")
	}
	if callCount <= n {
		return seq.Responses[callCount-1], nil
	}
	switch seq.OnExhausted {
	case config.ExhaustedCycle:
		idx := (callCount - 1) % n
		return seq.Responses[idx], nil
	case config.ExhaustedError:
		return nil, fmt.Errorf("dynresp: sequence exhausted at call %d", callCount)
	case config.ExhaustedLast, "":
		return seq.Responses[n-1], nil
	default:
		return seq.Responses[n-1], nil
	}
}
