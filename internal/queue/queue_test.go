package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestClaimLifecycle(t *testing.T) {
	q := New[string]()

	require.True(t, q.TryClaim("thread-a"))
	assert.False(t, q.TryClaim("thread-a"), "second claim on a busy key must fail")
	assert.True(t, q.TryClaim("thread-b"), "keys are independent")

	q.EnqueueBehind("thread-a", "msg-1")
	q.EnqueueBehind("thread-a", "msg-2")
	assert.Equal(t, 2, q.Len("thread-a"))

	item, ok := q.PopNext("thread-a")
	require.True(t, ok)
	assert.Equal(t, "msg-1", item)
	assert.True(t, q.Busy("thread-a"), "claim is held while backlog drains")

	item, ok = q.PopNext("thread-a")
	require.True(t, ok)
	assert.Equal(t, "msg-2", item)

	_, ok = q.PopNext("thread-a")
	assert.False(t, ok)
	assert.False(t, q.Busy("thread-a"), "empty pop releases the claim")
	assert.True(t, q.TryClaim("thread-a"))
}

func TestReleaseDiscardsBacklog(t *testing.T) {
	q := New[int]()
	require.True(t, q.TryClaim("k"))
	q.EnqueueBehind("k", 1)
	q.EnqueueBehind("k", 2)

	q.Release("k")
	assert.Zero(t, q.Len("k"))
	assert.False(t, q.Busy("k"))
	assert.True(t, q.TryClaim("k"))
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q := New[int]()
	const workers = 32

	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.TryClaim("shared") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, wins)
}

func TestQueueProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New[int]()
		keys := rapid.SliceOfN(rapid.StringMatching(`k[0-9]`), 1, 3).Draw(t, "keys")

		type model struct {
			busy    bool
			backlog []int
		}
		state := make(map[string]*model)
		for _, k := range keys {
			state[k] = &model{}
		}
		next := 0

		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			key := rapid.SampledFrom(keys).Draw(t, fmt.Sprintf("key%d", i))
			m := state[key]

			switch rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0:
				got := q.TryClaim(key)
				assert.Equal(t, !m.busy, got)
				if got {
					m.busy = true
				}
			case 1:
				q.EnqueueBehind(key, next)
				m.backlog = append(m.backlog, next)
				next++
			case 2:
				item, ok := q.PopNext(key)
				if len(m.backlog) == 0 {
					assert.False(t, ok)
					m.busy = false
				} else {
					require.True(t, ok)
					assert.Equal(t, m.backlog[0], item, "backlog must drain in FIFO order")
					m.backlog = m.backlog[1:]
				}
			case 3:
				q.Release(key)
				m.busy = false
				m.backlog = nil
			}

			assert.Equal(t, m.busy, q.Busy(key))
			assert.Equal(t, len(m.backlog), q.Len(key))
		}
	})
}
