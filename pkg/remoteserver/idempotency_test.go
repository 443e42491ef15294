package remoteserver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteCoalescesConcurrentRetries(t *testing.T) {
	c := newIdempotencyCache()
	var calls int
	var mu sync.Mutex

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.execute("rid", map[string]any{"x": 1}, func() (any, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				return "done", nil
			})
			require.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, calls)
	for _, r := range results {
		require.Equal(t, "done", r)
	}
}

func TestExecuteEvictsOldestPastCapacity(t *testing.T) {
	c := newIdempotencyCache()
	for i := 0; i < idempotencyCapacity+10; i++ {
		_, _ = c.execute(string(rune('a'))+string(rune(i)), i, func() (any, error) { return i, nil })
	}
	require.LessOrEqual(t, len(c.completed), idempotencyCapacity)
	require.NotContains(t, c.completed, string(rune('a'))+string(rune(0)))
	require.Contains(t, c.completed, string(rune('a'))+string(rune(idempotencyCapacity+9)))
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := canonicalJSON(map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	require.Equal(t, `{"a":2,"b":1}`, string(a))
}
