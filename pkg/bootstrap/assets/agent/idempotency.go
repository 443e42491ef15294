package main

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

const idempotencyCapacity = 2048

type outcome struct {
	value any
	err   error
}

type cacheEntry struct {
	requestID   string
	payloadHash string
	outcome     outcome
}

type pending struct {
	done    chan struct{}
	outcome outcome
}

// idempotencyCache is a standalone copy of the control-plane's cache
// (pkg/remoteserver/idempotency.go): same FIFO + hash + coalescing
// algorithm, duplicated here because this binary ships with no import of
// the parent module once uploaded to a remote host.
type idempotencyCache struct {
	mu        sync.Mutex
	completed map[string]*cacheEntry
	order     *list.List
	inflight  map[string]*pending
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		completed: make(map[string]*cacheEntry),
		order:     list.New(),
		inflight:  make(map[string]*pending),
	}
}

type errPayloadMismatch struct{}

func (errPayloadMismatch) Error() string { return "request_id reuse with different payload" }

func hashRequest(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canon, err := marshalSorted(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte("{")
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []any:
		buf := []byte("[")
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}

func (c *idempotencyCache) execute(requestID string, payload any, fn func() (any, error)) (any, error) {
	hash, err := hashRequest(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry, ok := c.completed[requestID]; ok {
		c.mu.Unlock()
		if entry.payloadHash != hash {
			return nil, errPayloadMismatch{}
		}
		return entry.outcome.value, entry.outcome.err
	}
	if p, ok := c.inflight[requestID]; ok {
		c.mu.Unlock()
		<-p.done
		return p.outcome.value, p.outcome.err
	}
	p := &pending{done: make(chan struct{})}
	c.inflight[requestID] = p
	c.mu.Unlock()

	value, callErr := fn()
	out := outcome{value: value, err: callErr}

	c.mu.Lock()
	delete(c.inflight, requestID)
	c.store(requestID, hash, out)
	c.mu.Unlock()

	p.outcome = out
	close(p.done)
	return value, callErr
}

func (c *idempotencyCache) store(requestID, hash string, out outcome) {
	entry := &cacheEntry{requestID: requestID, payloadHash: hash, outcome: out}
	c.completed[requestID] = entry
	c.order.PushBack(entry)
	for c.order.Len() > idempotencyCapacity {
		front := c.order.Front()
		c.order.Remove(front)
		evicted := front.Value.(*cacheEntry)
		delete(c.completed, evicted.requestID)
	}
}
