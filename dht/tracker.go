package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultRequestTimeout is how long a request stays pending before a
// sweep expires it.
const DefaultRequestTimeout = 20 * time.Second

// ResponseCallback is invoked when a pending request resolves. It runs
// on the server's receive path and must not block.
type ResponseCallback func(payload Payload, source net.Addr)

// PendingRequest records one outstanding request awaiting its response.
// Entries are owned exclusively by the tracker and removed on match or
// expiry.
type PendingRequest struct {
	ID          uint64
	Kind        PacketKind
	SentAt      time.Time
	Destination net.Addr

	callback ResponseCallback
}

// RequestTracker correlates outbound requests with inbound responses by
// random 64-bit ids. All methods are safe for concurrent use; the
// pending map is mutex-guarded since issue, match, and sweep all
// mutate it.
type RequestTracker struct {
	mu      sync.Mutex
	pending map[uint64]*PendingRequest
	timeout time.Duration
}

// NewRequestTracker creates a tracker. A zero timeout selects
// DefaultRequestTimeout.
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &RequestTracker{
		pending: make(map[uint64]*PendingRequest),
		timeout: timeout,
	}
}

// Issue registers a new pending request toward destination and returns
// its fresh random id. The id is guaranteed not to collide with any
// currently pending id. The callback, if non-nil, fires when a matching
// response arrives.
func (rt *RequestTracker) Issue(kind PacketKind, destination net.Addr, callback ResponseCallback) (uint64, error) {
	if _, ok := responseKindFor(kind); !ok {
		return 0, fmt.Errorf("issue request: kind 0x%02x is not a request kind", byte(kind))
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	id, err := rt.freshID()
	if err != nil {
		return 0, err
	}

	rt.pending[id] = &PendingRequest{
		ID:          id,
		Kind:        kind,
		SentAt:      time.Now(),
		Destination: destination,
		callback:    callback,
	}
	return id, nil
}

// freshID draws random ids until one not currently pending appears.
// Collisions are a fresh draw, never a reuse. Caller holds the lock.
func (rt *RequestTracker) freshID() (uint64, error) {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("issue request: %w", err)
		}
		id := binary.BigEndian.Uint64(buf[:])
		if _, exists := rt.pending[id]; !exists {
			return id, nil
		}
	}
}

// Match resolves a pending request against a received response. A
// match requires id equality, a source address equal to the original
// destination (off-path responses with guessed ids are rejected), and
// the response kind that answers the pending request's kind. On match
// the entry is removed and returned; otherwise ok is false and the
// response is background noise to be dropped.
func (rt *RequestTracker) Match(responseKind PacketKind, id uint64, source net.Addr) (*PendingRequest, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	entry, exists := rt.pending[id]
	if !exists {
		return nil, false
	}

	expected, _ := responseKindFor(entry.Kind)
	if responseKind != expected {
		return nil, false
	}

	if entry.Destination.String() != source.String() {
		logrus.WithFields(logrus.Fields{
			"function": "Match",
			"id":       id,
			"expected": entry.Destination.String(),
			"source":   source.String(),
		}).Warn("Response id matched but source address did not, dropping")
		return nil, false
	}

	delete(rt.pending, id)
	return entry, true
}

// Abandon discards a pending request without waiting for its response.
// Late responses for the id are silently ignored afterwards.
func (rt *RequestTracker) Abandon(id uint64) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.pending, id)
}

// Sweep removes every pending request older than the timeout and
// returns their ids in the order the requests were sent. Expiry is a
// control signal, not an error: callers decide whether to retry by
// issuing a new request.
func (rt *RequestTracker) Sweep(now time.Time) []uint64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var expired []*PendingRequest
	for id, entry := range rt.pending {
		if now.Sub(entry.SentAt) > rt.timeout {
			expired = append(expired, entry)
			delete(rt.pending, id)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].SentAt.Before(expired[j].SentAt)
	})

	ids := make([]uint64, len(expired))
	for i, entry := range expired {
		ids[i] = entry.ID
	}
	return ids
}

// Len reports the number of requests currently pending.
func (rt *RequestTracker) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return len(rt.pending)
}
