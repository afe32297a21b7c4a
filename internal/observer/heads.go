package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/misswatch/misswatch/internal/nodeclient"
)

// HeadHistory keeps recent heads ordered by their wall-clock arrival so the
// tracker can ask which block was considered the head at a given instant.
type HeadHistory struct {
	mu    sync.RWMutex
	heads []*nodeclient.Head
}

func NewHeadHistory() *HeadHistory {
	return &HeadHistory{}
}

// Observe inserts a head in arrival order. Out-of-order arrivals keep the
// history sorted by ReceivedAt.
func (h *HeadHistory) Observe(head *nodeclient.Head) {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := sort.Search(len(h.heads), func(i int) bool {
		return h.heads[i].ReceivedAt.After(head.ReceivedAt)
	})
	h.heads = append(h.heads, nil)
	copy(h.heads[i+1:], h.heads[i:])
	h.heads[i] = head
}

// At returns the head that was current at the given time, or nil if the
// history does not reach back that far.
func (h *HeadHistory) At(t time.Time) *nodeclient.Head {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := sort.Search(len(h.heads), func(i int) bool {
		return h.heads[i].ReceivedAt.After(t)
	})
	if i == 0 {
		return nil
	}
	return h.heads[i-1]
}

// Latest returns the most recently arrived head, or nil.
func (h *HeadHistory) Latest() *nodeclient.Head {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.heads) == 0 {
		return nil
	}
	return h.heads[len(h.heads)-1]
}

// Prune drops heads that no longer affect lookups at or after cutoff.
func (h *HeadHistory) Prune(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for len(h.heads) >= 2 && !h.heads[1].ReceivedAt.After(cutoff) {
		h.heads = h.heads[1:]
	}
}

// Reset clears the history.
func (h *HeadHistory) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heads = nil
}
