package multiagent

import (
	"container/list"
	"sync"
	"time"

	"orchestra-ai/internal/domain"
)

// DefaultHistoryEntries caps the recent-task history when unset.
const DefaultHistoryEntries = 200

type historyEntry struct {
	resp     domain.AggregatedResponse
	storedAt time.Time
}

// History keeps the most recent aggregated responses in memory, evicting the
// oldest once full. It is not durable.
type History struct {
	mu    sync.Mutex
	max   int
	order *list.List // front = newest
	index map[string]*list.Element
	now   func() time.Time
}

// NewHistory creates a history holding at most max responses.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistoryEntries
	}
	return &History{
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Record stores resp, replacing any earlier response with the same task id.
func (h *History) Record(resp domain.AggregatedResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if el, ok := h.index[resp.TaskID]; ok {
		h.order.Remove(el)
	}
	h.index[resp.TaskID] = h.order.PushFront(historyEntry{resp: resp, storedAt: h.now()})

	for h.order.Len() > h.max {
		oldest := h.order.Back()
		h.order.Remove(oldest)
		delete(h.index, oldest.Value.(historyEntry).resp.TaskID)
	}
}

// Get returns the recorded response for taskID.
func (h *History) Get(taskID string) (domain.AggregatedResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	el, ok := h.index[taskID]
	if !ok {
		return domain.AggregatedResponse{}, domain.NewSubSystemError("history", "History.Get", domain.ErrNotFound, taskID)
	}
	return el.Value.(historyEntry).resp, nil
}

// Prune drops entries stored longer ago than ttl and returns how many went.
func (h *History) Prune(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := h.now().Add(-ttl)
	removed := 0
	for el := h.order.Back(); el != nil; {
		entry := el.Value.(historyEntry)
		if !entry.storedAt.Before(cutoff) {
			break
		}
		prev := el.Prev()
		h.order.Remove(el)
		delete(h.index, entry.resp.TaskID)
		removed++
		el = prev
	}
	return removed
}

// Len returns the number of stored responses.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.order.Len()
}
