package protection

import (
	"sync"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

// defaultHistoryCap bounds the order-history ledger.
const defaultHistoryCap = 1000

// History is the bounded, most-recent-first ledger of approved orders.
// Insertion at the front, eviction at the back; it never grows past its cap.
// Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	cap     int
	entries []domain.OrderRecord
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{cap: capacity}
}

// Add prepends rec and evicts the oldest entry when over capacity.
func (h *History) Add(rec domain.OrderRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append([]domain.OrderRecord{rec}, h.entries...)
	if len(h.entries) > h.cap {
		h.entries = h.entries[:h.cap]
	}
}

// Len returns the current entry count.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// LatestFor returns the most recent entry for the user+coin pair.
func (h *History) LatestFor(userID, coin string) (domain.OrderRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, e := range h.entries {
		if e.UserID == userID && e.Coin == coin {
			return e, true
		}
	}
	return domain.OrderRecord{}, false
}

// RecentFor returns the user's entries with Timestamp strictly after since,
// most recent first.
func (h *History) RecentFor(userID string, since int64) []domain.OrderRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []domain.OrderRecord
	for _, e := range h.entries {
		if e.UserID == userID && e.Timestamp > since {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns a copy of the ledger, most recent first.
func (h *History) Snapshot() []domain.OrderRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]domain.OrderRecord, len(h.entries))
	copy(out, h.entries)
	return out
}
