package relay

import (
	"sync"

	"github.com/akapranchikova/x.400/internal/email"
	"github.com/akapranchikova/x.400/internal/metrics"
)

// HistoryCapacity is the number of deliveries a relay records before it
// starts rejecting messages as rate limited.
const HistoryCapacity = 256

// Slot identifies one history entry. Message IDs are not unique, so a
// transport that reserved a slot releases it by Slot.
type Slot uint64

type historyEntry struct {
	slot Slot
	msg  email.Message
}

// History is a bounded delivery log that doubles as the rate-limit gauge.
// The capacity check and the append happen in one critical section.
type History struct {
	mu       sync.Mutex
	capacity int
	next     Slot
	entries  []historyEntry
	gauge    string
}

// NewHistory creates a history holding at most capacity messages. The size is
// exported as x400gw_relay_history_size with the relay label set to name.
func NewHistory(name string, capacity int) *History {
	return &History{
		capacity: capacity,
		entries:  make([]historyEntry, 0, capacity),
		gauge:    name,
	}
}

// TryAppend records msg unless the history is full and returns the slot it
// now occupies.
func (h *History) TryAppend(msg *email.Message) (Slot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= h.capacity {
		return 0, false
	}
	h.next++
	h.entries = append(h.entries, historyEntry{slot: h.next, msg: msg.Clone()})
	metrics.RelayHistorySize.WithLabelValues(h.gauge).Set(float64(len(h.entries)))
	return h.next, true
}

// Release removes the entry recorded under slot. Transports reserve a slot
// before delivering and release it when delivery fails.
func (h *History) Release(slot Slot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.entries {
		if e.slot == slot {
			h.entries = append(h.entries[:i], h.entries[i+1:]...)
			metrics.RelayHistorySize.WithLabelValues(h.gauge).Set(float64(len(h.entries)))
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the recorded messages in delivery order.
func (h *History) Snapshot() []email.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]email.Message, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Len returns the number of recorded messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
