package realtime

import (
	"sync"

	v1 "classworks/shared/contracts/realtime/v1"
)

// History keeps the most recent events of every device in a fixed ring.
type History struct {
	mu    sync.Mutex
	size  int
	rooms map[string]*ring
}

type ring struct {
	buf   []v1.Event
	start int
	n     int
}

// NewHistory returns a History holding size events per device.
func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{size: size, rooms: make(map[string]*ring)}
}

// Record appends ev to uuid's history, evicting the oldest event when full.
func (h *History) Record(uuid string, ev v1.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[uuid]
	if r == nil {
		r = &ring{buf: make([]v1.Event, h.size)}
		h.rooms[uuid] = r
	}
	if r.n < h.size {
		r.buf[(r.start+r.n)%h.size] = ev
		r.n++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % h.size
}

// Page returns up to limit events after skipping offset, oldest first.
func (h *History) Page(uuid string, limit, offset int) []v1.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]v1.Event, 0)
	r := h.rooms[uuid]
	if r == nil || offset >= r.n || limit <= 0 {
		return out
	}
	offset = max(offset, 0)
	end := min(offset+limit, r.n)
	for i := offset; i < end; i++ {
		out = append(out, r.buf[(r.start+i)%h.size])
	}
	return out
}

// Len returns the number of events held for uuid.
func (h *History) Len(uuid string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r := h.rooms[uuid]; r != nil {
		return r.n
	}
	return 0
}

// Forget drops uuid's history.
func (h *History) Forget(uuid string) {
	h.mu.Lock()
	delete(h.rooms, uuid)
	h.mu.Unlock()
}
