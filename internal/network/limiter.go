package network

import "sync"

// hostSlots caps how many of one resource a single host may hold at once.
// A non-positive capacity disables the cap.
type hostSlots struct {
	mu    sync.Mutex
	cap   int
	inUse map[string]int
}

func newHostSlots(capacity int) *hostSlots {
	return &hostSlots{cap: capacity, inUse: make(map[string]int)}
}

func (h *hostSlots) acquire(host string) bool {
	if h.cap <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse[host] >= h.cap {
		return false
	}
	h.inUse[host]++
	return true
}

func (h *hostSlots) release(host string) {
	if h.cap <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := h.inUse[host]; n > 1 {
		h.inUse[host] = n - 1
		return
	}
	delete(h.inUse, host)
}

func (h *hostSlots) held(host string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse[host]
}
