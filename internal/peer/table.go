package peer

import (
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"countermesh/internal/proto"
)

// Record is what the node knows about one peer. Address is the peer's
// advertised reliable address and is also its identity.
type Record struct {
	Addr      string
	Status    proto.Status
	FirstSeen time.Time
	LastSeen  time.Time
}

// Table tracks known peers and their last reported status.
type Table struct {
	mu    sync.RWMutex
	self  string
	clock clockwork.Clock
	peers map[string]*Record
}

type Opt func(*Table)

func WithClock(c clockwork.Clock) Opt {
	return func(t *Table) {
		t.clock = c
	}
}

// NewTable returns a table that refuses to hold self.
func NewTable(self string, opts ...Opt) *Table {
	t := &Table{
		self:  self,
		clock: clockwork.NewRealClock(),
		peers: make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Upsert records a status claim from addr and reports whether addr was unknown.
func (t *Table) Upsert(addr string, status proto.Status) bool {
	if !t.accept(addr) {
		return false
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[addr]
	if !ok {
		t.peers[addr] = &Record{Addr: addr, Status: status, FirstSeen: now, LastSeen: now}
		return true
	}
	rec.Status = status
	rec.LastSeen = now
	return false
}

// Touch records that addr sent something without claiming a status. New
// records start in work.
func (t *Table) Touch(addr string) bool {
	if !t.accept(addr) {
		return false
	}
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[addr]
	if !ok {
		t.peers[addr] = &Record{Addr: addr, Status: proto.StatusWork, FirstSeen: now, LastSeen: now}
		return true
	}
	rec.LastSeen = now
	return false
}

func (t *Table) accept(addr string) bool {
	return addr != "" && addr != t.self
}

func (t *Table) Get(addr string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.peers[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (t *Table) Status(addr string) (proto.Status, bool) {
	rec, ok := t.Get(addr)
	return rec.Status, ok
}

// List returns a copy of every record ordered by address.
func (t *Table) List() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Addr, b.Addr) })
	return out
}

// Addrs returns known peer addresses in ascending order.
func (t *Table) Addrs() []string {
	recs := t.List()
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.Addr
	}
	return out
}

func (t *Table) Remove(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[addr]; !ok {
		return false
	}
	delete(t.peers, addr)
	return true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// HostKey returns the host part of addr, used to group per-host limits.
func HostKey(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
