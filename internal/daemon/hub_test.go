package daemon

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"countermesh/internal/network"
	"countermesh/internal/proto"
)

var errUnreachable = errors.New("unreachable")

type packet struct {
	source string
	data   []byte
}

// hub is an in-memory network: reliable sends go to one member, broadcasts
// to every member including the sender.
type hub struct {
	mu    sync.RWMutex
	nodes map[string]*memTransport
	// drop, when set, filters deliveries by sender, destination and message.
	drop func(from, to string, m proto.Message) bool
}

func newHub() *hub {
	return &hub{nodes: make(map[string]*memTransport)}
}

func (h *hub) join(addr string) *memTransport {
	t := &memTransport{hub: h, addr: addr, in: make(chan packet, 4096)}
	h.mu.Lock()
	h.nodes[addr] = t
	h.mu.Unlock()
	return t
}

func (h *hub) setDrop(fn func(from, to string, m proto.Message) bool) {
	h.mu.Lock()
	h.drop = fn
	h.mu.Unlock()
}

func (h *hub) members() []*memTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*memTransport, 0, len(h.nodes))
	for _, t := range h.nodes {
		out = append(out, t)
	}
	return out
}

type memTransport struct {
	hub  *hub
	addr string
	in   chan packet
}

func (t *memTransport) LocalAddr() string { return t.addr }

func (t *memTransport) Serve(ctx context.Context, handle network.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-t.in:
			handle(p.source, p.data)
		}
	}
}

func (t *memTransport) SendReliable(ctx context.Context, addr string, data []byte) error {
	t.hub.mu.RLock()
	dst, ok := t.hub.nodes[addr]
	t.hub.mu.RUnlock()
	if !ok {
		return errUnreachable
	}
	return t.deliver(ctx, dst, data)
}

func (t *memTransport) Broadcast(ctx context.Context, data []byte) error {
	for _, dst := range t.hub.members() {
		if err := t.deliver(ctx, dst, data); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTransport) deliver(ctx context.Context, dst *memTransport, data []byte) error {
	t.hub.mu.RLock()
	drop := t.hub.drop
	t.hub.mu.RUnlock()
	if drop != nil {
		if m, err := proto.Decode(data); err == nil && drop(t.addr, dst.addr, m) {
			return nil
		}
	}
	select {
	case dst.in <- packet{source: t.addr, data: bytes.Clone(data)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
