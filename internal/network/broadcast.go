package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
	"golang.org/x/net/ipv4"

	"countermesh/internal/debuglog"
	"countermesh/internal/metrics"
	"countermesh/internal/peer"
	"countermesh/internal/proto"
)

const dedupEntries = 8192

type BroadcastOptions struct {
	// ListenAddr is the local discovery socket.
	ListenAddr string
	// TargetAddr is where broadcasts go: a subnet broadcast address, or a
	// multicast group when Multicast is set.
	TargetAddr  string
	Multicast   bool
	DedupWindow time.Duration
	Limits      *HostLimiter
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Broadcaster sends and receives unreliable discovery datagrams. Each
// datagram carries one bare JSON payload.
type Broadcaster struct {
	conn    *net.UDPConn
	pc      *ipv4.PacketConn
	target  *net.UDPAddr
	seen    *expirable.LRU[[32]byte, struct{}]
	limits  *HostLimiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	quiet   *debuglog.Limiter
}

func ListenBroadcast(ctx context.Context, opts BroadcastOptions) (*Broadcaster, error) {
	target, err := net.ResolveUDPAddr("udp4", opts.TargetAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast addr: %w", err)
	}
	lc := net.ListenConfig{Control: reuseControl}
	pconn, err := lc.ListenPacket(ctx, "udp4", opts.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("broadcast listen %s: %w", opts.ListenAddr, err)
	}
	conn := pconn.(*net.UDPConn)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	b := &Broadcaster{
		conn:    conn,
		target:  target,
		limits:  opts.Limits,
		logger:  logger,
		metrics: m,
		quiet:   debuglog.NewLimiter(5*time.Second, nil),
	}
	if opts.DedupWindow > 0 {
		b.seen = expirable.NewLRU[[32]byte, struct{}](dedupEntries, nil, opts.DedupWindow)
	}
	if opts.Multicast {
		if !target.IP.IsMulticast() {
			_ = conn.Close()
			return nil, fmt.Errorf("%s is not a multicast group", target.IP)
		}
		b.pc = ipv4.NewPacketConn(conn)
		if err := b.pc.JoinGroup(nil, &net.UDPAddr{IP: target.IP}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("join multicast group %s: %w", target.IP, err)
		}
		if err := b.pc.SetMulticastLoopback(true); err != nil {
			logger.Warn("multicast loopback unavailable", zap.Error(err))
		}
		if err := b.pc.SetMulticastTTL(1); err != nil {
			logger.Warn("multicast ttl unavailable", zap.Error(err))
		}
	}
	return b, nil
}

func (b *Broadcaster) Addr() net.Addr { return b.conn.LocalAddr() }

// Send writes one datagram to the broadcast target. There is no retry.
func (b *Broadcaster) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return proto.ErrEmptyPayload
	}
	if len(data) > proto.MaxDatagramSize {
		return fmt.Errorf("%w: %d byte datagram", proto.ErrPayloadTooLarge, len(data))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(deadline)
		defer b.conn.SetWriteDeadline(time.Time{})
	}
	_, err := b.conn.WriteToUDP(data, b.target)
	return err
}

// Serve reads datagrams until ctx is cancelled.
func (b *Broadcaster) Serve(ctx context.Context, handle Handler) error {
	go func() {
		<-ctx.Done()
		_ = b.conn.Close()
	}()
	b.logger.Info("broadcast listen ready",
		zap.Stringer("addr", b.conn.LocalAddr()), zap.Stringer("target", b.target), zap.Bool("multicast", b.pc != nil))
	buf := make([]byte, proto.MaxDatagramSize)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("broadcast read: %w", err)
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if b.duplicate(data) {
			b.metrics.IncDropByReason("duplicate")
			continue
		}
		host := peer.HostKey(src.String())
		if b.limits != nil && !b.limits.Allow(host) {
			b.metrics.IncDropByReason("rate")
			b.quiet.Debug(b.logger, "rate:"+host, "inbound rate limit", zap.String("host", host))
			continue
		}
		handle(src.String(), data)
	}
}

func (b *Broadcaster) duplicate(data []byte) bool {
	if b.seen == nil {
		return false
	}
	key := sha3.Sum256(data)
	if b.seen.Contains(key) {
		return true
	}
	b.seen.Add(key, struct{}{})
	return false
}

func (b *Broadcaster) Close() error {
	if b.pc != nil {
		_ = b.pc.LeaveGroup(nil, &net.UDPAddr{IP: b.target.IP})
	}
	return b.conn.Close()
}
