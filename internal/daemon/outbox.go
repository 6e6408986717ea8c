package daemon

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"countermesh/internal/debuglog"
	"countermesh/internal/metrics"
	"countermesh/internal/proto"
)

type outbound struct {
	// to is empty for a broadcast.
	to   string
	kind proto.Kind
	data []byte
}

// outbox decouples protocol handlers from the network: enqueueing never
// blocks, and a bounded set of workers drains the queue.
type outbox struct {
	self      string
	transport Transport
	queue     chan outbound
	workers   int
	// peers is the fan-out list for broadcasts too large for one datagram.
	peers   func() []string
	logger  *zap.Logger
	metrics *metrics.Metrics
	quiet   *debuglog.Limiter
}

func newOutbox(self string, t Transport, workers, size int, peers func() []string, logger *zap.Logger, m *metrics.Metrics, quiet *debuglog.Limiter) *outbox {
	if workers < 1 {
		workers = 1
	}
	if size < 1 {
		size = 1
	}
	return &outbox{
		self:      self,
		transport: t,
		queue:     make(chan outbound, size),
		workers:   workers,
		peers:     peers,
		logger:    logger,
		metrics:   m,
		quiet:     quiet,
	}
}

func (o *outbox) send(to string, m proto.Message) {
	if to == "" || to == o.self {
		return
	}
	o.enqueue(to, m)
}

func (o *outbox) broadcast(m proto.Message) {
	o.enqueue("", m)
}

func (o *outbox) enqueue(to string, m proto.Message) {
	data, err := proto.Encode(m, o.self)
	if err != nil {
		o.logger.Error("encode outbound message", zap.String("type", string(m.Kind())), zap.Error(err))
		return
	}
	select {
	case o.queue <- outbound{to: to, kind: m.Kind(), data: data}:
	default:
		o.metrics.IncQueueFull()
		o.quiet.Debug(o.logger, "queue_full", "send queue full, dropping",
			zap.String("type", string(m.Kind())), zap.String("to", to))
	}
}

// run drains the queue until ctx is done. At most workers sends are in
// flight; a slow peer backs the queue up rather than spawning goroutines.
func (o *outbox) run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(o.workers)
	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case item := <-o.queue:
			g.Go(func() error {
				o.deliver(ctx, item)
				return nil
			})
		}
	}
}

func (o *outbox) deliver(ctx context.Context, item outbound) {
	if item.to != "" {
		o.sendReliable(ctx, item.to, item)
		return
	}
	if len(item.data) > proto.MaxDatagramSize {
		for _, addr := range o.peers() {
			o.sendReliable(ctx, addr, item)
		}
		return
	}
	if err := o.transport.Broadcast(ctx, item.data); err != nil {
		o.metrics.IncBroadcastErr()
		if ctx.Err() == nil {
			o.quiet.Debug(o.logger, "broadcast:"+string(item.kind), "broadcast failed",
				zap.String("type", string(item.kind)), zap.Error(err))
		}
		return
	}
	o.metrics.IncBroadcast()
}

func (o *outbox) sendReliable(ctx context.Context, addr string, item outbound) {
	if err := o.transport.SendReliable(ctx, addr, item.data); err != nil {
		o.metrics.IncSendFailed()
		if ctx.Err() == nil {
			o.quiet.Debug(o.logger, "send:"+addr, "send failed",
				zap.String("to", addr), zap.String("type", string(item.kind)), zap.Error(err))
		}
		return
	}
	o.metrics.IncSent()
}
