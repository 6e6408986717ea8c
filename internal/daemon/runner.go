// Package daemon runs a countermesh node: it feeds inbound messages to the
// replicated variables, drives the round cycle and owns the outbound queue.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"countermesh/internal/config"
	"countermesh/internal/crdt"
	"countermesh/internal/debuglog"
	"countermesh/internal/metrics"
	"countermesh/internal/network"
	"countermesh/internal/node"
	"countermesh/internal/peer"
	"countermesh/internal/proto"
)

// Transport is what the runner needs from the network layer.
type Transport interface {
	LocalAddr() string
	Serve(ctx context.Context, handle network.Handler) error
	SendReliable(ctx context.Context, addr string, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
}

type Runner struct {
	Self    *node.Node
	Metrics *metrics.Metrics

	cfg       config.Config
	transport Transport
	coord     *coordinator
	out       *outbox
	logger    *zap.Logger
	clock     clockwork.Clock
	quiet     *debuglog.Limiter
}

type Opt func(*Runner)

func WithLogger(logger *zap.Logger) Opt {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Opt {
	return func(r *Runner) {
		r.Metrics = m
	}
}

func withClock(clock clockwork.Clock) Opt {
	return func(r *Runner) {
		r.clock = clock
	}
}

func NewRunner(cfg config.Config, transport Transport, opts ...Opt) (*Runner, error) {
	if transport == nil {
		return nil, errors.New("missing transport")
	}
	r := &Runner{
		cfg:       cfg,
		transport: transport,
		logger:    zap.NewNop(),
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	r.quiet = debuglog.NewLimiter(time.Second, r.clock)

	self, err := node.NewNode(transport.LocalAddr(), node.Options{
		Logger:    r.logger,
		Hooks:     r.variableHooks(),
		TableOpts: []peer.Opt{peer.WithClock(r.clock)},
	})
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	r.Self = self
	r.logger = r.logger.With(zap.String("self", self.Addr))
	r.out = newOutbox(self.Addr, transport, cfg.SendWorkers, cfg.SendQueue, self.Peers.Addrs,
		r.logger.Named("outbox"), r.Metrics, r.quiet)
	r.coord = newCoordinator(self, r.out, roundConfig{
		readyTimeout: cfg.ReadyTimeout,
		maxTimeouts:  cfg.ReadyMaxTimeouts,
		autoRound:    cfg.AutoRoundInterval,
	}, r.logger.Named("round"), r.Metrics, r.clock)
	return r, nil
}

func (r *Runner) variableHooks() crdt.Hooks {
	return crdt.Hooks{
		OnCorrection: func(string, int64, int64) { r.Metrics.IncOpCorrection() },
		OnConflict:   func(string, string, uint64) { r.Metrics.IncOpConflict() },
		OnDuplicate:  func(string, string, uint64) { r.Metrics.IncOpDuplicate() },
		OnStale:      func(string, string, uint64) { r.Metrics.IncOpStale() },
	}
}

// RunWithContext serves until ctx is cancelled. ready, when non-nil, receives
// the advertised address once every loop has started.
func (r *Runner) RunWithContext(ctx context.Context, ready chan<- string) error {
	if r == nil {
		return errors.New("missing runner")
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.transport.Serve(ctx, r.handle)
	})
	g.Go(func() error {
		return r.out.run(ctx)
	})
	g.Go(func() error {
		r.announceLoop(ctx)
		return nil
	})
	g.Go(func() error {
		r.progressLoop(ctx)
		return nil
	})
	if r.cfg.MetricsSnapshot != "" {
		g.Go(func() error {
			r.snapshotLoop(ctx)
			return nil
		})
	}
	r.logger.Info("node running", zap.String("addr", r.Self.Addr))
	if ready != nil {
		select {
		case ready <- r.Self.Addr:
		default:
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// announceLoop advertises this node immediately and then on every interval.
func (r *Runner) announceLoop(ctx context.Context) {
	interval := r.cfg.AnnounceInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.out.broadcast(&proto.PeerAnnounce{Addr: r.Self.Addr, Status: r.coord.Status()})
		r.Metrics.SetPeers(r.Self.Peers.Len())
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (r *Runner) progressLoop(ctx context.Context) {
	interval := r.cfg.RoundPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.coord.tick(true)
		case <-r.coord.kickCh:
			r.coord.tick(false)
		}
	}
}

func (r *Runner) snapshotLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := r.Metrics.WriteSnapshot(r.cfg.MetricsSnapshot); err != nil {
				r.quiet.Debug(r.logger, "snapshot", "write metrics snapshot", zap.Error(err))
			}
		}
	}
}

func (r *Runner) Addr() string { return r.Self.Addr }

func (r *Runner) Status() proto.Status { return r.coord.Status() }

// Create registers a variable with a zero baseline. It reports whether the
// variable was new.
func (r *Runner) Create(name string) (bool, error) {
	if name == "" {
		return false, errors.New("empty variable name")
	}
	_, created := r.Self.Vars.GetOrCreate(name)
	return created, nil
}

// Apply adds delta to the named variable and broadcasts the operation. It
// fails with ErrRoundInProgress outside work.
func (r *Runner) Apply(name string, delta int64) (uint64, error) {
	if name == "" {
		return 0, errors.New("empty variable name")
	}
	return r.coord.applyLocal(name, delta)
}

func (r *Runner) variable(name string) (*crdt.Variable, error) {
	v, ok := r.Self.Vars.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", crdt.ErrUnknownVariable, name)
	}
	return v, nil
}

func (r *Runner) Get(name string) (int64, error) {
	v, err := r.variable(name)
	if err != nil {
		return 0, err
	}
	return v.Value(), nil
}

func (r *Runner) Baseline(name string) (int64, error) {
	v, err := r.variable(name)
	if err != nil {
		return 0, err
	}
	return v.Baseline(), nil
}

func (r *Runner) Histories(name string) (crdt.Histories, error) {
	v, err := r.variable(name)
	if err != nil {
		return crdt.Histories{}, err
	}
	return v.Histories(), nil
}

// MissingNonces lists, per origin, the holes below the highest nonce seen.
// Origins without holes are omitted.
func (r *Runner) MissingNonces(name string) (map[string][]uint64, error) {
	v, err := r.variable(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]uint64)
	for _, origin := range v.Peers() {
		if missing := v.MissingNonces(origin); len(missing) > 0 {
			out[origin] = missing
		}
	}
	return out, nil
}

func (r *Runner) Peers() []peer.Record { return r.Self.Peers.List() }

func (r *Runner) Variables() []string { return r.Self.Vars.Names() }

// RequestRoundStart begins a round from work.
func (r *Runner) RequestRoundStart() error {
	return r.coord.requestRound()
}
