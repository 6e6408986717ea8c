package daemon

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"countermesh/internal/crdt"
	"countermesh/internal/metrics"
	"countermesh/internal/node"
	"countermesh/internal/proto"
)

// ErrRoundInProgress is returned for requests that are only valid in work.
var ErrRoundInProgress = errors.New("round in progress, retry later")

// maxGapNonces caps the nonces carried by one gap-fill request.
const maxGapNonces = 4096

// sender is how the coordinator talks to peers. Both calls are non-blocking.
type sender interface {
	send(to string, m proto.Message)
	broadcast(m proto.Message)
}

type roundConfig struct {
	readyTimeout time.Duration
	maxTimeouts  int
	autoRound    time.Duration
}

// coordinator runs the work/sync/ready cycle. Lock order is coordinator,
// then variable; the peer table is only taken as a leaf.
type coordinator struct {
	mu     sync.RWMutex
	status proto.Status

	self    *node.Node
	out     sender
	cfg     roundConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clockwork.Clock

	// expected holds the next nonce each peer claimed for the current sync phase.
	expected map[string]map[string]uint64
	// satisfied keeps the claims this round already met, so a repeated
	// round-start with the same claims does not pull a ready node back.
	satisfied map[string]map[string]uint64
	finals    map[string]map[string]int64
	myFinals  map[string]int64
	// lastFinals answers late round-stops after the round finished here.
	lastFinals map[string]int64
	compacted  map[string]bool
	sentStop   bool

	roundStart     time.Time
	deadline       time.Time
	timeouts       int
	excluded       int
	lastCompaction time.Time

	kickCh chan struct{}
}

func newCoordinator(self *node.Node, out sender, cfg roundConfig, logger *zap.Logger, m *metrics.Metrics, clock clockwork.Clock) *coordinator {
	if cfg.maxTimeouts < 1 {
		cfg.maxTimeouts = 1
	}
	c := &coordinator{
		status:  proto.StatusWork,
		self:    self,
		out:     out,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		clock:   clock,
		kickCh:  make(chan struct{}, 1),
	}
	c.resetRoundLocked()
	c.lastCompaction = clock.Now()
	return c
}

func (c *coordinator) Status() proto.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// kick asks the progress loop to re-evaluate without waiting for the next poll.
func (c *coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *coordinator) resetRoundLocked() {
	c.expected = make(map[string]map[string]uint64)
	c.satisfied = make(map[string]map[string]uint64)
	c.finals = make(map[string]map[string]int64)
	c.compacted = make(map[string]bool)
	c.myFinals = nil
	c.sentStop = false
	c.timeouts = 0
}

// applyLocal accepts a local operation only in work. The status check and the
// nonce assignment happen under the same read lock so a round-start can never
// announce a next nonce that is already stale.
func (c *coordinator) applyLocal(name string, delta int64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != proto.StatusWork {
		c.metrics.IncOpRejected()
		return 0, ErrRoundInProgress
	}
	v, _ := c.self.Vars.GetOrCreate(name)
	nonce := v.ApplyLocal(delta)
	c.metrics.IncOpLocal()
	c.out.broadcast(&proto.Operation{Variable: name, Delta: delta, Nonce: nonce})
	return nonce, nil
}

func (c *coordinator) requestRound() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != proto.StatusWork {
		return ErrRoundInProgress
	}
	c.enterSyncLocked("local request")
	return nil
}

func (c *coordinator) roundStartLocked() *proto.RoundStart {
	return &proto.RoundStart{
		Expected:    c.self.ExpectedNonces(),
		EpochStarts: c.self.EpochStarts(),
	}
}

func (c *coordinator) enterSyncLocked(reason string) {
	prev := c.status
	now := c.clock.Now()
	c.status = proto.StatusSync
	c.resetRoundLocked()
	if prev == proto.StatusWork {
		c.roundStart = now
		c.excluded = 0
		c.metrics.IncRoundStarted()
	}
	c.deadline = now.Add(c.cfg.readyTimeout)
	c.logger.Info("entering sync", zap.String("reason", reason), zap.String("from", string(prev)))
	c.out.broadcast(c.roundStartLocked())
	c.kick()
}

func (c *coordinator) enterReadyLocked(now time.Time) {
	c.status = proto.StatusReady
	c.satisfied = c.expected
	c.expected = make(map[string]map[string]uint64)
	c.timeouts = 0
	c.deadline = now.Add(c.cfg.readyTimeout)
	c.logger.Info("entering ready", zap.Int("peers", c.self.Peers.Len()))
	c.out.broadcast(&proto.StatusAnnounce{Status: proto.StatusReady})
}

func (c *coordinator) finishRoundLocked(now time.Time, peers int) {
	summary := metrics.RoundSummary{
		FinishedAt: now,
		Duration:   now.Sub(c.roundStart),
		Variables:  len(c.compacted),
		Peers:      peers,
		Excluded:   c.excluded,
	}
	c.lastFinals = c.myFinals
	c.status = proto.StatusWork
	c.resetRoundLocked()
	c.lastCompaction = now
	c.metrics.RoundCompleted(summary)
	c.logger.Info("round complete",
		zap.Duration("took", summary.Duration),
		zap.Int("variables", summary.Variables),
		zap.Int("peers", summary.Peers),
		zap.Int("excluded", summary.Excluded))
	c.out.broadcast(&proto.StatusAnnounce{Status: proto.StatusWork})
}

// onRoundStart handles a peer's round announcement, whether broadcast or a
// point-to-point invite.
func (c *coordinator) onRoundStart(from string, expected, starts map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case proto.StatusWork:
		c.enterSyncLocked("round start from " + from)
	case proto.StatusReady:
		if prev, ok := c.satisfied[from]; ok && maps.Equal(prev, expected) {
			return
		}
		c.enterSyncLocked("round start while ready from " + from)
	}
	c.recordExpectationsLocked(from, expected, starts)
	c.kick()
}

func (c *coordinator) onMismatchResponse(from string, expected, starts map[string]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != proto.StatusSync {
		return
	}
	c.recordExpectationsLocked(from, expected, starts)
	c.kick()
}

func (c *coordinator) recordExpectationsLocked(from string, expected, starts map[string]uint64) {
	c.expected[from] = maps.Clone(expected)
	if c.expected[from] == nil {
		c.expected[from] = make(map[string]uint64)
	}
	for name, next := range expected {
		v, _ := c.self.Vars.GetOrCreate(name)
		if start, ok := starts[name]; ok {
			v.SetEpochStart(from, start)
		}
		c.requestGapsLocked(from, v, next)
	}
}

func (c *coordinator) requestGapsLocked(from string, v *crdt.Variable, next uint64) {
	missing := v.MissingBelow(from, next)
	for len(missing) > 0 {
		n := min(len(missing), maxGapNonces)
		c.out.send(from, &proto.GapFillRequest{Variable: v.Name(), Nonces: missing[:n]})
		missing = missing[n:]
		c.metrics.AddGapRequested(n)
	}
}

// syncCompleteLocked reports whether every known peer announced its next
// nonces and every announced run is held. With nudge set, it also re-asks
// for whatever is still missing.
func (c *coordinator) syncCompleteLocked(nudge bool) bool {
	complete := true
	for _, rec := range c.self.Peers.List() {
		exp, ok := c.expected[rec.Addr]
		if !ok {
			complete = false
			if !nudge {
				continue
			}
			if rec.Status == proto.StatusWork {
				c.out.send(rec.Addr, c.roundStartLocked())
			} else {
				c.out.send(rec.Addr, &proto.RoundMismatchRequest{})
			}
			continue
		}
		for name, next := range exp {
			v, _ := c.self.Vars.GetOrCreate(name)
			if v.Contiguous(rec.Addr, next) {
				continue
			}
			complete = false
			if nudge {
				c.requestGapsLocked(rec.Addr, v, next)
			}
		}
	}
	return complete
}

func (c *coordinator) peerSyncedLocked(addr string) bool {
	exp, ok := c.expected[addr]
	if !ok {
		return false
	}
	for name, next := range exp {
		v, ok := c.self.Vars.Get(name)
		if !ok || !v.Contiguous(addr, next) {
			return false
		}
	}
	return true
}

func (c *coordinator) onRoundStop(from string, finals map[string]int64, reply bool) {
	for name := range finals {
		c.self.Vars.GetOrCreate(name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case proto.StatusWork:
		if !reply && c.lastFinals != nil {
			c.out.send(from, &proto.RoundStop{Finals: c.lastFinals, Reply: true})
		}
		return
	case proto.StatusSync:
		if reply {
			return
		}
	case proto.StatusReady:
		if !reply && c.sentStop {
			c.out.send(from, &proto.RoundStop{Finals: c.myFinals, Reply: true})
		}
	}
	c.finals[from] = maps.Clone(finals)
	c.kick()
}

// tick advances the round. poll marks a timer tick, as opposed to a kick
// from a message; only polls re-request missing data and check deadlines.
func (c *coordinator) tick(poll bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	switch c.status {
	case proto.StatusWork:
		if poll && c.cfg.autoRound > 0 && now.Sub(c.lastCompaction) >= c.cfg.autoRound {
			c.enterSyncLocked("auto round")
		}
	case proto.StatusSync:
		if c.syncCompleteLocked(poll) {
			c.enterReadyLocked(now)
			c.advanceReadyLocked(now)
			return
		}
		if poll && !now.Before(c.deadline) {
			c.syncTimeoutLocked(now)
		}
	case proto.StatusReady:
		c.advanceReadyLocked(now)
		if c.status == proto.StatusReady && poll && !now.Before(c.deadline) {
			c.readyTimeoutLocked(now)
		}
	}
}

func (c *coordinator) peerReadyLocked(addr string, status proto.Status) bool {
	_, ok := c.finals[addr]
	return ok || status == proto.StatusReady
}

// advanceReadyLocked sends our round-stop once every peer is ready and
// compacts each variable whose final value every peer confirmed.
func (c *coordinator) advanceReadyLocked(now time.Time) {
	peers := c.self.Peers.List()
	if !c.sentStop {
		for _, rec := range peers {
			if !c.peerReadyLocked(rec.Addr, rec.Status) {
				return
			}
		}
		c.myFinals = c.self.FinalValues()
		c.sentStop = true
		c.timeouts = 0
		c.deadline = now.Add(c.cfg.readyTimeout)
		c.out.broadcast(&proto.RoundStop{Finals: c.myFinals})
	}

	for _, v := range c.self.Vars.All() {
		name := v.Name()
		if c.compacted[name] {
			continue
		}
		value := v.Value()
		agreed := true
		for _, rec := range peers {
			f, ok := c.finals[rec.Addr]
			if !ok || f[name] != value {
				agreed = false
				break
			}
		}
		if !agreed {
			continue
		}
		v.Reset()
		c.compacted[name] = true
		c.metrics.IncCompacted()
		c.logger.Debug("variable compacted", zap.String("variable", name), zap.Int64("baseline", value))
	}

	for _, rec := range peers {
		if _, ok := c.finals[rec.Addr]; !ok {
			return
		}
	}
	for _, name := range c.self.Vars.Names() {
		if !c.compacted[name] {
			return
		}
	}
	c.finishRoundLocked(now, len(peers))
}

func (c *coordinator) agreesLocked(finals map[string]int64) bool {
	for _, v := range c.self.Vars.All() {
		if c.compacted[v.Name()] {
			continue
		}
		if finals[v.Name()] != v.Value() {
			return false
		}
	}
	return true
}

// readyTimeoutLocked nudges peers holding up the ready phase. After
// maxTimeouts expiries silent peers are dropped from the table; if every
// peer answered but some disagree, the round goes back to sync.
func (c *coordinator) readyTimeoutLocked(now time.Time) {
	c.timeouts++
	c.metrics.IncRoundTimeout()
	var silent, disagree []string
	for _, rec := range c.self.Peers.List() {
		f, has := c.finals[rec.Addr]
		switch {
		case !c.sentStop:
			if c.peerReadyLocked(rec.Addr, rec.Status) {
				continue
			}
			silent = append(silent, rec.Addr)
			if rec.Status == proto.StatusWork {
				c.out.send(rec.Addr, c.roundStartLocked())
			} else {
				c.out.send(rec.Addr, &proto.StatusQuery{})
			}
		case !has:
			silent = append(silent, rec.Addr)
			c.out.send(rec.Addr, &proto.RoundStop{Finals: c.myFinals})
		case !c.agreesLocked(f):
			disagree = append(disagree, rec.Addr)
		}
	}
	if !c.sentStop {
		c.out.broadcast(&proto.StatusAnnounce{Status: proto.StatusReady})
	}
	c.logger.Debug("ready phase timed out",
		zap.Int("timeouts", c.timeouts),
		zap.Strings("silent", silent),
		zap.Strings("disagree", disagree))
	c.deadline = now.Add(c.cfg.readyTimeout)
	if c.timeouts < c.cfg.maxTimeouts {
		return
	}
	switch {
	case len(silent) > 0:
		c.excludeLocked(silent, "no answer in ready phase")
		c.timeouts = 0
		c.advanceReadyLocked(now)
	case len(disagree) > 0:
		c.logger.Warn("final values disagree, resyncing", zap.Strings("peers", disagree))
		c.enterSyncLocked("final values disagree")
	default:
		c.timeouts = 0
	}
}

// syncTimeoutLocked drops peers that still block the sync phase and have not
// been heard from for the whole timeout window. Peers that keep answering
// are given more time.
func (c *coordinator) syncTimeoutLocked(now time.Time) {
	c.timeouts++
	c.metrics.IncRoundTimeout()
	c.deadline = now.Add(c.cfg.readyTimeout)
	if c.timeouts < c.cfg.maxTimeouts {
		return
	}
	window := c.cfg.readyTimeout * time.Duration(c.cfg.maxTimeouts)
	var stale []string
	for _, rec := range c.self.Peers.List() {
		if c.peerSyncedLocked(rec.Addr) {
			continue
		}
		if now.Sub(rec.LastSeen) >= window {
			stale = append(stale, rec.Addr)
		}
	}
	c.timeouts = 0
	if len(stale) > 0 {
		c.excludeLocked(stale, "no answer in sync phase")
		c.kick()
	}
}

func (c *coordinator) excludeLocked(addrs []string, reason string) {
	for _, addr := range addrs {
		if !c.self.Peers.Remove(addr) {
			continue
		}
		delete(c.expected, addr)
		delete(c.finals, addr)
		c.excluded++
		c.metrics.AddExcluded(1)
		c.logger.Warn("excluding peer from round", zap.String("peer", addr), zap.String("reason", reason))
	}
	c.metrics.SetPeers(c.self.Peers.Len())
}

// onNewPeer bootstraps a peer seen for the first time: it gets our history
// for every variable, our status, and an invite when we are mid-round and it
// is not.
func (c *coordinator) onNewPeer(addr string, peerStatus proto.Status) {
	c.mu.RLock()
	status := c.status
	var invite *proto.RoundStart
	if status != proto.StatusWork && peerStatus == proto.StatusWork {
		invite = c.roundStartLocked()
	}
	c.mu.RUnlock()

	for _, v := range c.self.Vars.All() {
		snap := v.Snapshot()
		c.out.send(addr, &proto.HistorySnapshot{
			Variable:   v.Name(),
			Baseline:   snap.Baseline,
			Epoch:      snap.Epoch,
			EpochStart: snap.EpochStart,
			Entries:    snap.Entries,
			Floors:     snap.Floors,
		})
	}
	c.out.send(addr, &proto.PeerAnnounceAck{Status: status})
	if invite != nil {
		c.logger.Debug("inviting new peer into round", zap.String("peer", addr))
		c.out.send(addr, invite)
	}
	c.kick()
}
