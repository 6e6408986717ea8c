package daemon

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"countermesh/internal/metrics"
	"countermesh/internal/node"
	"countermesh/internal/peer"
	"countermesh/internal/proto"
)

type sent struct {
	to  string
	msg proto.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) send(to string, m proto.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{to: to, msg: m})
}

func (r *recorder) broadcast(m proto.Message) { r.send("", m) }

func (r *recorder) take() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

func ofKind(msgs []sent, k proto.Kind) []sent {
	var out []sent
	for _, s := range msgs {
		if s.msg.Kind() == k {
			out = append(out, s)
		}
	}
	return out
}

type coordFixture struct {
	c       *coordinator
	out     *recorder
	clock   clockwork.FakeClock
	metrics *metrics.Metrics
}

func newCoordFixture(t *testing.T, cfg roundConfig) *coordFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	self, err := node.NewNode("10.0.0.1:7400", node.Options{
		Logger:    zaptest.NewLogger(t),
		TableOpts: []peer.Opt{peer.WithClock(clock)},
	})
	require.NoError(t, err)
	out := &recorder{}
	m := metrics.New()
	return &coordFixture{
		c:       newCoordinator(self, out, cfg, zaptest.NewLogger(t), m, clock),
		out:     out,
		clock:   clock,
		metrics: m,
	}
}

func defaultRoundConfig() roundConfig {
	return roundConfig{readyTimeout: time.Second, maxTimeouts: 2}
}

func TestApplyRejectedOutsideWork(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	f.c.self.Peers.Upsert("10.0.0.2:7400", proto.StatusWork)

	_, err := f.c.applyLocal("x", 5)
	require.NoError(t, err)
	require.NoError(t, f.c.requestRound())
	require.Equal(t, proto.StatusSync, f.c.Status())

	_, err = f.c.applyLocal("x", 1)
	require.ErrorIs(t, err, ErrRoundInProgress)
	require.ErrorIs(t, f.c.requestRound(), ErrRoundInProgress)

	v, _ := f.c.self.Vars.Get("x")
	require.Equal(t, int64(5), v.Value())
	require.Equal(t, uint64(1), f.metrics.Snapshot().Ops.Rejected)

	starts := ofKind(f.out.take(), proto.KindRoundStart)
	require.Len(t, starts, 1)
	require.Equal(t, map[string]uint64{"x": 1}, starts[0].msg.(*proto.RoundStart).Expected)
}

func TestLoneNodeCompactsImmediately(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	f.c.applyLocal("x", 4)
	f.c.applyLocal("x", -1)
	require.NoError(t, f.c.requestRound())
	f.c.tick(false)

	require.Equal(t, proto.StatusWork, f.c.Status())
	v, _ := f.c.self.Vars.Get("x")
	require.Equal(t, int64(3), v.Baseline())
	require.Empty(t, v.Histories().Self)
	require.Equal(t, uint64(1), f.metrics.Snapshot().Rounds.Completed)
}

func TestRoundStartRequestsGaps(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	f.c.self.Peers.Upsert(b, proto.StatusSync)
	v, _ := f.c.self.Vars.GetOrCreate("x")
	v.ApplyRemote(b, 1, 7)

	f.c.onRoundStart(b, map[string]uint64{"x": 3}, map[string]uint64{"x": 0})
	require.Equal(t, proto.StatusSync, f.c.Status())

	reqs := ofKind(f.out.take(), proto.KindGapFillRequest)
	require.Len(t, reqs, 1)
	require.Equal(t, b, reqs[0].to)
	require.Equal(t, []uint64{0, 2}, reqs[0].msg.(*proto.GapFillRequest).Nonces)

	f.c.tick(false)
	require.Equal(t, proto.StatusSync, f.c.Status())

	v.ApplyRemote(b, 0, 1)
	v.ApplyRemote(b, 2, 1)
	f.c.tick(false)
	require.Equal(t, proto.StatusReady, f.c.Status())
}

func TestSyncNudgesPeersWithoutExpectations(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	f.c.self.Peers.Upsert("10.0.0.2:7400", proto.StatusWork)
	f.c.self.Peers.Upsert("10.0.0.3:7400", proto.StatusReady)
	require.NoError(t, f.c.requestRound())
	f.out.take()

	f.c.tick(true)
	msgs := f.out.take()
	invites := ofKind(msgs, proto.KindRoundStart)
	require.Len(t, invites, 1)
	require.Equal(t, "10.0.0.2:7400", invites[0].to)
	queries := ofKind(msgs, proto.KindRoundMismatchRequest)
	require.Len(t, queries, 1)
	require.Equal(t, "10.0.0.3:7400", queries[0].to)

	f.c.onMismatchResponse("10.0.0.3:7400", map[string]uint64{}, nil)
	f.c.onRoundStart("10.0.0.2:7400", map[string]uint64{}, nil)
	f.c.tick(false)
	require.Equal(t, proto.StatusReady, f.c.Status())
}

// readyWithPeer drives the fixture to ready with one synced peer b.
func readyWithPeer(t *testing.T, f *coordFixture, b string) {
	t.Helper()
	f.c.self.Peers.Upsert(b, proto.StatusWork)
	f.c.applyLocal("x", 2)
	f.c.onRoundStart(b, map[string]uint64{}, nil)
	f.c.self.Peers.Upsert(b, proto.StatusSync)
	f.c.tick(false)
	require.Equal(t, proto.StatusReady, f.c.Status())
}

func TestTwoPartyStopCompacts(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	readyWithPeer(t, f, b)
	require.Empty(t, ofKind(f.out.take(), proto.KindRoundStop))

	f.c.self.Peers.Upsert(b, proto.StatusReady)
	f.c.tick(false)
	stops := ofKind(f.out.take(), proto.KindRoundStop)
	require.Len(t, stops, 1)
	require.Equal(t, map[string]int64{"x": 2}, stops[0].msg.(*proto.RoundStop).Finals)

	f.c.onRoundStop(b, map[string]int64{"x": 2}, false)
	// our stop already went out, so b gets a reply
	replies := ofKind(f.out.take(), proto.KindRoundStop)
	require.Len(t, replies, 1)
	require.True(t, replies[0].msg.(*proto.RoundStop).Reply)

	f.c.tick(false)
	require.Equal(t, proto.StatusWork, f.c.Status())
	v, _ := f.c.self.Vars.Get("x")
	require.Equal(t, int64(2), v.Baseline())

	// a late stop from b is answered with the finals of the finished round
	f.out.take()
	f.c.onRoundStop(b, map[string]int64{"x": 2}, false)
	replies = ofKind(f.out.take(), proto.KindRoundStop)
	require.Len(t, replies, 1)
	require.Equal(t, map[string]int64{"x": 2}, replies[0].msg.(*proto.RoundStop).Finals)

	// replies are never answered
	f.c.onRoundStop(b, map[string]int64{"x": 2}, true)
	require.Empty(t, f.out.take())
}

func TestMissingFinalEntryCountsAsZero(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	f.c.self.Vars.GetOrCreate("empty")
	readyWithPeer(t, f, b)
	f.c.onRoundStop(b, map[string]int64{"x": 2}, false)
	f.c.tick(false)
	require.Equal(t, proto.StatusWork, f.c.Status())
}

func TestReadyTimeoutExcludesSilentPeer(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	readyWithPeer(t, f, b)

	f.clock.Advance(time.Second)
	f.c.tick(true)
	require.Equal(t, proto.StatusReady, f.c.Status())
	queries := ofKind(f.out.take(), proto.KindStatusQuery)
	require.Len(t, queries, 1)
	require.Equal(t, b, queries[0].to)

	f.clock.Advance(time.Second)
	f.c.tick(true)
	require.Equal(t, proto.StatusWork, f.c.Status())
	require.Zero(t, f.c.self.Peers.Len())

	snap := f.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.Rounds.Excluded)
	require.Equal(t, uint64(2), snap.Rounds.Timeouts)
	require.Len(t, snap.Recent, 1)
	require.Equal(t, 1, snap.Recent[0].Excluded)
}

func TestMissingStopIsResent(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	readyWithPeer(t, f, b)
	f.c.self.Peers.Upsert(b, proto.StatusReady)
	f.c.tick(false)
	f.out.take()

	f.clock.Advance(time.Second)
	f.c.tick(true)
	stops := ofKind(f.out.take(), proto.KindRoundStop)
	require.Len(t, stops, 1)
	require.Equal(t, b, stops[0].to)
	require.False(t, stops[0].msg.(*proto.RoundStop).Reply)

	f.c.onRoundStop(b, map[string]int64{"x": 2}, true)
	f.c.tick(false)
	require.Equal(t, proto.StatusWork, f.c.Status())
	require.Equal(t, 1, f.c.self.Peers.Len())
}

func TestDisagreementResyncs(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	readyWithPeer(t, f, b)
	f.c.onRoundStop(b, map[string]int64{"x": 9}, false)
	f.c.tick(false)
	require.Equal(t, proto.StatusReady, f.c.Status())
	f.out.take()

	f.clock.Advance(time.Second)
	f.c.tick(true)
	f.clock.Advance(time.Second)
	f.c.tick(true)
	require.Equal(t, proto.StatusSync, f.c.Status())
	require.Len(t, ofKind(f.out.take(), proto.KindRoundStart), 1)

	v, _ := f.c.self.Vars.Get("x")
	require.Zero(t, v.Baseline())
	require.Equal(t, int64(2), v.Value())
	require.Equal(t, uint64(1), f.metrics.Snapshot().Rounds.Started)
}

func TestRoundStartWhileReady(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const b = "10.0.0.2:7400"
	readyWithPeer(t, f, b)
	f.out.take()

	// the same claims again change nothing
	f.c.onRoundStart(b, map[string]uint64{}, nil)
	require.Equal(t, proto.StatusReady, f.c.Status())
	require.Empty(t, f.out.take())

	f.c.onRoundStart(b, map[string]uint64{"x": 1}, nil)
	require.Equal(t, proto.StatusSync, f.c.Status())
	msgs := f.out.take()
	require.Len(t, ofKind(msgs, proto.KindRoundStart), 1)
	require.Len(t, ofKind(msgs, proto.KindGapFillRequest), 1)
}

func TestNewPeerBootstrap(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	f.c.applyLocal("x", 3)
	f.c.applyLocal("y", 1)
	f.out.take()

	f.c.onNewPeer("10.0.0.5:7400", proto.StatusWork)
	msgs := f.out.take()
	require.Len(t, ofKind(msgs, proto.KindHistorySnapshot), 2)
	acks := ofKind(msgs, proto.KindPeerAnnounceAck)
	require.Len(t, acks, 1)
	require.Equal(t, proto.StatusWork, acks[0].msg.(*proto.PeerAnnounceAck).Status)
	require.Empty(t, ofKind(msgs, proto.KindRoundStart))

	f.c.self.Peers.Upsert("10.0.0.2:7400", proto.StatusWork)
	require.NoError(t, f.c.requestRound())
	f.out.take()
	f.c.onNewPeer("10.0.0.6:7400", proto.StatusWork)
	invites := ofKind(f.out.take(), proto.KindRoundStart)
	require.Len(t, invites, 1)
	require.Equal(t, "10.0.0.6:7400", invites[0].to)
}

func TestSyncTimeoutDropsUnheardPeer(t *testing.T) {
	f := newCoordFixture(t, defaultRoundConfig())
	const ghost = "10.0.0.9:7400"
	f.c.self.Peers.Upsert(ghost, proto.StatusSync)
	require.NoError(t, f.c.requestRound())

	f.clock.Advance(time.Second)
	f.c.tick(true)
	require.Equal(t, 1, f.c.self.Peers.Len())
	f.clock.Advance(time.Second)
	f.c.tick(true)
	require.Zero(t, f.c.self.Peers.Len())

	f.c.tick(false)
	require.Equal(t, proto.StatusWork, f.c.Status())
}

func TestAutoRound(t *testing.T) {
	cfg := defaultRoundConfig()
	cfg.autoRound = time.Minute
	f := newCoordFixture(t, cfg)
	f.c.self.Peers.Upsert("10.0.0.2:7400", proto.StatusWork)

	f.c.tick(true)
	require.Equal(t, proto.StatusWork, f.c.Status())
	f.clock.Advance(time.Minute)
	f.c.tick(true)
	require.Equal(t, proto.StatusSync, f.c.Status())
}
