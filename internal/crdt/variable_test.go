package crdt

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestVariable(t *testing.T) *Variable {
	t.Helper()
	return NewVariable("x", zaptest.NewLogger(t), Hooks{})
}

func requireInvariant(t *testing.T, v *Variable) {
	t.Helper()
	h := v.Histories()
	expected := v.Baseline() + h.Self.Sum()
	for _, ph := range h.Peers {
		expected += ph.Sum()
	}
	require.Equal(t, expected, v.Value())
}

func TestApplyLocalAssignsSequentialNonces(t *testing.T) {
	v := newTestVariable(t)
	require.Equal(t, uint64(0), v.ApplyLocal(5))
	require.Equal(t, uint64(1), v.ApplyLocal(3))

	require.Equal(t, int64(8), v.Value())
	require.Equal(t, History{0: 5, 1: 3}, v.Histories().Self)
	require.Equal(t, uint64(2), v.NextNonce())
	requireInvariant(t, v)
}

func TestApplyRemoteFromFreshNode(t *testing.T) {
	v := newTestVariable(t)
	require.True(t, v.ApplyRemote("A", 0, 10))
	require.Equal(t, int64(10), v.Value())
	require.Equal(t, History{0: 10}, v.Histories().Peers["A"])
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	var duplicates int
	v := NewVariable("x", zaptest.NewLogger(t), Hooks{
		OnDuplicate: func(string, string, uint64) { duplicates++ },
	})
	require.True(t, v.ApplyRemote("A", 3, 7))
	require.False(t, v.ApplyRemote("A", 3, 7))
	require.Equal(t, int64(7), v.Value())
	require.Equal(t, 1, duplicates)
	requireInvariant(t, v)
}

func TestApplyRemoteConflictKeepsFirst(t *testing.T) {
	var conflicts int
	v := NewVariable("x", zaptest.NewLogger(t), Hooks{
		OnConflict: func(string, string, uint64) { conflicts++ },
	})
	v.ApplyRemote("A", 0, 4)
	require.False(t, v.ApplyRemote("A", 0, 9))
	require.Equal(t, int64(4), v.Value())
	require.Equal(t, History{0: 4}, v.Histories().Peers["A"])
	require.Equal(t, 1, conflicts)
}

func TestMissingNonces(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("peer", 0, 5)
	v.ApplyRemote("peer", 2, -3)
	require.Equal(t, []uint64{1}, v.MissingNonces("peer"))
	require.Empty(t, v.MissingNonces("unknown"))

	v.ApplyRemote("other", 4, 1)
	require.Equal(t, []uint64{0, 1, 2, 3}, v.MissingNonces("other"))
}

func TestMissingBelowAndContiguous(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("peer", 0, 1)
	v.ApplyRemote("peer", 1, 1)
	require.True(t, v.Contiguous("peer", 2))
	require.False(t, v.Contiguous("peer", 4))
	require.Equal(t, []uint64{2, 3}, v.MissingBelow("peer", 4))
	require.True(t, v.Contiguous("nobody", 0))
	require.Equal(t, []uint64{0}, v.MissingBelow("nobody", 1))
}

func TestNonceValuesReturnsSubset(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyLocal(1)
	v.ApplyLocal(9)
	v.ApplyLocal(7)
	v.ApplyLocal(0)
	v.ApplyLocal(0)
	v.ApplyLocal(-2)
	// self history is {0:1, 1:9, 2:7, 3:0, 4:0, 5:-2}
	require.Equal(t, History{2: 7, 5: -2}, v.NonceValues([]uint64{2, 5}))
	require.Equal(t, History{}, v.NonceValues([]uint64{7}))
}

func TestResetCompactsHistory(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyLocal(5)
	v.ApplyLocal(3)
	v.ApplyRemote("A", 0, 10)
	v.ApplyRemote("A", 1, -1)
	before := v.Value()
	next := v.NextNonce()

	v.Reset()

	require.Equal(t, before, v.Baseline())
	require.Equal(t, before, v.Value())
	require.Empty(t, v.Histories().Self)
	require.Empty(t, v.Histories().Peers)
	require.Equal(t, next, v.NextNonce())
	require.Equal(t, next, v.EpochStart())
	require.Equal(t, uint64(1), v.Epoch())
	requireInvariant(t, v)
}

func TestResetKeepsGapDetectionWithinEpoch(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("A", 0, 1)
	v.ApplyRemote("A", 1, 1)
	v.Reset()

	// A's next epoch starts at nonce 2; nothing below it is a gap.
	v.ApplyRemote("A", 3, 4)
	require.Equal(t, []uint64{2}, v.MissingNonces("A"))
	require.Equal(t, []uint64{2}, v.MissingBelow("A", 4))

	// A stale delivery from the compacted epoch is ignored.
	require.False(t, v.ApplyRemote("A", 1, 1))
	require.Equal(t, int64(6), v.Value())
	requireInvariant(t, v)
}

func TestMergeSnapshotAdoptsBaselineAndHistory(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyLocal(2)
	v.ApplyRemote("B", 0, 100)

	v.MergeSnapshot("B", Snapshot{Baseline: 50, Epoch: 3, EpochStart: 4, Entries: History{4: 1, 5: 1}})

	require.Equal(t, int64(50), v.Baseline())
	require.Equal(t, uint64(3), v.Epoch())
	require.Equal(t, History{4: 1, 5: 1}, v.Histories().Peers["B"])
	require.Equal(t, int64(54), v.Value())
	require.Empty(t, v.MissingNonces("B"))
	requireInvariant(t, v)
}

func TestMergeSnapshotFromOlderEpochKeepsBaseline(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyLocal(30)
	v.Reset()
	v.ApplyLocal(1)

	v.MergeSnapshot("new", Snapshot{Baseline: 0, Epoch: 0, Entries: History{0: 5}})

	require.Equal(t, int64(30), v.Baseline())
	require.Equal(t, int64(36), v.Value())
	requireInvariant(t, v)
}

func TestCheckCorrectsDriftedValue(t *testing.T) {
	var corrections int
	core, logs := observer.New(zapcore.WarnLevel)
	v := NewVariable("x", zap.New(core), Hooks{
		OnCorrection: func(_ string, observed, expected int64) {
			corrections++
			require.Equal(t, int64(99), observed)
			require.Equal(t, int64(4), expected)
		},
	})
	v.ApplyLocal(4)
	v.mu.Lock()
	v.value = 99
	v.mu.Unlock()

	require.True(t, v.Check())
	require.Equal(t, int64(4), v.Value())
	require.False(t, v.Check())
	require.Equal(t, 1, corrections)
	warned := logs.FilterMessage("value disagrees with accounted history, correcting")
	require.Equal(t, 1, warned.Len())
	require.Equal(t, "x", warned.All()[0].ContextMap()["variable"])
}

func TestShuffledRedeliveryConverges(t *testing.T) {
	type op struct {
		peer  string
		nonce uint64
		delta int64
	}
	var ops []op
	var total int64
	rng := rand.New(rand.NewPCG(1, 2))
	for _, peer := range []string{"a", "b", "c"} {
		for n := uint64(0); n < 40; n++ {
			d := rng.Int64N(21) - 10
			ops = append(ops, op{peer, n, d})
			total += d
		}
	}
	// every operation delivered twice, in random order
	deliveries := append(append([]op{}, ops...), ops...)
	rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

	v := newTestVariable(t)
	for _, o := range deliveries {
		v.ApplyRemote(o.peer, o.nonce, o.delta)
		requireInvariant(t, v)
	}
	require.Equal(t, total, v.Value())
	for _, peer := range []string{"a", "b", "c"} {
		require.True(t, v.Contiguous(peer, 40))
	}
}

func TestConcurrentApply(t *testing.T) {
	v := newTestVariable(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.ApplyLocal(1)
			}
		}()
		go func(peer string) {
			defer wg.Done()
			for j := uint64(0); j < 100; j++ {
				v.ApplyRemote(peer, j, 1)
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()
	require.Equal(t, int64(1600), v.Value())
	require.Equal(t, uint64(800), v.NextNonce())
	requireInvariant(t, v)
}

func TestSetEpochStartOnlyRaises(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("A", 0, 1)
	v.ApplyRemote("A", 1, 1)
	v.Reset()
	// A has not compacted yet and still claims epoch start 0.
	v.SetEpochStart("A", 0)
	require.Empty(t, v.MissingBelow("A", 2))
	require.False(t, v.ApplyRemote("A", 0, 1))

	v.SetEpochStart("A", 5)
	require.Equal(t, []uint64{5, 6}, v.MissingBelow("A", 7))
}

func TestSetEpochStartKeepsHeldEntries(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("A", 0, 3)
	v.ApplyRemote("A", 1, 4)
	v.SetEpochStart("A", 2)
	require.Equal(t, int64(7), v.Value())
	v.Reset()
	require.Equal(t, int64(7), v.Baseline())
	require.False(t, v.ApplyRemote("A", 1, 4))
	require.True(t, v.ApplyRemote("A", 2, 1))
	requireInvariant(t, v)
}

func TestMergeOlderSnapshotSkipsCompactedEntries(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyRemote("B", 0, 5)
	v.Reset()
	v.MergeSnapshot("B", Snapshot{Baseline: 0, Epoch: 0, EpochStart: 0, Entries: History{0: 5, 1: 2}})
	require.Equal(t, History{1: 2}, v.Histories().Peers["B"])
	require.Equal(t, int64(7), v.Value())
	requireInvariant(t, v)
}

func TestMergeSnapshotKeepsNewerEntries(t *testing.T) {
	v := newTestVariable(t)
	// the operation overtook a snapshot taken just before it
	v.ApplyRemote("A", 0, 5)
	v.MergeSnapshot("A", Snapshot{Entries: History{}})
	require.Equal(t, int64(5), v.Value())
	require.Equal(t, History{0: 5}, v.Histories().Peers["A"])
	requireInvariant(t, v)
}

func TestSnapshotForMovesRecipientFloor(t *testing.T) {
	snap := Snapshot{Floors: map[string]uint64{"B": 3, "C": 7}}
	got := snap.For("B")
	require.Equal(t, uint64(3), got.SelfFloor)
	require.Equal(t, map[string]uint64{"C": 7}, got.Floors)
	require.Len(t, snap.Floors, 2)
}

func TestMergeNewerSnapshotDropsFoldedEntries(t *testing.T) {
	v := newTestVariable(t)
	v.ApplyLocal(2)
	v.ApplyRemote("A", 0, 3)
	v.ApplyRemote("C", 1, 4)
	v.ApplyRemote("C", 2, 6)

	v.MergeSnapshot("A", Snapshot{
		Baseline:   9,
		Epoch:      1,
		EpochStart: 1,
		Entries:    History{},
		Floors:     map[string]uint64{"C": 2},
		SelfFloor:  1,
	})

	require.Equal(t, int64(15), v.Value())
	h := v.Histories()
	require.Empty(t, h.Self)
	require.Empty(t, h.Peers["A"])
	require.Equal(t, History{2: 6}, h.Peers["C"])
	require.Equal(t, uint64(1), v.EpochStart())
	require.Empty(t, v.MissingBelow("C", 3))
	require.False(t, v.ApplyRemote("C", 1, 4))
	require.Equal(t, uint64(1), v.ApplyLocal(1))
	requireInvariant(t, v)
}

func TestExcludedPeerAdoptsCompactedSnapshot(t *testing.T) {
	a := NewVariable("x", zaptest.NewLogger(t).Named("a"), Hooks{})
	b := NewVariable("x", zaptest.NewLogger(t).Named("b"), Hooks{})
	a.ApplyLocal(3)
	b.ApplyLocal(2)
	a.ApplyRemote("b", 0, 2)
	b.ApplyRemote("a", 0, 3)
	// a compacts without b, then b comes back
	a.Reset()
	b.MergeSnapshot("a", a.Snapshot().For("b"))

	require.Equal(t, a.Value(), b.Value())
	require.Equal(t, int64(5), b.Baseline())
	require.Empty(t, b.Histories().Self)

	// b's claims now line up with what a already folded
	require.Equal(t, uint64(1), b.EpochStart())
	a.SetEpochStart("b", b.EpochStart())
	require.Empty(t, a.MissingBelow("b", b.NextNonce()))

	b.ApplyLocal(1)
	require.True(t, a.ApplyRemote("b", 1, 1))
	require.Equal(t, a.Value(), b.Value())
}
