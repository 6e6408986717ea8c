// Package crdt implements the replicated counter: an operation-based CRDT whose
// value is always derivable from a baseline plus nonce-indexed histories.
package crdt

import (
	"slices"
	"sync"

	"go.uber.org/zap"
)

// History maps a nonce to the delta of the operation issued under it.
type History map[uint64]int64

func (h History) Sum() int64 {
	var total int64
	for _, d := range h {
		total += d
	}
	return total
}

func (h History) Clone() History {
	out := make(History, len(h))
	for n, d := range h {
		out[n] = d
	}
	return out
}

// Histories is a copy of a variable's current-epoch histories.
type Histories struct {
	Self  History
	Peers map[string]History
}

// Snapshot is what a node hands a new peer so it can bootstrap the variable.
// Floors is the sender's first nonce of the current epoch per third-party
// origin; everything below a floor is already part of Baseline. SelfFloor is
// the same bound for the receiver's own nonces and is filled in on receipt.
type Snapshot struct {
	Baseline   int64
	Epoch      uint64
	EpochStart uint64
	Entries    History
	Floors     map[string]uint64
	SelfFloor  uint64
}

// For returns the snapshot as seen by recipient: the floor the sender holds
// for the recipient's own nonces moves into SelfFloor.
func (s Snapshot) For(recipient string) Snapshot {
	floors := make(map[string]uint64, len(s.Floors))
	for origin, f := range s.Floors {
		if origin == recipient {
			s.SelfFloor = f
			continue
		}
		floors[origin] = f
	}
	s.Floors = floors
	return s
}

// Variable is one named counter. All methods are safe for concurrent use.
//
// Invariant: value == baseline + Σ self + Σ_peer Σ peers[peer].
type Variable struct {
	mu     sync.Mutex
	name   string
	logger *zap.Logger
	hooks  Hooks

	value     int64
	baseline  int64
	epoch     uint64
	nextNonce uint64
	selfStart uint64
	self      History
	peers     map[string]History
	// peerStart is the first nonce of the current epoch per origin.
	peerStart map[string]uint64
}

// Hooks lets the owner observe protocol anomalies (used for metrics).
type Hooks struct {
	OnCorrection func(name string, observed, expected int64)
	OnConflict   func(name, peer string, nonce uint64)
	OnDuplicate  func(name, peer string, nonce uint64)
	OnStale      func(name, peer string, nonce uint64)
}

func NewVariable(name string, logger *zap.Logger, hooks Hooks) *Variable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Variable{
		name:      name,
		logger:    logger.With(zap.String("variable", name)),
		hooks:     hooks,
		self:      make(History),
		peers:     make(map[string]History),
		peerStart: make(map[string]uint64),
	}
}

func (v *Variable) Name() string { return v.name }

// ApplyLocal records a locally originated delta and returns the nonce assigned to it.
func (v *Variable) ApplyLocal(delta int64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	nonce := v.nextNonce
	v.self[nonce] = delta
	v.nextNonce++
	v.value += delta
	return nonce
}

// ApplyRemote records an operation originated by peer. It reports whether the
// operation was new. Redelivery of a known (peer, nonce) never changes the value;
// a different delta for a known nonce is a protocol violation and the first
// value wins.
func (v *Variable) ApplyRemote(peer string, nonce uint64, delta int64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if nonce < v.peerStart[peer] {
		v.logger.Debug("ignoring operation from compacted epoch",
			zap.String("peer", peer), zap.Uint64("nonce", nonce), zap.Uint64("epoch_start", v.peerStart[peer]))
		if v.hooks.OnStale != nil {
			v.hooks.OnStale(v.name, peer, nonce)
		}
		return false
	}
	h := v.peers[peer]
	if h == nil {
		h = make(History)
		v.peers[peer] = h
	}
	if prev, ok := h[nonce]; ok {
		if prev != delta {
			v.logger.Warn("conflicting delta for known nonce, keeping first",
				zap.String("peer", peer), zap.Uint64("nonce", nonce),
				zap.Int64("kept", prev), zap.Int64("dropped", delta))
			if v.hooks.OnConflict != nil {
				v.hooks.OnConflict(v.name, peer, nonce)
			}
		} else if v.hooks.OnDuplicate != nil {
			v.hooks.OnDuplicate(v.name, peer, nonce)
		}
		return false
	}
	h[nonce] = delta
	v.value += delta
	v.reconcileLocked()
	return true
}

// MergeSnapshot folds the snapshot peer announced into our view of it. The
// snapshot baseline is adopted unless it comes from an older epoch than ours;
// in that case entries below the floor already held for peer were folded into
// our baseline and are skipped. Entries already held at or above the floor
// are kept: a snapshot taken before an operation may arrive after it.
//
// Adopting a baseline also adopts the sender's floors. Entries below them,
// our own included, are counted in the adopted baseline and are dropped.
func (v *Variable) MergeSnapshot(peer string, snap Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	floor := snap.EpochStart
	if snap.Epoch >= v.epoch {
		v.baseline = snap.Baseline
		v.epoch = snap.Epoch
		v.raiseSelfFloorLocked(snap.SelfFloor)
		for origin, f := range snap.Floors {
			if origin != peer {
				v.raisePeerFloorLocked(origin, f)
			}
		}
	} else {
		v.logger.Debug("keeping baseline over snapshot from older epoch",
			zap.String("peer", peer), zap.Uint64("snapshot_epoch", snap.Epoch), zap.Uint64("epoch", v.epoch))
		floor = max(floor, v.peerStart[peer])
	}
	h := make(History, len(snap.Entries))
	for n, d := range v.peers[peer] {
		if n >= floor {
			h[n] = d
		}
	}
	for n, d := range snap.Entries {
		if n >= floor {
			h[n] = d
		}
	}
	v.peers[peer] = h
	v.peerStart[peer] = floor
	v.value = v.accountedLocked()
}

func (v *Variable) raiseSelfFloorLocked(floor uint64) {
	floor = min(floor, v.nextNonce)
	if floor <= v.selfStart {
		return
	}
	dropped := 0
	for n := range v.self {
		if n < floor {
			delete(v.self, n)
			dropped++
		}
	}
	v.selfStart = floor
	if dropped > 0 {
		v.logger.Info("own operations already folded into adopted baseline",
			zap.Int("dropped", dropped), zap.Uint64("epoch_start", floor))
	}
}

func (v *Variable) raisePeerFloorLocked(peer string, floor uint64) {
	if floor <= v.peerStart[peer] {
		return
	}
	v.peerStart[peer] = floor
	for n := range v.peers[peer] {
		if n < floor {
			delete(v.peers[peer], n)
		}
	}
	if len(v.peers[peer]) == 0 {
		delete(v.peers, peer)
	}
}

// SetEpochStart raises the first nonce of peer's current epoch to start, as
// claimed by that peer in a round announcement. The floor never moves down:
// nonces below it were compacted here and must not be fetched again. Entries
// already held below a raised floor stay accounted; the peer only compacts
// them after this node agreed on a value that includes them.
func (v *Variable) SetEpochStart(peer string, start uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if start > v.peerStart[peer] {
		v.peerStart[peer] = start
	}
}

// MissingNonces lists the holes below the highest nonce seen from peer.
// Gaps at or above that nonce are invisible here; rounds catch them by
// comparing against the peer's claimed next nonce.
func (v *Variable) MissingNonces(peer string) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.peers[peer]
	if len(h) == 0 {
		return nil
	}
	var highest uint64
	for n := range h {
		highest = max(highest, n)
	}
	return v.missingLocked(peer, highest)
}

// MissingBelow lists every nonce in [epochStart, expected) not yet held for peer.
func (v *Variable) MissingBelow(peer string, expected uint64) []uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.missingLocked(peer, expected)
}

// Contiguous reports whether peer's history covers [epochStart, expected).
func (v *Variable) Contiguous(peer string, expected uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.peers[peer]
	for n := v.peerStart[peer]; n < expected; n++ {
		if _, ok := h[n]; !ok {
			return false
		}
	}
	return true
}

func (v *Variable) missingLocked(peer string, upTo uint64) []uint64 {
	h := v.peers[peer]
	var out []uint64
	for n := v.peerStart[peer]; n < upTo; n++ {
		if _, ok := h[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// NonceValues returns the subset of nonces found in the local history.
func (v *Variable) NonceValues(nonces []uint64) History {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(History, len(nonces))
	for _, n := range nonces {
		if d, ok := v.self[n]; ok {
			out[n] = d
		}
	}
	return out
}

// Reset folds the current epoch into the baseline. The nonce counter keeps
// counting so a later epoch never reuses a nonce.
func (v *Variable) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.baseline = v.value
	v.epoch++
	v.selfStart = v.nextNonce
	for peer, h := range v.peers {
		if len(h) == 0 {
			continue
		}
		var highest uint64
		for n := range h {
			highest = max(highest, n)
		}
		v.peerStart[peer] = max(v.peerStart[peer], highest+1)
	}
	v.self = make(History)
	v.peers = make(map[string]History)
}

func (v *Variable) Value() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

func (v *Variable) Baseline() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.baseline
}

func (v *Variable) NextNonce() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.nextNonce
}

// EpochStart is the first nonce this node issued in the current epoch.
func (v *Variable) EpochStart() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selfStart
}

func (v *Variable) Epoch() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epoch
}

func (v *Variable) Histories() Histories {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := Histories{
		Self:  v.self.Clone(),
		Peers: make(map[string]History, len(v.peers)),
	}
	for peer, h := range v.peers {
		out.Peers[peer] = h.Clone()
	}
	return out
}

// Peers lists the origins with history in the current epoch.
func (v *Variable) Peers() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.peers))
	for peer := range v.peers {
		out = append(out, peer)
	}
	slices.Sort(out)
	return out
}

// Snapshot returns the baseline, local history and per-origin floors for
// bootstrapping a new peer.
func (v *Variable) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	floors := make(map[string]uint64, len(v.peerStart))
	for peer, f := range v.peerStart {
		if f > 0 {
			floors[peer] = f
		}
	}
	return Snapshot{
		Baseline:   v.baseline,
		Epoch:      v.epoch,
		EpochStart: v.selfStart,
		Entries:    v.self.Clone(),
		Floors:     floors,
	}
}

// Check recomputes the invariant and repairs the value if needed. It reports
// whether a correction was made.
func (v *Variable) Check() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reconcileLocked()
}

func (v *Variable) accountedLocked() int64 {
	total := v.baseline + v.self.Sum()
	for _, h := range v.peers {
		total += h.Sum()
	}
	return total
}

func (v *Variable) reconcileLocked() bool {
	expected := v.accountedLocked()
	if v.value == expected {
		return false
	}
	v.logger.Warn("value disagrees with accounted history, correcting",
		zap.Int64("observed", v.value), zap.Int64("expected", expected))
	if v.hooks.OnCorrection != nil {
		v.hooks.OnCorrection(v.name, v.value, expected)
	}
	v.value = expected
	return true
}
