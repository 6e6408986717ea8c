// Package metrics keeps the node's counters. They can be dumped as a JSON
// snapshot and scraped through a Prometheus collector.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// RoundSummary describes one completed round.
type RoundSummary struct {
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Variables  int           `json:"variables"`
	Peers      int           `json:"peers"`
	Excluded   int           `json:"excluded"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Ops            OpMetrics         `json:"ops"`
	Rounds         RoundMetrics      `json:"rounds"`
	Send           SendMetrics       `json:"send"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Peers          int64             `json:"peers"`
	Recent         []RoundSummary    `json:"recent"`
}

type OpMetrics struct {
	Local       uint64 `json:"local"`
	Remote      uint64 `json:"remote"`
	Duplicate   uint64 `json:"duplicate"`
	Conflict    uint64 `json:"conflict"`
	Stale       uint64 `json:"stale"`
	Corrections uint64 `json:"corrections"`
	Rejected    uint64 `json:"rejected"`
}

type RoundMetrics struct {
	Started      uint64 `json:"started"`
	Completed    uint64 `json:"completed"`
	Compacted    uint64 `json:"compacted"`
	Timeouts     uint64 `json:"timeouts"`
	Excluded     uint64 `json:"excluded"`
	GapRequested uint64 `json:"gap_requested"`
	GapServed    uint64 `json:"gap_served"`
}

type SendMetrics struct {
	Sent           uint64 `json:"sent"`
	Failed         uint64 `json:"failed"`
	Broadcast      uint64 `json:"broadcast"`
	BroadcastError uint64 `json:"broadcast_error"`
	QueueFull      uint64 `json:"queue_full"`
}

type Metrics struct {
	opsLocal       atomic.Uint64
	opsRemote      atomic.Uint64
	opsDuplicate   atomic.Uint64
	opsConflict    atomic.Uint64
	opsStale       atomic.Uint64
	opsCorrections atomic.Uint64
	opsRejected    atomic.Uint64

	roundsStarted   atomic.Uint64
	roundsCompleted atomic.Uint64
	roundsCompacted atomic.Uint64
	roundsTimeouts  atomic.Uint64
	roundsExcluded  atomic.Uint64
	gapRequested    atomic.Uint64
	gapServed       atomic.Uint64

	sent           atomic.Uint64
	sendFailed     atomic.Uint64
	broadcast      atomic.Uint64
	broadcastError atomic.Uint64
	queueFull      atomic.Uint64

	currentConns   atomic.Int64
	currentStreams atomic.Int64
	peers          atomic.Int64

	labelsMu     sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *RoundRecent
}

func New() *Metrics {
	return &Metrics{
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRoundRecent(32),
	}
}

func (m *Metrics) Recent() *RoundRecent {
	return m.recent
}

func (m *Metrics) IncOpLocal()       { m.opsLocal.Add(1) }
func (m *Metrics) IncOpRemote()      { m.opsRemote.Add(1) }
func (m *Metrics) IncOpDuplicate()   { m.opsDuplicate.Add(1) }
func (m *Metrics) IncOpConflict()    { m.opsConflict.Add(1) }
func (m *Metrics) IncOpStale()       { m.opsStale.Add(1) }
func (m *Metrics) IncOpCorrection()  { m.opsCorrections.Add(1) }
func (m *Metrics) IncOpRejected()    { m.opsRejected.Add(1) }
func (m *Metrics) IncRoundStarted()  { m.roundsStarted.Add(1) }
func (m *Metrics) IncRoundTimeout()  { m.roundsTimeouts.Add(1) }
func (m *Metrics) IncCompacted()     { m.roundsCompacted.Add(1) }
func (m *Metrics) IncSent()          { m.sent.Add(1) }
func (m *Metrics) IncSendFailed()    { m.sendFailed.Add(1) }
func (m *Metrics) IncBroadcast()     { m.broadcast.Add(1) }
func (m *Metrics) IncBroadcastErr()  { m.broadcastError.Add(1) }
func (m *Metrics) IncQueueFull()     { m.queueFull.Add(1) }
func (m *Metrics) AddExcluded(n int) { m.roundsExcluded.Add(uint64(n)) }

func (m *Metrics) AddGapRequested(n int) { m.gapRequested.Add(uint64(n)) }
func (m *Metrics) AddGapServed(n int)    { m.gapServed.Add(uint64(n)) }

// RoundCompleted counts a finished round and remembers its summary.
func (m *Metrics) RoundCompleted(s RoundSummary) {
	m.roundsCompleted.Add(1)
	m.recent.Add(s)
}

func (m *Metrics) IncRecvByType(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	m.labelsMu.Lock()
	m.recvByType[kind]++
	m.labelsMu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.labelsMu.Lock()
	m.dropByReason[reason]++
	m.labelsMu.Unlock()
}

func (m *Metrics) SetCurrentConns(n int64)   { m.currentConns.Store(n) }
func (m *Metrics) AddCurrentConns(d int64)   { m.currentConns.Add(d) }
func (m *Metrics) SetCurrentStreams(n int64) { m.currentStreams.Store(n) }
func (m *Metrics) AddCurrentStreams(d int64) { m.currentStreams.Add(d) }
func (m *Metrics) SetPeers(n int)            { m.peers.Store(int64(n)) }

func (m *Metrics) Snapshot() Snapshot {
	m.labelsMu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drop := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drop[k] = v
	}
	m.labelsMu.Unlock()
	recent := []RoundSummary{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Ops: OpMetrics{
			Local:       m.opsLocal.Load(),
			Remote:      m.opsRemote.Load(),
			Duplicate:   m.opsDuplicate.Load(),
			Conflict:    m.opsConflict.Load(),
			Stale:       m.opsStale.Load(),
			Corrections: m.opsCorrections.Load(),
			Rejected:    m.opsRejected.Load(),
		},
		Rounds: RoundMetrics{
			Started:      m.roundsStarted.Load(),
			Completed:    m.roundsCompleted.Load(),
			Compacted:    m.roundsCompacted.Load(),
			Timeouts:     m.roundsTimeouts.Load(),
			Excluded:     m.roundsExcluded.Load(),
			GapRequested: m.gapRequested.Load(),
			GapServed:    m.gapServed.Load(),
		},
		Send: SendMetrics{
			Sent:           m.sent.Load(),
			Failed:         m.sendFailed.Load(),
			Broadcast:      m.broadcast.Load(),
			BroadcastError: m.broadcastError.Load(),
			QueueFull:      m.queueFull.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drop,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Peers:          m.peers.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type RoundRecent struct {
	mu   sync.Mutex
	cap  int
	list []RoundSummary
}

func NewRoundRecent(capacity int) *RoundRecent {
	if capacity <= 0 {
		capacity = 32
	}
	return &RoundRecent{cap: capacity}
}

func (r *RoundRecent) Add(s RoundSummary) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = s
		return
	}
	r.list = append(r.list, s)
}

func (r *RoundRecent) List() []RoundSummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoundSummary, len(r.list))
	copy(out, r.list)
	return out
}
