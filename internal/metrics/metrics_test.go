package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncOpLocal()
	m.IncOpLocal()
	m.IncOpRemote()
	m.IncOpDuplicate()
	m.IncOpConflict()
	m.IncOpStale()
	m.IncOpCorrection()
	m.IncRoundStarted()
	m.AddGapRequested(3)
	m.AddGapServed(2)
	m.RoundCompleted(RoundSummary{Variables: 2, Peers: 1})
	m.IncRecvByType("operation")
	m.IncRecvByType("operation")
	m.IncDropByReason("rate")
	m.SetCurrentConns(3)
	m.SetCurrentStreams(7)
	m.SetPeers(4)
	snap := m.Snapshot()
	if snap.Ops.Local != 2 {
		t.Fatalf("expected local=2, got %d", snap.Ops.Local)
	}
	if snap.Ops.Remote != 1 || snap.Ops.Duplicate != 1 || snap.Ops.Conflict != 1 || snap.Ops.Stale != 1 || snap.Ops.Corrections != 1 {
		t.Fatalf("unexpected op counts: %+v", snap.Ops)
	}
	if snap.Rounds.Started != 1 || snap.Rounds.Completed != 1 || snap.Rounds.GapRequested != 3 || snap.Rounds.GapServed != 2 {
		t.Fatalf("unexpected round counts: %+v", snap.Rounds)
	}
	if snap.RecvByType["operation"] != 2 {
		t.Fatalf("expected recv_by_type operation=2, got %d", snap.RecvByType["operation"])
	}
	if snap.DropByReason["rate"] != 1 {
		t.Fatalf("expected drop_by_reason rate=1, got %d", snap.DropByReason["rate"])
	}
	if snap.CurrentConns != 3 || snap.CurrentStreams != 7 || snap.Peers != 4 {
		t.Fatalf("expected conns/streams/peers 3/7/4, got %d/%d/%d", snap.CurrentConns, snap.CurrentStreams, snap.Peers)
	}
	if len(snap.Recent) != 1 || snap.Recent[0].Variables != 2 {
		t.Fatalf("unexpected recent rounds %+v", snap.Recent)
	}
}

func TestRoundRecentKeepsNewest(t *testing.T) {
	r := NewRoundRecent(2)
	for i := 1; i <= 3; i++ {
		r.Add(RoundSummary{Variables: i})
	}
	list := r.List()
	if len(list) != 2 || list[0].Variables != 2 || list[1].Variables != 3 {
		t.Fatalf("unexpected ring contents %+v", list)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.RoundCompleted(RoundSummary{Duration: time.Second})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Rounds.Completed != 1 {
		t.Fatalf("expected completed=1, got %d", snap.Rounds.Completed)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}

func TestCollector(t *testing.T) {
	m := New()
	m.IncOpLocal()
	m.IncDropByReason("decode")
	m.SetPeers(2)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(NewCollector(m)); err != nil {
		t.Fatalf("register: %v", err)
	}
	expected := `
# HELP countermesh_peers known peers
# TYPE countermesh_peers gauge
countermesh_peers 2
# HELP countermesh_recv_dropped_total inbound messages dropped by reason
# TYPE countermesh_recv_dropped_total counter
countermesh_recv_dropped_total{reason="decode"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "countermesh_peers", "countermesh_recv_dropped_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestCollectorOpsByOutcome(t *testing.T) {
	m := New()
	m.IncOpLocal()
	m.IncOpLocal()
	m.IncOpDuplicate()
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var ops *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "countermesh_ops_total" {
			ops = f
		}
	}
	if ops == nil {
		t.Fatalf("countermesh_ops_total not exported")
	}
	if ops.GetType() != dto.MetricType_COUNTER {
		t.Fatalf("expected counter, got %v", ops.GetType())
	}
	got := map[string]float64{}
	for _, metric := range ops.GetMetric() {
		for _, l := range metric.GetLabel() {
			if l.GetName() == "outcome" {
				got[l.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if got["local"] != 2 || got["duplicate"] != 1 || got["conflict"] != 0 {
		t.Fatalf("unexpected outcomes: %v", got)
	}
}
