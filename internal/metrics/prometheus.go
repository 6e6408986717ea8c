package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "countermesh"

func desc(subsystem, name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
}

var (
	opsDesc     = desc("ops", "total", "operations seen by outcome", "outcome")
	roundsDesc  = desc("round", "events_total", "round lifecycle events", "event")
	gapDesc     = desc("round", "gap_nonces_total", "nonces exchanged by gap fill", "direction")
	sendDesc    = desc("send", "total", "outbound messages by result", "result")
	recvDesc    = desc("recv", "messages_total", "inbound messages by type", "type")
	dropDesc    = desc("recv", "dropped_total", "inbound messages dropped by reason", "reason")
	connsDesc   = desc("transport", "conns", "open inbound connections")
	streamsDesc = desc("transport", "streams", "open inbound streams")
	peersDesc   = desc("", "peers", "known peers")
)

// Collector exposes a Metrics instance to a Prometheus registry. Each scrape
// reads a fresh snapshot.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{opsDesc, roundsDesc, gapDesc, sendDesc, recvDesc, dropDesc, connsDesc, streamsDesc, peersDesc} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64, label string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), label)
	}
	counter(opsDesc, s.Ops.Local, "local")
	counter(opsDesc, s.Ops.Remote, "remote")
	counter(opsDesc, s.Ops.Duplicate, "duplicate")
	counter(opsDesc, s.Ops.Conflict, "conflict")
	counter(opsDesc, s.Ops.Stale, "stale")
	counter(opsDesc, s.Ops.Corrections, "correction")
	counter(opsDesc, s.Ops.Rejected, "rejected")

	counter(roundsDesc, s.Rounds.Started, "started")
	counter(roundsDesc, s.Rounds.Completed, "completed")
	counter(roundsDesc, s.Rounds.Compacted, "compacted")
	counter(roundsDesc, s.Rounds.Timeouts, "timeout")
	counter(roundsDesc, s.Rounds.Excluded, "excluded")
	counter(gapDesc, s.Rounds.GapRequested, "requested")
	counter(gapDesc, s.Rounds.GapServed, "served")

	counter(sendDesc, s.Send.Sent, "sent")
	counter(sendDesc, s.Send.Failed, "failed")
	counter(sendDesc, s.Send.Broadcast, "broadcast")
	counter(sendDesc, s.Send.BroadcastError, "broadcast_error")
	counter(sendDesc, s.Send.QueueFull, "queue_full")

	for kind, v := range s.RecvByType {
		counter(recvDesc, v, kind)
	}
	for reason, v := range s.DropByReason {
		counter(dropDesc, v, reason)
	}
	ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(s.CurrentConns))
	ch <- prometheus.MustNewConstMetric(streamsDesc, prometheus.GaugeValue, float64(s.CurrentStreams))
	ch <- prometheus.MustNewConstMetric(peersDesc, prometheus.GaugeValue, float64(s.Peers))
}
