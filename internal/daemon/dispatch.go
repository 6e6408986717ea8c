package daemon

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"countermesh/internal/crdt"
	"countermesh/internal/proto"
)

var errMissingSender = errors.New("message without sender")

type recvError struct {
	msg string
	err error
}

func (e *recvError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.msg, e.err)
}

func (e *recvError) Unwrap() error { return e.err }

// handle is the transport callback. Rejected payloads are counted by reason
// and logged at debug level, rate limited per reason and source.
func (r *Runner) handle(source string, data []byte) {
	if rerr := r.recv(source, data); rerr != nil {
		r.Metrics.IncDropByReason(rerr.msg)
		r.quiet.Debug(r.logger, rerr.msg+":"+source, "recv reject",
			zap.String("source", source), zap.String("reason", rerr.msg), zap.Error(rerr.err))
	}
}

func (r *Runner) recv(source string, data []byte) *recvError {
	msg, err := proto.Decode(data)
	if err != nil {
		return &recvError{msg: "decode", err: err}
	}
	from := msg.Sender()
	if from == "" {
		return &recvError{msg: "missing_sender", err: errMissingSender}
	}
	if from == r.Self.Addr {
		// our own broadcast looping back
		r.Metrics.IncDropByReason("self")
		return nil
	}
	r.Metrics.IncRecvByType(string(msg.Kind()))
	r.observe(from, msg)

	switch m := msg.(type) {
	case *proto.PeerAnnounce:
		if m.Addr != from {
			r.quiet.Debug(r.logger, "announce_addr:"+from, "announce address differs from sender",
				zap.String("from", from), zap.String("addr", m.Addr), zap.String("source", source))
		}
	case *proto.PeerAnnounceAck, *proto.StatusAnnounce:
		// status already recorded by observe
	case *proto.StatusQuery:
		r.out.send(from, &proto.StatusAnnounce{Status: r.coord.Status()})
	case *proto.Operation:
		r.onOperation(from, m)
	case *proto.RoundStart:
		r.coord.onRoundStart(from, m.Expected, m.EpochStarts)
	case *proto.RoundStop:
		r.coord.onRoundStop(from, m.Finals, m.Reply)
	case *proto.GapFillRequest:
		r.onGapFillRequest(from, m)
	case *proto.GapFillResponse:
		r.onGapFillResponse(from, m)
	case *proto.HistorySnapshot:
		r.onHistorySnapshot(from, m)
	case *proto.RoundMismatchRequest:
		r.out.send(from, &proto.RoundMismatchResponse{
			Expected:    r.Self.ExpectedNonces(),
			EpochStarts: r.Self.EpochStarts(),
		})
	case *proto.RoundMismatchResponse:
		r.coord.onMismatchResponse(from, m.Expected, m.EpochStarts)
	default:
		return &recvError{msg: "unhandled", err: fmt.Errorf("no handler for %s", msg.Kind())}
	}
	return nil
}

// observe refreshes the sender's peer record and bootstraps it on first
// contact. Messages that carry a status update it; a round-start implies sync.
func (r *Runner) observe(from string, msg proto.Message) {
	status, claimed := proto.StatusWork, true
	switch m := msg.(type) {
	case *proto.PeerAnnounce:
		status = m.Status
	case *proto.PeerAnnounceAck:
		status = m.Status
	case *proto.StatusAnnounce:
		status = m.Status
	case *proto.RoundStart:
		status = proto.StatusSync
	default:
		claimed = false
	}

	var isNew bool
	if claimed {
		isNew = r.Self.Peers.Upsert(from, status)
		r.coord.kick()
	} else {
		isNew = r.Self.Peers.Touch(from)
	}
	if !isNew {
		return
	}
	if !claimed {
		status, _ = r.Self.Peers.Status(from)
	}
	r.logger.Info("discovered peer", zap.String("peer", from), zap.String("status", string(status)))
	r.Metrics.SetPeers(r.Self.Peers.Len())
	r.coord.onNewPeer(from, status)
}

func (r *Runner) onOperation(from string, m *proto.Operation) {
	v, _ := r.Self.Vars.GetOrCreate(m.Variable)
	if v.ApplyRemote(from, m.Nonce, m.Delta) {
		r.Metrics.IncOpRemote()
		r.coord.kick()
	}
}

// onGapFillRequest answers with the subset of requested nonces held here,
// which may be empty.
func (r *Runner) onGapFillRequest(from string, m *proto.GapFillRequest) {
	v, _ := r.Self.Vars.GetOrCreate(m.Variable)
	entries := v.NonceValues(m.Nonces)
	if len(entries) > 0 {
		r.Metrics.AddGapServed(len(entries))
	}
	r.out.send(from, &proto.GapFillResponse{Variable: m.Variable, Entries: entries})
}

func (r *Runner) onGapFillResponse(from string, m *proto.GapFillResponse) {
	v, _ := r.Self.Vars.GetOrCreate(m.Variable)
	applied := 0
	for nonce, delta := range m.Entries {
		if v.ApplyRemote(from, nonce, delta) {
			applied++
		}
	}
	if applied > 0 {
		r.logger.Debug("gap filled", zap.String("peer", from),
			zap.String("variable", m.Variable), zap.Int("entries", applied))
		r.coord.kick()
	}
}

func (r *Runner) onHistorySnapshot(from string, m *proto.HistorySnapshot) {
	v, _ := r.Self.Vars.GetOrCreate(m.Variable)
	snap := crdt.Snapshot{
		Baseline:   m.Baseline,
		Epoch:      m.Epoch,
		EpochStart: m.EpochStart,
		Entries:    m.Entries,
		Floors:     m.Floors,
	}
	v.MergeSnapshot(from, snap.For(r.Self.Addr))
	r.coord.kick()
}
