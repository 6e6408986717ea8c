package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

const ProtoVersion = "1"

var (
	ErrUnknownKind      = errors.New("unknown message type")
	ErrVersionMismatch  = errors.New("proto version mismatch")
	ErrMissingKind      = errors.New("missing message type")
	ErrUnknownStatus    = errors.New("unknown status")
	ErrMessageTooLarge  = errors.New("message too large for type")
	errNilMessage       = errors.New("nil message")
	errWrongMessageKind = errors.New("message type does not match payload")
)

// Status is a node's position in the round cycle.
type Status string

const (
	StatusWork  Status = "work"
	StatusSync  Status = "sync"
	StatusReady Status = "ready"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWork, StatusSync, StatusReady:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Kind is the wire tag carried in the "type" field.
type Kind string

const (
	KindPeerAnnounce          Kind = "peer_announce"
	KindPeerAnnounceAck       Kind = "peer_announce_ack"
	KindOperation             Kind = "operation"
	KindRoundStart            Kind = "round_start"
	KindRoundStop             Kind = "round_stop"
	KindStatusQuery           Kind = "status_query"
	KindStatusAnnounce        Kind = "status_announce"
	KindGapFillRequest        Kind = "gap_fill_request"
	KindGapFillResponse       Kind = "gap_fill_response"
	KindHistorySnapshot       Kind = "history_snapshot"
	KindRoundMismatchRequest  Kind = "round_mismatch_request"
	KindRoundMismatchResponse Kind = "round_mismatch_response"
)

// Header is embedded in every message.
type Header struct {
	Type         Kind   `json:"type"`
	ProtoVersion string `json:"proto_version"`
	// From is the sender's advertised reliable address, which doubles as its peer id.
	From string `json:"from,omitempty"`
}

func (h *Header) header() *Header { return h }

// Sender returns the advertised address of the node that encoded the message.
func (h *Header) Sender() string { return h.From }

// Message is implemented by exactly the pointer types declared in this file.
type Message interface {
	Kind() Kind
	Sender() string
	header() *Header
}

type PeerAnnounce struct {
	Header
	Addr   string `json:"addr"`
	Status Status `json:"status"`
}

type PeerAnnounceAck struct {
	Header
	Status Status `json:"status"`
}

type Operation struct {
	Header
	Variable string `json:"variable"`
	Delta    int64  `json:"delta"`
	Nonce    uint64 `json:"nonce"`
}

type RoundStart struct {
	Header
	Expected    map[string]uint64 `json:"expected"`
	EpochStarts map[string]uint64 `json:"epoch_starts,omitempty"`
}

type RoundStop struct {
	Header
	Finals map[string]int64 `json:"finals"`
	Reply  bool             `json:"reply,omitempty"`
}

type StatusQuery struct {
	Header
}

type StatusAnnounce struct {
	Header
	Status Status `json:"status"`
}

type GapFillRequest struct {
	Header
	Variable string   `json:"variable"`
	Nonces   []uint64 `json:"nonces"`
}

type GapFillResponse struct {
	Header
	Variable string           `json:"variable"`
	Entries  map[uint64]int64 `json:"entries"`
}

type HistorySnapshot struct {
	Header
	Variable   string            `json:"variable"`
	Baseline   int64             `json:"baseline"`
	Epoch      uint64            `json:"epoch"`
	EpochStart uint64            `json:"epoch_start"`
	Entries    map[uint64]int64  `json:"entries"`
	Floors     map[string]uint64 `json:"floors,omitempty"`
}

type RoundMismatchRequest struct {
	Header
}

type RoundMismatchResponse struct {
	Header
	Expected    map[string]uint64 `json:"expected"`
	EpochStarts map[string]uint64 `json:"epoch_starts,omitempty"`
}

func (*PeerAnnounce) Kind() Kind          { return KindPeerAnnounce }
func (*PeerAnnounceAck) Kind() Kind       { return KindPeerAnnounceAck }
func (*Operation) Kind() Kind             { return KindOperation }
func (*RoundStart) Kind() Kind            { return KindRoundStart }
func (*RoundStop) Kind() Kind             { return KindRoundStop }
func (*StatusQuery) Kind() Kind           { return KindStatusQuery }
func (*StatusAnnounce) Kind() Kind        { return KindStatusAnnounce }
func (*GapFillRequest) Kind() Kind        { return KindGapFillRequest }
func (*GapFillResponse) Kind() Kind       { return KindGapFillResponse }
func (*HistorySnapshot) Kind() Kind       { return KindHistorySnapshot }
func (*RoundMismatchRequest) Kind() Kind  { return KindRoundMismatchRequest }
func (*RoundMismatchResponse) Kind() Kind { return KindRoundMismatchResponse }

func newMessage(k Kind) (Message, error) {
	switch k {
	case KindPeerAnnounce:
		return &PeerAnnounce{}, nil
	case KindPeerAnnounceAck:
		return &PeerAnnounceAck{}, nil
	case KindOperation:
		return &Operation{}, nil
	case KindRoundStart:
		return &RoundStart{}, nil
	case KindRoundStop:
		return &RoundStop{}, nil
	case KindStatusQuery:
		return &StatusQuery{}, nil
	case KindStatusAnnounce:
		return &StatusAnnounce{}, nil
	case KindGapFillRequest:
		return &GapFillRequest{}, nil
	case KindGapFillResponse:
		return &GapFillResponse{}, nil
	case KindHistorySnapshot:
		return &HistorySnapshot{}, nil
	case KindRoundMismatchRequest:
		return &RoundMismatchRequest{}, nil
	case KindRoundMismatchResponse:
		return &RoundMismatchResponse{}, nil
	case "":
		return nil, ErrMissingKind
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
}

// MaxSizeForType bounds a frame by the message type it claims to carry.
func MaxSizeForType(k Kind) int {
	switch k {
	case KindHistorySnapshot, KindGapFillResponse, KindGapFillRequest:
		return MaxFrameSize
	case KindRoundStart, KindRoundStop, KindRoundMismatchResponse:
		return 256 << 10
	case KindPeerAnnounce, KindPeerAnnounceAck, KindStatusQuery, KindStatusAnnounce,
		KindRoundMismatchRequest, KindOperation:
		return 4 << 10
	}
	return SoftMaxFrameSize
}

// Encode stamps the header (type, version, sender) and marshals m.
func Encode(m Message, from string) ([]byte, error) {
	if m == nil {
		return nil, errNilMessage
	}
	h := m.header()
	h.Type = m.Kind()
	h.ProtoVersion = ProtoVersion
	h.From = from
	return json.Marshal(m)
}

// Decode parses a payload into its concrete message type.
func Decode(data []byte) (Message, error) {
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	if hdr.ProtoVersion != ProtoVersion {
		return nil, fmt.Errorf("%w: got %q", ErrVersionMismatch, hdr.ProtoVersion)
	}
	m, err := newMessage(hdr.Type)
	if err != nil {
		return nil, err
	}
	if maxSize := MaxSizeForType(hdr.Type); len(data) > maxSize {
		return nil, fmt.Errorf("%w %s: %d bytes", ErrMessageTooLarge, hdr.Type, len(data))
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", hdr.Type, err)
	}
	if m.header().Type != m.Kind() {
		return nil, errWrongMessageKind
	}
	if err := validate(m); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", hdr.Type, err)
	}
	return m, nil
}

func validate(m Message) error {
	switch msg := m.(type) {
	case *PeerAnnounce:
		if msg.Addr == "" {
			return errors.New("missing addr")
		}
		return validStatus(msg.Status)
	case *PeerAnnounceAck:
		return validStatus(msg.Status)
	case *StatusAnnounce:
		return validStatus(msg.Status)
	case *Operation:
		return validVariable(msg.Variable)
	case *GapFillRequest:
		return validVariable(msg.Variable)
	case *GapFillResponse:
		return validVariable(msg.Variable)
	case *HistorySnapshot:
		return validVariable(msg.Variable)
	case *RoundStart:
		return validNames(msg.Expected)
	case *RoundMismatchResponse:
		return validNames(msg.Expected)
	case *RoundStop:
		for name := range msg.Finals {
			if err := validVariable(name); err != nil {
				return err
			}
		}
		return nil
	case *StatusQuery, *RoundMismatchRequest:
		return nil
	}
	return fmt.Errorf("%w: %T", ErrUnknownKind, m)
}

func validStatus(s Status) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return nil
}

func validVariable(name string) error {
	if name == "" {
		return errors.New("missing variable name")
	}
	return nil
}

func validNames(m map[string]uint64) error {
	for name := range m {
		if err := validVariable(name); err != nil {
			return err
		}
	}
	return nil
}
