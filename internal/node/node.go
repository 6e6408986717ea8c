// Package node holds the state one countermesh process replicates: its own
// address, its variables and its view of the peer set.
package node

import (
	"errors"

	"go.uber.org/zap"

	"countermesh/internal/crdt"
	"countermesh/internal/peer"
)

type Node struct {
	// Addr is the advertised reliable address; peers use it as our id.
	Addr  string
	Vars  *crdt.Registry
	Peers *peer.Table
}

type Options struct {
	Logger    *zap.Logger
	Hooks     crdt.Hooks
	TableOpts []peer.Opt
}

func NewNode(addr string, opts Options) (*Node, error) {
	if addr == "" {
		return nil, errors.New("missing advertised address")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		Addr:  addr,
		Vars:  crdt.NewRegistry(logger.Named("crdt"), opts.Hooks),
		Peers: peer.NewTable(addr, opts.TableOpts...),
	}, nil
}

// ExpectedNonces is the round-start payload: every variable's next local nonce.
func (n *Node) ExpectedNonces() map[string]uint64 {
	out := make(map[string]uint64)
	for _, v := range n.Vars.All() {
		out[v.Name()] = v.NextNonce()
	}
	return out
}

// EpochStarts pairs with ExpectedNonces: the first local nonce of each
// variable's current epoch.
func (n *Node) EpochStarts() map[string]uint64 {
	out := make(map[string]uint64)
	for _, v := range n.Vars.All() {
		out[v.Name()] = v.EpochStart()
	}
	return out
}

func (n *Node) FinalValues() map[string]int64 {
	out := make(map[string]int64)
	for _, v := range n.Vars.All() {
		out[v.Name()] = v.Value()
	}
	return out
}
