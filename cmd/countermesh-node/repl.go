package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"countermesh/internal/crdt"
	"countermesh/internal/daemon"
	"countermesh/internal/peer"
	"countermesh/internal/proto"
)

// nodeAPI is the part of *daemon.Runner the REPL drives.
type nodeAPI interface {
	Create(name string) (bool, error)
	Apply(name string, delta int64) (uint64, error)
	Get(name string) (int64, error)
	Baseline(name string) (int64, error)
	Histories(name string) (crdt.Histories, error)
	MissingNonces(name string) (map[string][]uint64, error)
	Peers() []peer.Record
	Variables() []string
	Status() proto.Status
	RequestRoundStart() error
}

const replUsage = `commands:
  create <name>          register a variable
  apply <name> <delta>   add delta to a variable
  get <name>             current value
  baseline <name>        value at the last compaction
  history <name>         operations since the last compaction
  missing <name>         nonces known to be missing, per origin
  peers                  known peers and their status
  vars                   variable names
  status                 round status of this node
  sync                   start a round
  quit                   stop the node`

// runRepl reads commands until quit or end of input.
func runRepl(in io.Reader, out io.Writer, node nodeAPI) {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		if dispatchRepl(sc.Text(), out, node) {
			return
		}
		fmt.Fprint(out, "> ")
	}
}

// dispatchRepl runs one command line and reports whether the REPL should exit.
func dispatchRepl(line string, out io.Writer, node nodeAPI) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprintln(out, replUsage)
	case "create":
		name, ok := oneName(cmd, args, out)
		if !ok {
			return false
		}
		created, err := node.Create(name)
		if err != nil {
			printErr(out, err)
			return false
		}
		if created {
			fmt.Fprintf(out, "created %s\n", name)
		} else {
			fmt.Fprintf(out, "%s already exists\n", name)
		}
	case "apply":
		if len(args) != 2 {
			fmt.Fprintln(out, "usage: apply <name> <delta>")
			return false
		}
		delta, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(out, "invalid delta %q\n", args[1])
			return false
		}
		nonce, err := node.Apply(args[0], delta)
		if err != nil {
			printErr(out, err)
			return false
		}
		fmt.Fprintf(out, "ok nonce=%d\n", nonce)
	case "get", "baseline":
		name, ok := oneName(cmd, args, out)
		if !ok {
			return false
		}
		read := node.Get
		if cmd == "baseline" {
			read = node.Baseline
		}
		val, err := read(name)
		if err != nil {
			printErr(out, err)
			return false
		}
		fmt.Fprintf(out, "%s = %d\n", name, val)
	case "history":
		name, ok := oneName(cmd, args, out)
		if !ok {
			return false
		}
		h, err := node.Histories(name)
		if err != nil {
			printErr(out, err)
			return false
		}
		fmt.Fprintf(out, "self: %s\n", formatHistory(h.Self))
		for _, origin := range sortedKeys(h.Peers) {
			fmt.Fprintf(out, "%s: %s\n", origin, formatHistory(h.Peers[origin]))
		}
	case "missing":
		name, ok := oneName(cmd, args, out)
		if !ok {
			return false
		}
		missing, err := node.MissingNonces(name)
		if err != nil {
			printErr(out, err)
			return false
		}
		if len(missing) == 0 {
			fmt.Fprintln(out, "nothing missing")
			return false
		}
		for _, origin := range sortedKeys(missing) {
			fmt.Fprintf(out, "%s: %v\n", origin, missing[origin])
		}
	case "peers":
		peers := node.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(out, "no peers")
			return false
		}
		for _, p := range peers {
			fmt.Fprintf(out, "%s status=%s last_seen=%s\n", p.Addr, p.Status, p.LastSeen.Format("15:04:05"))
		}
	case "vars":
		for _, name := range node.Variables() {
			fmt.Fprintln(out, name)
		}
	case "status":
		fmt.Fprintf(out, "status: %s\n", node.Status())
	case "sync":
		if err := node.RequestRoundStart(); err != nil {
			printErr(out, err)
			return false
		}
		fmt.Fprintln(out, "round started")
	default:
		fmt.Fprintf(out, "unknown command %q, try help\n", cmd)
	}
	return false
}

func oneName(cmd string, args []string, out io.Writer) (string, bool) {
	if len(args) != 1 {
		fmt.Fprintf(out, "usage: %s <name>\n", cmd)
		return "", false
	}
	return args[0], true
}

func printErr(out io.Writer, err error) {
	if errors.Is(err, daemon.ErrRoundInProgress) {
		fmt.Fprintln(out, "round in progress, retry later")
		return
	}
	fmt.Fprintf(out, "error: %v\n", err)
}

func formatHistory(h crdt.History) string {
	if len(h) == 0 {
		return "{}"
	}
	nonces := make([]uint64, 0, len(h))
	for n := range h {
		nonces = append(nonces, n)
	}
	slices.Sort(nonces)
	parts := make([]string, len(nonces))
	for i, n := range nonces {
		parts[i] = fmt.Sprintf("%d:%+d", n, h[n])
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
