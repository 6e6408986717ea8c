package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"countermesh/internal/config"
)

func banner(w io.Writer, cfg config.Config, addr string) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	discovery := "broadcast"
	if cfg.Multicast {
		discovery = "multicast"
	}
	auto := "off"
	if cfg.AutoRoundInterval > 0 {
		auto = cfg.AutoRoundInterval.String()
	}
	fmt.Fprintf(w, "%s addr=%s\n", title("countermesh node"), addr)
	fmt.Fprintf(w, "Discovery: %s %s (listen %s, every %s)\n", discovery, cfg.BroadcastAddr, cfg.BroadcastListen, cfg.AnnounceInterval)
	fmt.Fprintf(w, "Rounds: poll=%s ready-timeout=%s max-timeouts=%d auto=%s\n",
		cfg.RoundPollInterval, cfg.ReadyTimeout, cfg.ReadyMaxTimeouts, auto)
	fmt.Fprintf(w, "Limits: recv=%.0f/s burst=%d conns/host=%d streams/host=%d send-workers=%d\n",
		cfg.RecvRate, cfg.RecvBurst, cfg.MaxConnsPerHost, cfg.MaxStreamsPerHost, cfg.SendWorkers)
	if cfg.InsecureTLS {
		fmt.Fprintln(w, warn("WARNING: using deterministic dev TLS certificates"))
	}
	fmt.Fprintln(w, `type "help" for commands`)
}
