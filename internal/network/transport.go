package network

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"countermesh/internal/config"
	"countermesh/internal/metrics"
)

// Transport bundles the reliable QUIC path with the broadcast path.
type Transport struct {
	server    *Server
	client    *Client
	bcast     *Broadcaster
	advertise string
}

// NewTransport binds both listeners described by cfg.
func NewTransport(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	limits, err := NewHostLimiter(cfg.RecvRate, cfg.RecvBurst, 0)
	if err != nil {
		return nil, err
	}
	server, err := Listen(cfg.ListenAddr, ServerOptions{
		MaxConnsPerHost:   cfg.MaxConnsPerHost,
		MaxStreamsPerHost: cfg.MaxStreamsPerHost,
		Limits:            limits,
		Logger:            logger.Named("quic"),
		Metrics:           m,
	})
	if err != nil {
		return nil, err
	}
	bcast, err := ListenBroadcast(ctx, BroadcastOptions{
		ListenAddr:  cfg.BroadcastListen,
		TargetAddr:  cfg.BroadcastAddr,
		Multicast:   cfg.Multicast,
		DedupWindow: cfg.DedupWindow,
		Limits:      limits,
		Logger:      logger.Named("broadcast"),
		Metrics:     m,
	})
	if err != nil {
		_ = server.Close()
		return nil, err
	}
	client, err := NewClient(ClientOptions{
		Retries:     cfg.SendRetries,
		BackoffBase: cfg.SendBackoffBase,
		BackoffMax:  cfg.SendBackoffMax,
		Timeout:     cfg.SendTimeout,
		Insecure:    cfg.InsecureTLS,
		Logger:      logger.Named("client"),
	})
	if err != nil {
		_ = server.Close()
		_ = bcast.Close()
		return nil, err
	}
	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = AdvertiseAddr(server.Addr())
	}
	return &Transport{server: server, client: client, bcast: bcast, advertise: advertise}, nil
}

// LocalAddr is the address peers use to reach this node, and its peer id.
func (t *Transport) LocalAddr() string { return t.advertise }

// Serve runs both receive loops until ctx is cancelled or one fails.
func (t *Transport) Serve(ctx context.Context, handle Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.server.Serve(ctx, handle) })
	g.Go(func() error { return t.bcast.Serve(ctx, handle) })
	err := g.Wait()
	t.client.Close()
	return err
}

func (t *Transport) SendReliable(ctx context.Context, addr string, data []byte) error {
	return t.client.Send(ctx, addr, data)
}

func (t *Transport) Broadcast(ctx context.Context, data []byte) error {
	if err := t.bcast.Send(ctx, data); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}
