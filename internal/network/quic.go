package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"countermesh/internal/debuglog"
	"countermesh/internal/metrics"
	"countermesh/internal/peer"
	"countermesh/internal/proto"
)

const (
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
)

// Handler receives one inbound payload. sender is the transport-level source
// address, not the peer id carried in the payload.
type Handler func(sender string, data []byte)

type ServerOptions struct {
	MaxConnsPerHost   int
	MaxStreamsPerHost int
	Limits            *HostLimiter
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// Server accepts QUIC connections and reads length-prefixed frames from
// every stream until the peer closes it.
type Server struct {
	ln      *quic.Listener
	conns   *hostSlots
	streams *hostSlots
	limits  *HostLimiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	quiet   *debuglog.Limiter
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Listen binds addr. Serve must be called to accept connections.
func Listen(addr string, opts ServerOptions) (*Server, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		ln:      ln,
		conns:   newHostSlots(opts.MaxConnsPerHost),
		streams: newHostSlots(opts.MaxStreamsPerHost),
		limits:  opts.Limits,
		logger:  logger,
		metrics: m,
		quiet:   debuglog.NewLimiter(5*time.Second, nil),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until ctx is cancelled, then closes the listener.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	s.logger.Info("quic listen ready", zap.Stringer("addr", s.ln.Addr()))
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		host := peer.HostKey(conn.RemoteAddr().String())
		if !s.conns.acquire(host) {
			s.metrics.IncDropByReason("conn_limit")
			s.quiet.Debug(s.logger, "conn_limit:"+host, "rejecting connection over per-host limit", zap.String("host", host))
			_ = conn.CloseWithError(1, "too many connections")
			continue
		}
		s.metrics.AddCurrentConns(1)
		go s.serveConn(ctx, conn, host, handle)
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn, host string, handle Handler) {
	defer func() {
		s.conns.release(host)
		s.metrics.AddCurrentConns(-1)
	}()
	remote := conn.RemoteAddr().String()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			s.logger.Debug("quic accept stream ended", zap.String("remote", remote), zap.Error(err))
			return
		}
		if !s.streams.acquire(host) {
			s.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(1)
			_ = stream.Close()
			continue
		}
		s.metrics.AddCurrentStreams(1)
		go func(st *quic.Stream) {
			defer func() {
				_ = st.Close()
				s.streams.release(host)
				s.metrics.AddCurrentStreams(-1)
			}()
			s.readStream(st, remote, host, handle)
		}(stream)
	}
}

func (s *Server) readStream(st *quic.Stream, remote, host string, handle Handler) {
	for {
		_ = st.SetReadDeadline(time.Now().Add(streamRWTimeout))
		data, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.metrics.IncDropByReason("frame")
				s.quiet.Debug(s.logger, "frame:"+host, "quic read error", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		if s.limits != nil && !s.limits.Allow(host) {
			s.metrics.IncDropByReason("rate")
			s.quiet.Debug(s.logger, "rate:"+host, "inbound rate limit", zap.String("host", host))
			continue
		}
		handle(remote, data)
	}
}

func (s *Server) Close() error {
	return s.ln.Close()
}
