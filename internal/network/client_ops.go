package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"countermesh/internal/proto"
)

type ClientOptions struct {
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	Insecure    bool
	Logger      *zap.Logger
}

// Client sends frames over pooled QUIC connections, one stream per frame.
type Client struct {
	pool     *clientPool
	tlsConf  *tls.Config
	quicConf *quic.Config
	opts     ClientOptions
	logger   *zap.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	tlsConf, err := clientTLSConfig(opts.Insecure)
	if err != nil {
		return nil, err
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 100 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		pool:     newClientPool(clientConnIdle, nil),
		tlsConf:  tlsConf,
		quicConf: quicConfig(),
		opts:     opts,
		logger:   logger,
	}, nil
}

// Send delivers data to addr, retrying up to the configured number of times
// with exponential backoff. The last error is returned once attempts or ctx
// run out.
func (c *Client) Send(ctx context.Context, addr string, data []byte) error {
	ctx, cancel := withDefaultTimeout(ctx, c.opts.Timeout)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		}
		err := c.sendOnce(ctx, addr, data)
		if err == nil {
			c.pool.resetFailures(addr)
			return nil
		}
		lastErr = err
		c.logger.Debug("quic send attempt failed",
			zap.String("addr", addr), zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == c.opts.Retries {
			break
		}
		if !backoffRetry(ctx, c.pool.recordFailure(addr), c.opts.BackoffBase, c.opts.BackoffMax) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return fmt.Errorf("send to %s: %w", addr, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, addr string, data []byte) error {
	conn, err := c.pool.get(ctx, addr, c.tlsConf, c.quicConf)
	if err != nil {
		return err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.pool.drop(addr, conn, "open stream failed")
		return err
	}
	_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
	if err := proto.WriteFrame(stream, data); err != nil {
		stream.CancelWrite(1)
		c.pool.drop(addr, conn, "write failed")
		return err
	}
	if err := stream.Close(); err != nil {
		c.logger.Debug("quic stream close error", zap.String("addr", addr), zap.Error(err))
	}
	c.pool.touch(addr, conn)
	return nil
}

func (c *Client) Close() {
	c.pool.closeAll()
}

// backoffDelay doubles base for each prior failure, capped at max.
func backoffDelay(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

func backoffRetry(ctx context.Context, failures int, base, max time.Duration) bool {
	if failures <= 0 {
		return false
	}
	t := time.NewTimer(backoffDelay(failures, base, max))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
