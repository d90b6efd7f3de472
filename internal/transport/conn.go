package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/frame"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Conn is a client connection carrying one conversation at a time.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	addr   string
	cfg    session.Config
	limits frame.Limits

	mu       sync.Mutex
	nextID   atomic.Uint64
	broken   atomic.Bool
	lastUsed atomic.Int64
}

// Dial connects to addr using cfg's timeouts and TLS policy.
func Dial(ctx context.Context, addr string, cfg session.Config) (*Conn, error) {
	cfg = cfg.WithDefaults()
	raw, err := dialRaw(ctx, addr, cfg)
	if err != nil {
		observability.RecordTransportError("client", OpDial)
		return nil, &Error{Op: OpDial, Addr: addr, Err: err}
	}
	c := &Conn{
		conn:   raw,
		reader: bufio.NewReader(raw),
		addr:   addr,
		cfg:    cfg,
		limits: frame.DefaultLimits(),
	}
	c.nextID.Store(uint64(time.Now().UnixNano()))
	c.touch()
	return c, nil
}

func dialRaw(ctx context.Context, addr string, cfg session.Config) (net.Conn, error) {
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) Addr() string {
	return c.addr
}

// Broken reports whether a previous exchange failed mid-conversation.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// IdleFor reports how long the connection has gone without an exchange.
func (c *Conn) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

func (c *Conn) Close() error {
	c.broken.Store(true)
	return c.conn.Close()
}

// Send writes req and blocks for exactly one reply. Without a context
// deadline the exchange is bounded by the session RequestTimeout.
func (c *Conn) Send(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	id, err := c.write(ctx, req)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if err := c.conn.SetReadDeadline(session.Deadline(ctx, c.cfg.ReadTimeout)); err != nil {
		return envelope.Envelope{}, c.fail(OpRead, err, true)
	}
	fr, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		return envelope.Envelope{}, c.fail(OpRead, err, true)
	}
	if fr.Header.MessageID != id {
		return envelope.Envelope{}, c.fail(OpRead, fmt.Errorf("%w: sent=%d got=%d", ErrReplyMismatch, id, fr.Header.MessageID), true)
	}
	c.touch()

	reply, err := envelope.Decode(fr)
	if err != nil {
		log.Warn().Str("addr", c.addr).Err(err).Msg("transport.Conn undecodable reply")
		return envelope.Envelope{}, err
	}
	return reply, nil
}

// Post writes req without waiting for a reply.
func (c *Conn) Post(ctx context.Context, req envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.write(ctx, req)
	return err
}

func (c *Conn) write(ctx context.Context, req envelope.Envelope) (uint64, error) {
	if c.broken.Load() {
		return 0, &Error{Op: OpSend, Addr: c.addr, Err: ErrConnBroken}
	}
	id := c.nextID.Add(1)
	fr, err := envelope.Encode(id, 0, req)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, c.fail(OpWrite, err, false)
	}
	if err := c.conn.SetWriteDeadline(session.Deadline(ctx, c.cfg.WriteTimeout)); err != nil {
		return 0, c.fail(OpWrite, err, false)
	}
	if err := frame.WriteFrame(c.conn, fr, c.limits); err != nil {
		return 0, c.fail(OpWrite, err, false)
	}
	return id, nil
}

func (c *Conn) fail(op string, err error, sent bool) error {
	c.broken.Store(true)
	_ = c.conn.Close()
	observability.RecordTransportError("client", op)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Debug().Str("addr", c.addr).Str("op", op).Msg("transport.Conn deadline exceeded")
	}
	return &Error{Op: op, Addr: c.addr, Err: err, Sent: sent}
}

func (c *Conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}
