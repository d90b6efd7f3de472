package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/auctionctl/internal/protocol/envelope"
	"github.com/danmuck/auctionctl/internal/protocol/frame"
	"github.com/danmuck/auctionctl/internal/protocol/schema"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Mode selects how a server treats each accepted connection.
type Mode int

const (
	// ModeSession serves request/reply exchanges until EOF or idle timeout.
	ModeSession Mode = iota
	// ModeNotify reads one envelope, dispatches it and closes.
	ModeNotify
)

func (m Mode) String() string {
	if m == ModeNotify {
		return "notify"
	}
	return "session"
}

type ServerConfig struct {
	Role    string
	Mode    Mode
	Session session.Config
	Limits  frame.Limits
	// MaxWorkers bounds envelopes dispatched at once; further requests wait
	// for a free slot. Idle sessions hold no slot.
	MaxWorkers int
	// MaxConns bounds open connections; connections past it are closed
	// right after accept.
	MaxConns    int
	AcceptRate  float64
	AcceptBurst int
	// Ack makes ModeNotify write a reply before closing. A handler that
	// returns no reply is acknowledged with an echo of the request.
	Ack bool
}

func DefaultServerConfig(role string, mode Mode) ServerConfig {
	return ServerConfig{
		Role:        role,
		Mode:        mode,
		Session:     session.DefaultConfig(),
		Limits:      frame.DefaultLimits(),
		MaxWorkers:  64,
		MaxConns:    1024,
		AcceptRate:  200,
		AcceptBurst: 50,
		Ack:         true,
	}
}

// Server accepts connections and dispatches their envelopes to a Router.
type Server struct {
	cfg     ServerConfig
	router  *Router
	slots   chan struct{}
	limiter *rate.Limiter

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  atomic.Int64
	wg      sync.WaitGroup
}

func NewServer(cfg ServerConfig, router *Router) *Server {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Limits.MaxPayloadBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	d := DefaultServerConfig(cfg.Role, cfg.Mode)
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = d.MaxConns
	}
	if strings.TrimSpace(cfg.Role) == "" {
		cfg.Role = router.Role()
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:     cfg,
		router:  router,
		slots:   make(chan struct{}, cfg.MaxWorkers),
		limiter: rate.NewLimiter(limit, burst),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen opens a TCP or TLS listener on addr according to the session
// transport policy.
func (s *Server) Listen(addr string) (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// Active reports open connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// InFlight reports envelopes being dispatched.
func (s *Server) InFlight() int {
	return len(s.slots)
}

// Serve runs the accept loop on ln until ctx is done, then closes every
// tracked connection and waits for workers to drain.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer func() {
		s.closeAllConns()
		s.wg.Wait()
	}()
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	log.Info().Str("role", s.cfg.Role).Stringer("mode", s.cfg.Mode).Str("addr", ln.Addr().String()).Msg("transport.Server listening")
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			log.Warn().Str("role", s.cfg.Role).Str("remote", conn.RemoteAddr().String()).Int("max_conns", s.cfg.MaxConns).Msg("transport.Server connection refused")
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	log.Debug().Str("role", s.cfg.Role).Str("remote", remote).Int64("active_clients", active).Msg("transport.Server client connected")
	defer func() {
		remaining := s.active.Add(-1)
		log.Debug().Str("role", s.cfg.Role).Str("remote", remote).Int64("active_clients", remaining).Msg("transport.Server client disconnected")
	}()

	ctx = withPeer(ctx, remote)
	reader := bufio.NewReader(conn)
	for {
		wait := s.cfg.Session.IdleTimeout
		if s.cfg.Mode == ModeNotify {
			wait = s.cfg.Session.ReadTimeout
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		fr, err := frame.ReadFrame(reader, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Str("role", s.cfg.Role).Str("remote", remote).Err(err).Msg("transport.Server read ended")
			}
			return
		}

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		req, reply := s.dispatch(ctx, fr)
		<-s.slots
		if s.cfg.Mode == ModeNotify {
			if !s.cfg.Ack {
				return
			}
			if reply.IsZero() {
				reply = req
			}
		}
		if reply.IsZero() {
			reply = envelope.NewNotice(schema.RequestFailed, ErrNoReply.Error())
		}
		if err := s.writeReply(conn, fr.Header.MessageID, reply); err != nil {
			log.Warn().Str("role", s.cfg.Role).Str("remote", remote).Err(err).Msg("transport.Server write reply")
			return
		}
		if s.cfg.Mode == ModeNotify {
			return
		}
	}
}

// dispatch decodes fr and routes it. Protocol errors are answered here so
// the session survives them.
func (s *Server) dispatch(ctx context.Context, fr frame.Frame) (envelope.Envelope, envelope.Envelope) {
	req, err := envelope.Decode(fr)
	if err != nil {
		log.Warn().Str("role", s.cfg.Role).Uint32("message_type", fr.Header.MessageType).Err(err).Msg("transport.Server protocol error")
		if errors.Is(err, envelope.ErrUnknownKind) {
			return envelope.Envelope{}, envelope.NewNotice(schema.CaseNotFound, err.Error())
		}
		return envelope.Envelope{}, envelope.NewNotice(schema.RequestFailed, err.Error())
	}
	return req, s.router.Dispatch(ctx, req)
}

func (s *Server) writeReply(conn net.Conn, messageID uint64, reply envelope.Envelope) error {
	flags := frame.FlagIsResponse
	if k := reply.Kind(); k == schema.CaseNotFound || k == schema.RequestFailed {
		flags |= frame.FlagIsError
	}
	fr, err := envelope.Encode(messageID, flags, reply)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
	return frame.WriteFrame(conn, fr, s.cfg.Limits)
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if len(s.conns) >= s.cfg.MaxConns {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
