package bank

import (
	"context"
	"net"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/danmuck/auctionctl/internal/protocol/session"
	"github.com/danmuck/auctionctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// ServiceConfig configures the bank session endpoint.
type ServiceConfig struct {
	Name        string
	ListenAddr  string
	AdminAddr   string
	CORSOrigins []string
	MaxWorkers  int
	AcceptRate  float64
	AcceptBurst int
	Session     session.Config
}

func DefaultServiceConfig() ServiceConfig {
	srv := transport.DefaultServerConfig("bank", transport.ModeSession)
	return ServiceConfig{
		Name:        "bank",
		ListenAddr:  ":7000",
		AdminAddr:   "",
		MaxWorkers:  srv.MaxWorkers,
		AcceptRate:  srv.AcceptRate,
		AcceptBurst: srv.AcceptBurst,
		Session:     session.DefaultConfig(),
	}
}

// Service runs a Bank behind a session server and an optional admin
// endpoint.
type Service struct {
	cfg    ServiceConfig
	bank   *Bank
	server *transport.Server
}

func NewService(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	cfg.Session = cfg.Session.WithDefaults()
	b := New()
	srvCfg := transport.DefaultServerConfig("bank", transport.ModeSession)
	srvCfg.Session = cfg.Session
	srvCfg.MaxWorkers = cfg.MaxWorkers
	srvCfg.AcceptRate = cfg.AcceptRate
	srvCfg.AcceptBurst = cfg.AcceptBurst
	return &Service{
		cfg:    cfg,
		bank:   b,
		server: transport.NewServer(srvCfg, b.Router()),
	}
}

func (s *Service) Bank() *Bank {
	return s.bank
}

// Run blocks until SIGINT/SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.server.Listen(s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("name", s.cfg.Name).Str("addr", ln.Addr().String()).Msg("bank.Service.Run listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		admin := observability.NewAdmin(observability.AdminConfig{
			Node:        s.cfg.Name,
			Addr:        addr,
			CORSOrigins: s.cfg.CORSOrigins,
		}, func() any { return s.bank.State() })
		go func() { adminErr <- admin.Serve(ctx) }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ctx, ln) }()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			stop()
			<-serveErr
			return err
		}
		return <-serveErr
	}
}

// Serve runs the session server on an existing listener.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	return s.server.Serve(ctx, ln)
}
