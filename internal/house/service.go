package house

import (
	"context"
	"net"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
)

// Run listens on ListenAddr, opens the house at the bank and serves until
// SIGINT/SIGTERM. On the way out it drains and closes the venue.
func (h *House) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := h.server.Listen(h.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(h.cfg.AdvertiseAddr) == "" {
		h.cfg.AdvertiseAddr = ln.Addr().String()
	}
	if err := h.Open(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	log.Info().Str("name", h.cfg.Name).Str("addr", ln.Addr().String()).Msg("house.Run listening")

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(h.cfg.AdminAddr); addr != "" {
		admin := observability.NewAdmin(observability.AdminConfig{
			Node:        h.cfg.Name,
			Addr:        addr,
			CORSOrigins: h.cfg.CORSOrigins,
		}, func() any { return h.State() })
		go func() { adminErr <- admin.Serve(ctx) }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- h.Serve(ctx, ln) }()
	select {
	case err = <-serveErr:
	case err = <-adminErr:
		stop()
		if serveDone := <-serveErr; err == nil {
			err = serveDone
		}
	}

	h.stopGracefully()
	return err
}

// stopGracefully refuses new bids, gives BIDDING lots one quiet period to
// sell, and closes the venue. Lots that still have not sold are stopped by
// Shutdown, which returns their holders' funds.
func (h *House) stopGracefully() {
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), h.cfg.QuietPeriod+h.cfg.SettleTimeout+time.Second)
	if err := h.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("house.Run drain")
	}
	cancelDrain()

	closeCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Session.RequestTimeout)
	if err := h.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("house.Run close")
	}
	cancel()
	h.notifier.Flush()
	h.Shutdown()
}

// Serve runs the session server on an existing listener. Open must have
// succeeded first for bids to be accepted.
func (h *House) Serve(ctx context.Context, ln net.Listener) error {
	return h.server.Serve(ctx, ln)
}
