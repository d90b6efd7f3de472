package main

import (
	"fmt"
	"os"

	"github.com/danmuck/auctionctl/internal/agent"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "cmd/agentctl/ex.config.toml", "path to agent config")
	bids := pflag.StringSlice("bid", nil, "bid to place after joining, HOUSE:ITEM:AMOUNT (repeatable)")
	pflag.Parse()

	observability.InitLogger("agent")
	cfg, err := loadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
	extra, err := parseBids(*bids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
	cfg.Run.Bids = append(cfg.Run.Bids, extra...)
	log.Info().Str("path", *configPath).Str("name", cfg.Agent.Name).Int("bids", len(cfg.Run.Bids)).Msg("loaded agent config")

	if err := agent.New(cfg.Agent).Run(cfg.Run); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}
