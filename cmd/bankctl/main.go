package main

import (
	"fmt"
	"os"

	"github.com/danmuck/auctionctl/internal/bank"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "cmd/bankctl/ex.config.toml", "path to bank config")
	pflag.Parse()

	observability.InitLogger("bank")
	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bankctl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("path", *configPath).Msg("loaded bank config")

	svc := bank.NewService(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "bankctl: %v\n", err)
		os.Exit(1)
	}
}
