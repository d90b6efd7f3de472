package main

import (
	"fmt"
	"os"

	"github.com/danmuck/auctionctl/internal/house"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "cmd/housectl/ex.config.toml", "path to house config")
	pflag.Parse()

	observability.InitLogger("house")
	cfg, err := loadHouseConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "housectl: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("path", *configPath).Int("catalog", len(cfg.Catalog.Items)).Msg("loaded house config")

	if err := house.New(cfg).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "housectl: %v\n", err)
		os.Exit(1)
	}
}
