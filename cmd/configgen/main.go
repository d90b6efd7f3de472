package main

import (
	"fmt"
	"os"

	"github.com/danmuck/auctionctl/internal/config"
	"github.com/danmuck/auctionctl/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	kind := pflag.String("kind", "house", "config kind: bank|house|agent|catalog")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing catalog file")
	input := pflag.String("input", "cmd/housectl/catalog.toml", "catalog path for validation")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	observability.InitLogger("configgen")
	if *validate {
		cat, err := config.LoadCatalog(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
			os.Exit(1)
		}
		log.Info().Str("path", *input).Int("items", len(cat.Items)).Msg("validated catalog")
		return
	}

	target := *output
	if target == "" {
		target = defaultTarget(*kind)
	}
	if target == "" {
		fmt.Fprintf(os.Stderr, "configgen: unknown kind: %s\n", *kind)
		os.Exit(1)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}

func defaultTarget(kind string) string {
	switch kind {
	case "bank":
		return "cmd/bankctl/config.toml"
	case "house":
		return "cmd/housectl/config.toml"
	case "agent":
		return "cmd/agentctl/config.toml"
	case "catalog":
		return "cmd/housectl/catalog.toml"
	default:
		return ""
	}
}
