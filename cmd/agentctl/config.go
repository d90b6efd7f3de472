package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/auctionctl/internal/agent"
	"github.com/danmuck/auctionctl/internal/config"
	"github.com/danmuck/auctionctl/internal/money"
)

// agentctl config.toml key mapping to agent settings.
type fileConfig struct {
	Name          string   `toml:"name"`
	Deposit       string   `toml:"deposit"`
	BankAddr      string   `toml:"bank_addr"`
	NotifyAddr    string   `toml:"notify_addr"`
	AdvertiseAddr string   `toml:"advertise_addr"`
	AdminAddr     string   `toml:"admin_addr"`
	CORSOrigins   []string `toml:"cors_origins"`
	EventBuffer   int      `toml:"event_buffer"`
	JoinAll       bool     `toml:"join_all"`
	Bids          []string `toml:"bids"`
	config.SessionFile
}

type agentConfig struct {
	Agent agent.Config
	Run   agent.RunOptions
}

func loadAgentConfig(path string) (agentConfig, error) {
	out := agentConfig{Agent: agent.DefaultConfig()}
	cfg := &out.Agent

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load agent config: %w", err)
	}

	if meta.IsDefined("name") {
		if name := strings.TrimSpace(raw.Name); name != "" {
			cfg.Name = name
		}
	}
	if meta.IsDefined("deposit") {
		if cfg.Deposit, err = money.Parse(raw.Deposit); err != nil {
			return agentConfig{}, fmt.Errorf("load agent config: deposit: %w", err)
		}
	}
	if meta.IsDefined("bank_addr") {
		cfg.BankAddr = strings.TrimSpace(raw.BankAddr)
	}
	if meta.IsDefined("notify_addr") {
		cfg.NotifyAddr = strings.TrimSpace(raw.NotifyAddr)
	}
	if meta.IsDefined("advertise_addr") {
		cfg.AdvertiseAddr = strings.TrimSpace(raw.AdvertiseAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}
	if meta.IsDefined("join_all") {
		out.Run.JoinAll = raw.JoinAll
	}
	if meta.IsDefined("bids") {
		if out.Run.Bids, err = parseBids(raw.Bids); err != nil {
			return agentConfig{}, fmt.Errorf("load agent config: %w", err)
		}
	}

	cfg.Session, err = config.ApplySession(meta, raw.SessionFile, cfg.Session)
	if err != nil {
		return agentConfig{}, fmt.Errorf("load agent config: %w", err)
	}
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return agentConfig{}, fmt.Errorf("load agent config: %w", err)
	}
	return out, nil
}

// parseBids reads HOUSE:ITEM:AMOUNT entries.
func parseBids(in []string) ([]agent.PlannedBid, error) {
	out := make([]agent.PlannedBid, 0, len(in))
	for _, entry := range in {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("bid %q: want HOUSE:ITEM:AMOUNT", entry)
		}
		house, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bid %q: house: %w", entry, err)
		}
		item, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bid %q: item: %w", entry, err)
		}
		amount, err := money.Parse(parts[2])
		if err != nil {
			return nil, fmt.Errorf("bid %q: %w", entry, err)
		}
		out = append(out, agent.PlannedBid{House: house, Item: item, Amount: amount})
	}
	return out, nil
}
