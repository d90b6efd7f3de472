package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter config for kind: bank, house, agent or
// catalog.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bank":
		return bankTemplate, nil
	case "house":
		return houseTemplate, nil
	case "agent":
		return agentTemplate, nil
	case "catalog":
		return catalogTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const bankTemplate = `name = "bank"
listen_addr = ":7000"
admin_addr = "127.0.0.1:7080"
cors_origins = ["http://localhost:3000"]
max_workers = 64
session_security_mode = "development"
session_request_timeout = "10s"
session_idle_timeout = "5m"
`

const houseTemplate = `name = "north-house"
listen_addr = ":7100"
advertise_addr = "localhost:7100"
admin_addr = "127.0.0.1:7180"
bank_addr = "localhost:7000"
catalog = "catalog.toml"
quiet_period = "30s"
settle_timeout = "10s"
notify_max_attempts = 4
session_security_mode = "development"
session_request_timeout = "10s"
`

const agentTemplate = `name = "alice"
deposit = "2500.00"
bank_addr = "localhost:7000"
notify_addr = ":7200"
advertise_addr = "localhost:7200"
join_all = true
bids = []
session_security_mode = "development"
session_request_timeout = "10s"
`

const catalogTemplate = `open = 3
restock = true

[[items]]
name = "brass lamp"
min_bid = "10.00"

[[items]]
name = "wool rug"
min_bid = "45.00"

[[items]]
name = "oak chair"
min_bid = "25.50"

[[items]]
name = "tin whistle"
min_bid = "2.00"
`
