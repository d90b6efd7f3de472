package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/auctionctl/internal/protocol/session"
)

// SessionFile is the flat session_* key set shared by every role config.
// Embed it in a role's file struct.
type SessionFile struct {
	SessionSecurityMode   string `toml:"session_security_mode"`
	SessionTLSEnabled     bool   `toml:"session_tls_enabled"`
	SessionTLSMutual      bool   `toml:"session_tls_mutual"`
	SessionTLSCertFile    string `toml:"session_tls_cert_file"`
	SessionTLSKeyFile     string `toml:"session_tls_key_file"`
	SessionTLSCAFile      string `toml:"session_tls_ca_file"`
	SessionTLSServerName  string `toml:"session_tls_server_name"`
	SessionConnectTimeout string `toml:"session_connect_timeout"`
	SessionRequestTimeout string `toml:"session_request_timeout"`
	SessionIdleTimeout    string `toml:"session_idle_timeout"`
}

// ApplySession overlays the session keys present in meta onto cfg and
// fills the remaining zero values from session defaults.
func ApplySession(meta toml.MetaData, raw SessionFile, cfg session.Config) (session.Config, error) {
	if meta.IsDefined("session_security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session_connect_timeout", raw.SessionConnectTimeout, &cfg.ConnectTimeout},
		{"session_request_timeout", raw.SessionRequestTimeout, &cfg.RequestTimeout},
		{"session_idle_timeout", raw.SessionIdleTimeout, &cfg.IdleTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := ParseDuration(d.key, d.raw)
		if err != nil {
			return session.Config{}, err
		}
		*d.dst = v
	}
	return cfg.WithDefaults(), nil
}

// ParseDuration parses a duration value read from key.
func ParseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
