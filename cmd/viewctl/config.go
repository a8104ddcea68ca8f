package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/viewhost/internal/config"
	"github.com/danmuck/viewhost/internal/guest"
)

func loadClientConfig(path string) (guest.ClientConfig, error) {
	cfg := guest.DefaultClientConfig()
	cfg.Address = "127.0.0.1:7400"

	raw, err := config.LoadGuestFile(path)
	if err != nil {
		return guest.ClientConfig{}, fmt.Errorf("load guest config: %w", err)
	}

	if raw.IsDefined("id") {
		cfg.GuestID = strings.TrimSpace(raw.ID)
	}
	if raw.IsDefined("host_addr") {
		cfg.Address = strings.TrimSpace(raw.HostAddr)
	}
	if raw.IsDefined("server_url") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if raw.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if raw.IsDefined("peer_identity") {
		cfg.PeerIdentity = strings.TrimSpace(raw.PeerIdentity)
	}
	if raw.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	raw.SessionKeys.ApplyTo(&cfg.Session, raw.IsDefined)

	if cfg.GuestID == "" {
		return guest.ClientConfig{}, fmt.Errorf("load guest config: id is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return guest.ClientConfig{}, fmt.Errorf("load guest config: %w", err)
	}
	return cfg, nil
}
