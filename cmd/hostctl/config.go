package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/viewhost/internal/config"
	"github.com/danmuck/viewhost/internal/host"
)

// hostctl loader for TOML config with default overlay.
func loadServiceConfig(path string) (host.ServiceConfig, error) {
	cfg := host.DefaultServiceConfig()

	raw, err := config.LoadHostFile(path)
	if err != nil {
		return host.ServiceConfig{}, fmt.Errorf("load host config: %w", err)
	}

	if raw.IsDefined("addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.Addr)
	}
	if raw.IsDefined("admin_listen_addr") {
		cfg.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if raw.IsDefined("require_identity_binding") {
		cfg.RequireIdentityBinding = raw.RequireIdentityBinding
	}
	if raw.IsDefined("trust_db_path") {
		cfg.TrustDBPath = strings.TrimSpace(raw.TrustDBPath)
	}
	if raw.IsDefined("servers_file") {
		cfg.ServersFile = strings.TrimSpace(raw.ServersFile)
	}
	if raw.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if raw.IsDefined("deeplink_schemes") {
		cfg.DeepLink.Schemes = normalizeList(raw.DeepLinkSchemes)
	}
	if raw.IsDefined("deeplink_redirector_hosts") {
		cfg.DeepLink.RedirectorHosts = normalizeList(raw.DeepLinkRedirectorHosts)
	}
	if raw.IsDefined("guest_ready_timeout") {
		cfg.Resolver.ReadyTimeout = time.Duration(raw.GuestReadyTimeout)
	}
	if raw.IsDefined("info_timeout") {
		cfg.Info.Timeout = time.Duration(raw.InfoTimeout)
	}
	if raw.IsDefined("info_cache_ttl") {
		cfg.Info.CacheTTL = time.Duration(raw.InfoCacheTTL)
	}
	raw.SessionKeys.ApplyTo(&cfg.Session, raw.IsDefined)

	if len(cfg.DeepLink.Schemes) == 0 {
		return host.ServiceConfig{}, fmt.Errorf("load host config: deeplink_schemes must name at least one scheme")
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateServerTransport(); err != nil {
		return host.ServiceConfig{}, fmt.Errorf("load host config: %w", err)
	}
	return cfg, nil
}


func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
