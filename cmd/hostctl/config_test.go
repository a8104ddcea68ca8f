package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9400"
admin_listen_addr = ""
trust_db_path = " /var/lib/viewhost/trust.db "
servers_file = "servers.toml"
cors_origins = ["http://localhost:3000", " "]
deeplink_schemes = ["viewhost", "chat"]
guest_ready_timeout = "45s"
session_tls_enabled = true
session_tls_mutual = true
session_tls_cert_file = "/etc/viewhost/server.crt"
session_tls_key_file = "/etc/viewhost/server.key"
session_tls_ca_file = "/etc/viewhost/ca.crt"
session_heartbeat_interval = "2s"
`)

	cfg, err := loadServiceConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9400" {
		t.Fatalf("unexpected listen addr: %q", cfg.ListenAddr)
	}
	if cfg.AdminListenAddr != "" {
		t.Fatalf("expected admin listener disabled, got %q", cfg.AdminListenAddr)
	}
	if !cfg.RequireIdentityBinding {
		t.Fatalf("expected identity binding default to survive")
	}
	if cfg.TrustDBPath != "/var/lib/viewhost/trust.db" {
		t.Fatalf("unexpected trust db path: %q", cfg.TrustDBPath)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if len(cfg.DeepLink.Schemes) != 2 || len(cfg.DeepLink.RedirectorHosts) == 0 {
		t.Fatalf("unexpected deep link config: %+v", cfg.DeepLink)
	}
	if cfg.Resolver.ReadyTimeout != 45*time.Second {
		t.Fatalf("unexpected ready timeout: %v", cfg.Resolver.ReadyTimeout)
	}
	if !cfg.Session.TLS.Enabled || !cfg.Session.TLS.Mutual || cfg.Session.TLS.CAFile != "/etc/viewhost/ca.crt" {
		t.Fatalf("unexpected tls config: %+v", cfg.Session.TLS)
	}
	if cfg.Session.HeartbeatInterval != 2*time.Second {
		t.Fatalf("unexpected heartbeat: %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.WriteTimeout <= 0 {
		t.Fatalf("expected session defaults applied")
	}
}

func TestLoadServiceConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty schemes":   "deeplink_schemes = []\n",
		"tls without key": "session_tls_enabled = true\nsession_tls_cert_file = \"/x.crt\"\n",
		"unknown key":     "listen = \":1\"\n",
		"bad duration":    "guest_ready_timeout = \"later\"\n",
	}
	for name, content := range cases {
		if _, err := loadServiceConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := resolveConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ListenAddr != ":7400" {
		t.Fatalf("unexpected default listen addr: %q", cfg.ListenAddr)
	}
}

func TestForwardActivation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/activate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(body["url"], "viewhost://") {
			_, _ = w.Write([]byte(`{"outcome":"delivered"}`))
			return
		}
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":"guest not ready"}`))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	outcome, err := forwardActivation(addr, "viewhost://room?host=open.example.com&path=general")
	if err != nil || outcome != "delivered" {
		t.Fatalf("unexpected result: outcome=%q err=%v", outcome, err)
	}
	if _, err := forwardActivation(addr, "https://elsewhere"); err == nil || !strings.Contains(err.Error(), "guest not ready") {
		t.Fatalf("expected forwarded error, got %v", err)
	}
	if _, err := forwardActivation("", "viewhost://x"); err == nil {
		t.Fatalf("expected missing admin addr error")
	}
}
