package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/viewhost/internal/testutil/testlog"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servers.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write servers: %v", err)
	}
	return path
}

func TestLoadServersTrimsAndConverts(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[[servers]]
url = " https://open.example.com "
title = " Open "

[[servers]]
url = "http://intranet:3000"
`)
	cfg, err := LoadServers(path)
	if err != nil {
		t.Fatalf("load servers: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.Servers))
	}
	infos := ServerInfos(cfg.Servers)
	if infos[0].URL != "https://open.example.com" || infos[0].Title != "Open" {
		t.Fatalf("unexpected first server: %+v", infos[0])
	}
	if infos[1].Title != "" {
		t.Fatalf("unexpected second title: %q", infos[1].Title)
	}
}

func TestLoadServersCanonicalizesURLs(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[[servers]]
url = "https://Open.Example.com/"

[[servers]]
url = "http://Intranet:3000/chat/"
`)
	cfg, err := LoadServers(path)
	if err != nil {
		t.Fatalf("load servers: %v", err)
	}
	if got := cfg.Servers[0].URL; got != "https://open.example.com" {
		t.Fatalf("first url not canonical: %q", got)
	}
	if got := cfg.Servers[1].URL; got != "http://intranet:3000/chat" {
		t.Fatalf("second url not canonical: %q", got)
	}
}

func TestLoadServersRejectsInvalidEntries(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing url": `[[servers]]
title = "x"
`,
		"bad scheme": `[[servers]]
url = "ftp://files.example"
`,
		"duplicate": `[[servers]]
url = "https://open.example.com"
[[servers]]
url = "https://open.example.com"
`,
		"duplicate after canonicalizing": `[[servers]]
url = "https://open.example.com"
[[servers]]
url = "HTTPS://Open.Example.com/"
`,
	}
	for name, content := range cases {
		if _, err := LoadServers(writeFile(t, content)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadServers(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Fatalf("expected load failure, got %v", err)
	}
}

func TestTemplatesParse(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "servers.toml")
	if err := WriteTemplate(path, "servers", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := LoadServers(path); err != nil {
		t.Fatalf("servers template invalid: %v", err)
	}
	if err := WriteTemplate(path, "servers", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if _, err := Template("mirror"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestHostAndGuestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	hostPath := filepath.Join(dir, "host.toml")
	if err := WriteTemplate(hostPath, "host", false); err != nil {
		t.Fatalf("write host template: %v", err)
	}
	host, err := LoadHostFile(hostPath)
	if err != nil {
		t.Fatalf("host template invalid: %v", err)
	}
	if !host.IsDefined("guest_ready_timeout") || host.GuestReadyTimeout != Duration(30*time.Second) {
		t.Fatalf("unexpected ready timeout: %v", host.GuestReadyTimeout)
	}
	if host.IsDefined("session_tls_cert_file") {
		t.Fatalf("cert file should not be defined by the template")
	}

	guestPath := filepath.Join(dir, "guest.toml")
	if err := WriteTemplate(guestPath, "guest", false); err != nil {
		t.Fatalf("write guest template: %v", err)
	}
	guest, err := LoadGuestFile(guestPath)
	if err != nil {
		t.Fatalf("guest template invalid: %v", err)
	}
	if guest.ID != "guest.local" || guest.HeartbeatInterval != Duration(5*time.Second) {
		t.Fatalf("unexpected guest file: %+v", guest)
	}
}

func TestLoadFilesRejectUnknownKeysAndBadValues(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	if _, err := LoadHostFile(write("typo.toml", "adress = \":7400\"\n")); err == nil || !strings.Contains(err.Error(), "adress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if _, err := LoadHostFile(write("duration.toml", "guest_ready_timeout = \"soon\"\n")); err == nil {
		t.Fatalf("expected duration error")
	}
	if _, err := LoadGuestFile(write("transport.toml", "transport = \"udp\"\n")); err == nil {
		t.Fatalf("expected transport error")
	}
}
