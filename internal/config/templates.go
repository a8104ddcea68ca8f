package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "host":
		return hostTemplate, nil
	case "guest":
		return guestTemplate, nil
	case "servers":
		return serversTemplate, nil
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

const hostTemplate = `addr = ":7400"
admin_listen_addr = "127.0.0.1:7401"
require_identity_binding = true
cors_origins = []
trust_db_path = "viewhost-trust.db"
servers_file = "servers.toml"
deeplink_schemes = ["viewhost"]
deeplink_redirector_hosts = ["go.viewhost.app"]
guest_ready_timeout = "30s"
info_timeout = "10s"
session_security_mode = "development"
session_tls_enabled = false
`

const guestTemplate = `id = "guest.local"
host_addr = "127.0.0.1:7400"
server_url = "https://open.example.com"
transport = "tcp"
max_connect_attempts = 0
session_heartbeat_interval = "5s"
session_security_mode = "development"
session_tls_enabled = false
`

const serversTemplate = `[[servers]]
url = "https://open.example.com"
title = "Open"
`
