package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/viewhost/internal/protocol/session"
)

// Duration is a TOML string such as "30s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("duration must not be negative: %s", text)
	}
	*d = Duration(v)
	return nil
}

// SessionKeys are the transport keys shared by host and guest files.
type SessionKeys struct {
	SecurityMode      string   `toml:"session_security_mode"`
	TLSEnabled        bool     `toml:"session_tls_enabled"`
	TLSMutual         bool     `toml:"session_tls_mutual"`
	TLSCertFile       string   `toml:"session_tls_cert_file"`
	TLSKeyFile        string   `toml:"session_tls_key_file"`
	TLSCAFile         string   `toml:"session_tls_ca_file"`
	TLSServerName     string   `toml:"session_tls_server_name"`
	HeartbeatInterval Duration `toml:"session_heartbeat_interval"`
}

// ApplyTo overlays the keys defined in the file onto dst.
func (k SessionKeys) ApplyTo(dst *session.Config, defined func(string) bool) {
	if defined("session_security_mode") {
		dst.SecurityMode = session.SecurityMode(strings.TrimSpace(k.SecurityMode))
	}
	if defined("session_tls_enabled") {
		dst.TLS.Enabled = k.TLSEnabled
	}
	if defined("session_tls_mutual") {
		dst.TLS.Mutual = k.TLSMutual
	}
	if defined("session_tls_cert_file") {
		dst.TLS.CertFile = strings.TrimSpace(k.TLSCertFile)
	}
	if defined("session_tls_key_file") {
		dst.TLS.KeyFile = strings.TrimSpace(k.TLSKeyFile)
	}
	if defined("session_tls_ca_file") {
		dst.TLS.CAFile = strings.TrimSpace(k.TLSCAFile)
	}
	if defined("session_tls_server_name") {
		dst.TLS.ServerName = strings.TrimSpace(k.TLSServerName)
	}
	if defined("session_heartbeat_interval") {
		dst.HeartbeatInterval = time.Duration(k.HeartbeatInterval)
	}
}

// HostFile is the on-disk host config. Keys absent from the file keep the
// service defaults; use IsDefined to tell them apart.
type HostFile struct {
	Addr                    string   `toml:"addr"`
	AdminListenAddr         string   `toml:"admin_listen_addr"`
	RequireIdentityBinding  bool     `toml:"require_identity_binding"`
	TrustDBPath             string   `toml:"trust_db_path"`
	ServersFile             string   `toml:"servers_file"`
	CORSOrigins             []string `toml:"cors_origins"`
	DeepLinkSchemes         []string `toml:"deeplink_schemes"`
	DeepLinkRedirectorHosts []string `toml:"deeplink_redirector_hosts"`
	GuestReadyTimeout       Duration `toml:"guest_ready_timeout"`
	InfoTimeout             Duration `toml:"info_timeout"`
	InfoCacheTTL            Duration `toml:"info_cache_ttl"`
	SessionKeys

	meta toml.MetaData
}

func (f HostFile) IsDefined(key string) bool { return f.meta.IsDefined(key) }

// GuestFile is the on-disk guest config.
type GuestFile struct {
	ID                 string `toml:"id"`
	HostAddr           string `toml:"host_addr"`
	ServerURL          string `toml:"server_url"`
	Transport          string `toml:"transport"`
	PeerIdentity       string `toml:"peer_identity"`
	MaxConnectAttempts int    `toml:"max_connect_attempts"`
	SessionKeys

	meta toml.MetaData
}

func (f GuestFile) IsDefined(key string) bool { return f.meta.IsDefined(key) }

func LoadHostFile(path string) (HostFile, error) {
	var out HostFile
	meta, err := decodeStrict(path, &out)
	if err != nil {
		return HostFile{}, err
	}
	out.meta = meta
	return out, nil
}

func LoadGuestFile(path string) (GuestFile, error) {
	var out GuestFile
	meta, err := decodeStrict(path, &out)
	if err != nil {
		return GuestFile{}, err
	}
	out.meta = meta
	if meta.IsDefined("transport") {
		switch strings.ToLower(strings.TrimSpace(out.Transport)) {
		case "tcp", "ws":
		default:
			return GuestFile{}, fmt.Errorf("config parse failed (%s): transport must be tcp or ws", path)
		}
	}
	return out, nil
}

// decodeStrict rejects keys the file format does not know, so a typo does
// not silently fall back to a default.
func decodeStrict(path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return meta, nil
}
