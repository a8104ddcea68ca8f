package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/pelletier/go-toml/v2"
)

// ServersConfig is the seed list of servers a fresh host starts with.
type ServersConfig struct {
	Servers []ServerEntry `toml:"servers"`
}

type ServerEntry struct {
	URL   string `toml:"url"`
	Title string `toml:"title"`
}

// LoadServers reads a servers.toml file.
func LoadServers(path string) (ServersConfig, error) {
	var cfg ServersConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServersConfig{}, err
	}
	for i := range cfg.Servers {
		cfg.Servers[i].URL = strings.TrimSpace(cfg.Servers[i].URL)
		cfg.Servers[i].Title = strings.TrimSpace(cfg.Servers[i].Title)
		// canonical form, so "https://Chat.example.com/" and
		// "https://chat.example.com" count as the same server
		if canonical, err := action.CanonicalServerURL(cfg.Servers[i].URL); err == nil && strings.Contains(cfg.Servers[i].URL, "://") {
			cfg.Servers[i].URL = canonical
		}
	}
	if err := ValidateServers(cfg); err != nil {
		return ServersConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServers(cfg ServersConfig) error {
	seen := make(map[string]struct{}, len(cfg.Servers))
	for i, entry := range cfg.Servers {
		if err := ValidateServerEntry(entry); err != nil {
			return fmt.Errorf("servers[%d] invalid: %w", i, err)
		}
		if _, dup := seen[entry.URL]; dup {
			return fmt.Errorf("servers[%d] duplicates url %q", i, entry.URL)
		}
		seen[entry.URL] = struct{}{}
	}
	return nil
}

func ValidateServerEntry(entry ServerEntry) error {
	if strings.TrimSpace(entry.URL) == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(entry.URL)
	if err != nil {
		return fmt.Errorf("url parse failed: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
