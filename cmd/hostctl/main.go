package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danmuck/viewhost/internal/host"
	"github.com/danmuck/viewhost/internal/logging"
)

func main() {
	configPath := flag.String("config", "cmd/hostctl/config.toml", "host config path")
	activate := flag.String("activate", "", "hand a deep link to the running host and exit")
	flag.Parse()

	logging.ConfigureRuntime()

	cfg, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		os.Exit(1)
	}

	if link := strings.TrimSpace(*activate); link != "" {
		outcome, err := forwardActivation(cfg.AdminListenAddr, link)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(outcome)
		return
	}

	svc := host.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "hostctl: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig falls back to defaults when no config file exists.
func resolveConfig(path string) (host.ServiceConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return host.DefaultServiceConfig(), nil
	}
	return loadServiceConfig(path)
}

// forwardActivation passes link to an already running host, the way a
// second launch hands its arguments to the first.
func forwardActivation(adminAddr, link string) (string, error) {
	if strings.TrimSpace(adminAddr) == "" {
		return "", fmt.Errorf("activate: admin_listen_addr is not configured")
	}
	body, err := json.Marshal(map[string]string{"url": link})
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 45 * time.Second}
	resp, err := client.Post("http://"+adminAddr+"/activate", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("activate: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Outcome string `json:"outcome"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("activate: decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("activate: %s (status %d)", out.Error, resp.StatusCode)
	}
	return out.Outcome, nil
}
