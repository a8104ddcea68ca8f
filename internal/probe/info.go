// Package probe answers the host-side questions guests cannot answer
// themselves: what a server URL resolves to and whether the user is idle.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/jellydator/ttlcache/v3"
)

const (
	infoPath = "/api/info"

	// NameAuthenticationRequired is the boundary name of
	// ErrAuthenticationRequired.
	NameAuthenticationRequired = "AuthenticationRequired"

	maxInfoBytes = 1 << 20
)

var (
	// ErrAuthenticationRequired means the server sits behind HTTP Basic auth.
	// It is distinct from network failures so callers can ask for
	// credentials instead of reporting the server as unreachable.
	ErrAuthenticationRequired = rpc.Named(NameAuthenticationRequired, errors.New("probe: server requires basic authentication"))
	ErrUnexpectedStatus       = errors.New("probe: unexpected status")
	ErrInvalidURL             = errors.New("probe: invalid url")
)

// Info is what a server reports about itself.
type Info struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

type InfoConfig struct {
	Timeout  time.Duration
	CacheTTL time.Duration
	Client   *http.Client
}

func DefaultInfoConfig() InfoConfig {
	return InfoConfig{
		Timeout:  10 * time.Second,
		CacheTTL: time.Minute,
	}
}

// InfoProber fetches server info, caching successful answers briefly.
type InfoProber struct {
	client *http.Client
	cache  *ttlcache.Cache[string, Info]
}

func NewInfoProber(cfg InfoConfig) *InfoProber {
	def := DefaultInfoConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cache := ttlcache.New[string, Info](
		ttlcache.WithTTL[string, Info](cfg.CacheTTL),
		ttlcache.WithCapacity[string, Info](256),
		ttlcache.WithDisableTouchOnHit[string, Info](),
	)
	return &InfoProber{client: client, cache: cache}
}

// Start runs cache eviction until ctx ends.
func (p *InfoProber) Start(ctx context.Context) {
	go p.cache.Start()
	<-ctx.Done()
	p.cache.Stop()
}

// FetchInfo asks the server at rawURL for its info and returns the URL the
// request finally resolved to (after redirects) and the server version.
func (p *InfoProber) FetchInfo(ctx context.Context, rawURL string) (Info, error) {
	base, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	key := base.String()
	if item := p.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	target := *base
	target.Path = strings.TrimRight(base.Path, "/") + infoPath
	target.RawQuery = ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Info{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("probe: fetch %s: %w", target.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && isBasicChallenge(resp.Header.Values("WWW-Authenticate")) {
		return Info{}, ErrAuthenticationRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Info{}, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoBytes)).Decode(&body); err != nil {
		return Info{}, fmt.Errorf("probe: decode info: %w", err)
	}

	resolved := *resp.Request.URL
	resolved.Path = strings.TrimSuffix(resolved.Path, infoPath)
	resolved.RawQuery = ""
	info := Info{URL: resolved.String(), Version: body.Version}
	p.cache.Set(key, info, ttlcache.DefaultTTL)
	return info, nil
}

func isBasicChallenge(values []string) bool {
	for _, v := range values {
		scheme, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		if strings.EqualFold(scheme, "basic") {
			return true
		}
	}
	return false
}
