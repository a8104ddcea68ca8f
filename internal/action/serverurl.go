package action

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var ErrInvalidServerURL = errors.New("action: invalid server url")

// CanonicalServerURL returns the identity form of a server address. https is
// assumed when no scheme is given, the host is lowercased and converted to
// its ASCII form, and trailing slashes are dropped. Every URL stored in state
// or compared against it goes through here.
func CanonicalServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidServerURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidServerURL, u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidServerURL)
	}
	ascii, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	host := strings.ToLower(ascii)
	if port := u.Port(); port != "" {
		host += ":" + port
	}
	out := url.URL{Scheme: scheme, Host: host, Path: strings.TrimRight(u.Path, "/")}
	return out.String(), nil
}

// ServerKey is CanonicalServerURL for lookups. Input that cannot be
// canonicalized is returned trimmed so it still matches itself.
func ServerKey(raw string) string {
	if out, err := CanonicalServerURL(raw); err == nil {
		return out
	}
	return strings.TrimSpace(raw)
}

// normalizer is implemented by payloads that carry server URLs. Decode
// applies it so consumers only ever see canonical URLs.
type normalizer interface {
	normalize()
}

func (p *ServerRef) normalize()     { p.URL = ServerKey(p.URL) }
func (p *ServerInfo) normalize()    { p.URL = ServerKey(p.URL) }
func (p *ServerTitle) normalize()   { p.URL = ServerKey(p.URL) }
func (p *ServerFavicon) normalize() { p.URL = ServerKey(p.URL) }
func (p *ServerBadge) normalize()   { p.URL = ServerKey(p.URL) }
func (p *ServerPath) normalize()    { p.URL = ServerKey(p.URL) }
func (p *ServerVersion) normalize() { p.URL = ServerKey(p.URL) }
func (p *SessionResume) normalize() { p.URL = ServerKey(p.URL) }

func (p *ServerList) normalize() {
	for i := range p.Servers {
		p.Servers[i].normalize()
	}
}

func (p *ViewTarget) normalize() {
	if p.URL != "" {
		p.URL = ServerKey(p.URL)
	}
}

func (p *GuestRef) normalize() {
	if p.URL != "" {
		p.URL = ServerKey(p.URL)
	}
}
