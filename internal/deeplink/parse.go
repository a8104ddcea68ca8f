// Package deeplink turns external activation strings into server actions.
package deeplink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/viewhost/internal/action"
)

// Kind is the requested deep link action.
type Kind string

const (
	KindAuth   Kind = "auth"
	KindRoom   Kind = "room"
	KindInvite Kind = "invite"
)

var ErrInvalidHost = errors.New("deeplink: invalid host")

// Config lists what counts as a deep link. Anything else is ignored.
type Config struct {
	Schemes         []string `toml:"schemes"`
	RedirectorHosts []string `toml:"redirector_hosts"`
}

func DefaultConfig() Config {
	return Config{
		Schemes:         []string{"viewhost"},
		RedirectorHosts: []string{"go.viewhost.app"},
	}
}

// Link is a recognized deep link.
type Link struct {
	Kind      Kind
	ServerURL string
	Path      string
	UserID    string
	Token     string
}

// Parse recognizes raw as a deep link. ok is false for anything that is not
// one of ours; such input is expected noise from the OS and is not an error.
func Parse(raw string, cfg Config) (Link, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return Link{}, false
	}
	scheme := strings.ToLower(u.Scheme)

	var kind string
	switch {
	case containsFold(cfg.Schemes, scheme):
		// scheme://room?... puts the action in the host slot
		kind = u.Host
		if kind == "" {
			kind = strings.Trim(u.Opaque+u.Path, "/")
		}
	case scheme == "https" && containsFold(cfg.RedirectorHosts, u.Hostname()):
		kind = strings.Trim(u.Path, "/")
	default:
		return Link{}, false
	}

	q := u.Query()
	serverURL, err := CanonicalServerURL(q.Get("host"))
	if err != nil {
		return Link{}, false
	}
	link := Link{Kind: Kind(strings.ToLower(kind)), ServerURL: serverURL}
	switch link.Kind {
	case KindAuth:
		link.UserID = strings.TrimSpace(q.Get("userId"))
		link.Token = strings.TrimSpace(q.Get("token"))
		if link.UserID == "" || link.Token == "" {
			return Link{}, false
		}
	case KindRoom, KindInvite:
		link.Path = strings.TrimLeft(strings.TrimSpace(q.Get("path")), "/")
		if link.Path == "" {
			return Link{}, false
		}
	default:
		return Link{}, false
	}
	return link, true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), v) {
			return true
		}
	}
	return false
}

// CanonicalServerURL is action.CanonicalServerURL reporting ErrInvalidHost.
func CanonicalServerURL(raw string) (string, error) {
	out, err := action.CanonicalServerURL(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return out, nil
}
