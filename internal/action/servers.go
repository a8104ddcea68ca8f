package action

import (
	"errors"
	"net/url"
	"strings"
)

var (
	ServerAdded          = register(DomainServers, "servers/added", payloadOf[ServerInfo]())
	ServerRemoved        = register(DomainServers, "servers/removed", payloadOf[ServerRef]())
	ServerTitleChanged   = register(DomainServers, "servers/title-changed", payloadOf[ServerTitle]())
	ServerFaviconChanged = register(DomainServers, "servers/favicon-changed", payloadOf[ServerFavicon]())
	ServerBadgeChanged   = register(DomainServers, "servers/badge-changed", payloadOf[ServerBadge]())
	ServerPathChanged    = register(DomainServers, "servers/path-changed", payloadOf[ServerPath]())
	ServerVersionUpdated = register(DomainServers, "servers/version-updated", payloadOf[ServerVersion]())
	ServersLoaded        = register(DomainServers, "servers/loaded", payloadOf[ServerList]())
	// ServerSessionResumeRequested asks the guest bound to URL to log in
	// with the carried credentials. It does not change state.
	ServerSessionResumeRequested = register(DomainServers, "servers/session-resume-requested", payloadOf[SessionResume]())
)

func validateServerURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.New("url must be absolute")
	}
	return nil
}

type ServerRef struct {
	URL string `json:"url"`
}

func (p *ServerRef) Validate() error { return validateServerURL(p.URL) }

type ServerInfo struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

func (p *ServerInfo) Validate() error { return validateServerURL(p.URL) }

type ServerList struct {
	Servers []ServerInfo `json:"servers"`
}

func (p *ServerList) Validate() error {
	for i := range p.Servers {
		if err := p.Servers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

type ServerTitle struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (p *ServerTitle) Validate() error { return validateServerURL(p.URL) }

type ServerFavicon struct {
	URL     string `json:"url"`
	Favicon string `json:"favicon"`
}

func (p *ServerFavicon) Validate() error { return validateServerURL(p.URL) }

// ServerBadge is either a mention count or "•" for unread without mentions.
// An empty badge clears it.
type ServerBadge struct {
	URL   string `json:"url"`
	Badge string `json:"badge"`
}

func (p *ServerBadge) Validate() error { return validateServerURL(p.URL) }

type ServerPath struct {
	URL  string `json:"url"`
	Path string `json:"path"`
}

func (p *ServerPath) Validate() error { return validateServerURL(p.URL) }

type ServerVersion struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

func (p *ServerVersion) Validate() error { return validateServerURL(p.URL) }

type SessionResume struct {
	URL    string `json:"url"`
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

func (p *SessionResume) Validate() error {
	if err := validateServerURL(p.URL); err != nil {
		return err
	}
	if strings.TrimSpace(p.UserID) == "" || strings.TrimSpace(p.Token) == "" {
		return errors.New("missing credentials")
	}
	return nil
}
