package store

import (
	"maps"
	"slices"

	"github.com/danmuck/viewhost/internal/action"
)

// Reducer computes the next state for one slice. Reducers are pure: the same
// state and action always yield the same result, and the input is never
// modified.
type Reducer func(State, action.Action) State

// DefaultReducers is the reducer set shared by the host and every mirror.
func DefaultReducers() []Reducer {
	return []Reducer{
		reduceServers,
		reduceCertificates,
		reduceClientCertificates,
		reduceDialog,
		reducePermissions,
		reduceView,
		reduceUpdates,
		reduceGuests,
	}
}

// Reduce folds a through reducers in order.
func Reduce(s State, a action.Action, reducers []Reducer) State {
	for _, r := range reducers {
		s = r(s, a)
	}
	return s
}

func updateServer(s State, url string, fn func(*Server)) State {
	idx := slices.IndexFunc(s.Servers, func(srv Server) bool { return srv.URL == url })
	if idx < 0 {
		return s
	}
	servers := slices.Clone(s.Servers)
	fn(&servers[idx])
	s.Servers = servers
	return s
}

func reduceServers(s State, a action.Action) State {
	switch a.Type {
	case action.ServerAdded:
		p, err := action.Decode[action.ServerInfo](a)
		if err != nil {
			return s
		}
		if _, exists := s.Server(p.URL); exists {
			return s
		}
		title := p.Title
		if title == "" {
			title = p.URL
		}
		s.Servers = append(slices.Clone(s.Servers), Server{URL: p.URL, Title: title})
	case action.ServerRemoved:
		p, err := action.Decode[action.ServerRef](a)
		if err != nil {
			return s
		}
		s.Servers = slices.DeleteFunc(slices.Clone(s.Servers), func(srv Server) bool { return srv.URL == p.URL })
	case action.ServersLoaded:
		p, err := action.Decode[action.ServerList](a)
		if err != nil {
			return s
		}
		servers := make([]Server, 0, len(p.Servers))
		seen := make(map[string]struct{}, len(p.Servers))
		for _, info := range p.Servers {
			if _, dup := seen[info.URL]; dup {
				continue
			}
			seen[info.URL] = struct{}{}
			title := info.Title
			if title == "" {
				title = info.URL
			}
			servers = append(servers, Server{URL: info.URL, Title: title})
		}
		s.Servers = servers
	case action.ServerTitleChanged:
		if p, err := action.Decode[action.ServerTitle](a); err == nil {
			s = updateServer(s, p.URL, func(srv *Server) { srv.Title = p.Title })
		}
	case action.ServerFaviconChanged:
		if p, err := action.Decode[action.ServerFavicon](a); err == nil {
			s = updateServer(s, p.URL, func(srv *Server) { srv.Favicon = p.Favicon })
		}
	case action.ServerBadgeChanged:
		if p, err := action.Decode[action.ServerBadge](a); err == nil {
			s = updateServer(s, p.URL, func(srv *Server) { srv.Badge = p.Badge })
		}
	case action.ServerPathChanged, action.ViewLoadPath:
		if p, err := action.Decode[action.ServerPath](a); err == nil {
			s = updateServer(s, p.URL, func(srv *Server) { srv.LastPath = p.Path })
		}
	case action.ServerVersionUpdated:
		if p, err := action.Decode[action.ServerVersion](a); err == nil {
			s = updateServer(s, p.URL, func(srv *Server) { srv.Version = p.Version })
		}
	}
	return s
}

func reduceCertificates(s State, a action.Action) State {
	switch a.Type {
	case action.CertificateTrusted:
		p, err := action.Decode[action.CertificateDecision](a)
		if err != nil {
			return s
		}
		s.TrustedCertificates = withEntry(s.TrustedCertificates, p.Origin, p.Serialized)
		s.NotTrustedCertificates = withoutEntry(s.NotTrustedCertificates, p.Origin)
	case action.CertificateNotTrusted:
		p, err := action.Decode[action.CertificateDecision](a)
		if err != nil {
			return s
		}
		s.NotTrustedCertificates = withEntry(s.NotTrustedCertificates, p.Origin, p.Serialized)
		s.TrustedCertificates = withoutEntry(s.TrustedCertificates, p.Origin)
	case action.CertificatesCleared:
		s.TrustedCertificates = map[string]string{}
		s.NotTrustedCertificates = map[string]string{}
	}
	return s
}

func withEntry[V any](m map[string]V, key string, value V) map[string]V {
	out := maps.Clone(m)
	if out == nil {
		out = map[string]V{}
	}
	out[key] = value
	return out
}

func withoutEntry[V any](m map[string]V, key string) map[string]V {
	if _, ok := m[key]; !ok {
		return m
	}
	out := maps.Clone(m)
	delete(out, key)
	return out
}

func reduceClientCertificates(s State, a action.Action) State {
	switch a.Type {
	case action.ClientCertificateRequested:
		if p, err := action.Decode[action.ClientCertificatePrompt](a); err == nil {
			s.ClientCertificates = slices.Clone(p.Certificates)
		}
	case action.ClientCertificateSelected, action.ClientCertificateDismissed:
		s.ClientCertificates = []action.CertificateInfo{}
	}
	return s
}

const DialogScreenSharing = "screen-sharing"

func reduceDialog(s State, a action.Action) State {
	switch a.Type {
	case action.ScreenSharingRequested:
		s.OpenDialog = DialogScreenSharing
	case action.ScreenSharingSourceSelected, action.ScreenSharingDismissed:
		if s.OpenDialog == DialogScreenSharing {
			s.OpenDialog = ""
		}
	}
	return s
}

func reducePermissions(s State, a action.Action) State {
	if a.Type != action.ExternalProtocolPermissionSet {
		return s
	}
	p, err := action.Decode[action.ExternalProtocolPermission](a)
	if err != nil {
		return s
	}
	s.ExternalProtocols = withEntry(s.ExternalProtocols, p.Protocol, p.Allowed)
	return s
}

func reduceView(s State, a action.Action) State {
	switch a.Type {
	case action.ViewChanged:
		if p, err := action.Decode[action.ViewTarget](a); err == nil {
			s.View = View{Kind: p.Kind, URL: p.URL}
		}
	case action.ViewLoadPath:
		if p, err := action.Decode[action.ServerPath](a); err == nil {
			s.View = View{Kind: action.ViewServer, URL: p.URL}
		}
	case action.ServerAdded:
		if p, err := action.Decode[action.ServerInfo](a); err == nil {
			s.View = View{Kind: action.ViewServer, URL: p.URL}
		}
	case action.ServerRemoved:
		if p, err := action.Decode[action.ServerRef](a); err == nil && s.View.Kind == action.ViewServer && s.View.URL == p.URL {
			s.View = View{Kind: action.ViewAddNewServer}
		}
	}
	return s
}

func reduceUpdates(s State, a action.Action) State {
	switch a.Type {
	case action.UpdateCheckStarted:
		s.Update = UpdateStatus{Checking: true}
	case action.UpdateAvailable:
		if p, err := action.Decode[action.UpdateRelease](a); err == nil {
			s.Update = UpdateStatus{Available: true, Version: p.Version}
		}
	case action.UpdateNotAvailable:
		s.Update = UpdateStatus{}
	case action.UpdateFailed:
		if p, err := action.Decode[action.UpdateError](a); err == nil {
			s.Update = UpdateStatus{Error: p.Message}
		}
	}
	return s
}

func reduceGuests(s State, a action.Action) State {
	switch a.Type {
	case action.GuestReady:
		if p, err := action.Decode[action.GuestRef](a); err == nil {
			s.Guests = withEntry(s.Guests, p.GuestID, GuestStatus{GuestID: p.GuestID, URL: p.URL, Ready: true})
		}
	case action.GuestDetached:
		if p, err := action.Decode[action.GuestRef](a); err == nil {
			s.Guests = withoutEntry(s.Guests, p.GuestID)
		}
	}
	return s
}
