// Package store holds the replicated application state and its reducers.
package store

import (
	"maps"
	"slices"

	"github.com/danmuck/viewhost/internal/action"
)

// Server is one configured chat server.
type Server struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Favicon  string `json:"favicon"`
	Badge    string `json:"badge"`
	LastPath string `json:"last_path"`
	Version  string `json:"version"`
}

type View struct {
	Kind action.ViewKind `json:"kind"`
	URL  string          `json:"url"`
}

type UpdateStatus struct {
	Checking  bool   `json:"checking"`
	Available bool   `json:"available"`
	Version   string `json:"version"`
	Error     string `json:"error"`
}

type GuestStatus struct {
	GuestID string `json:"guest_id"`
	URL     string `json:"url"`
	Ready   bool   `json:"ready"`
}

// State is the whole replicated tree. Values held by a Store are never
// mutated in place; reducers return a new State with fresh slices and maps
// for whatever they change.
//
// Fields carry no omitempty so a JSON round-trip keeps nil and empty
// collections distinct.
type State struct {
	Servers                []Server                 `json:"servers"`
	TrustedCertificates    map[string]string        `json:"trusted_certificates"`
	NotTrustedCertificates map[string]string        `json:"not_trusted_certificates"`
	ClientCertificates     []action.CertificateInfo `json:"client_certificates"`
	OpenDialog             string                   `json:"open_dialog"`
	ExternalProtocols      map[string]bool          `json:"external_protocols"`
	View                   View                     `json:"view"`
	Update                 UpdateStatus             `json:"update"`
	Guests                 map[string]GuestStatus   `json:"guests"`
}

// Initial is the state a fresh host starts from.
func Initial() State {
	return State{
		Servers:                []Server{},
		TrustedCertificates:    map[string]string{},
		NotTrustedCertificates: map[string]string{},
		ClientCertificates:     []action.CertificateInfo{},
		ExternalProtocols:      map[string]bool{},
		View:                   View{Kind: action.ViewAddNewServer},
		Guests:                 map[string]GuestStatus{},
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Servers = slices.Clone(s.Servers)
	out.TrustedCertificates = maps.Clone(s.TrustedCertificates)
	out.NotTrustedCertificates = maps.Clone(s.NotTrustedCertificates)
	out.ClientCertificates = slices.Clone(s.ClientCertificates)
	out.ExternalProtocols = maps.Clone(s.ExternalProtocols)
	out.Guests = maps.Clone(s.Guests)
	return out
}

// Server returns the server with url, if configured. url is compared in
// canonical form.
func (s State) Server(url string) (Server, bool) {
	url = action.ServerKey(url)
	for _, srv := range s.Servers {
		if srv.URL == url {
			return srv, true
		}
	}
	return Server{}, false
}

// ServerReady reports whether at least one guest bound to url reported ready.
func (s State) ServerReady(url string) bool {
	url = action.ServerKey(url)
	for _, g := range s.Guests {
		if g.URL == url && g.Ready {
			return true
		}
	}
	return false
}
