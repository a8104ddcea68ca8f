package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// CatalogVersion is bumped whenever a type is added, removed, or changes
// payload shape. Host and guest must agree on it at registration.
const CatalogVersion = 1

// Domain groups action types by the state slice or protocol that owns them.
type Domain string

const (
	DomainServers            Domain = "servers"
	DomainCertificates       Domain = "certificates"
	DomainClientCertificates Domain = "client-certificates"
	DomainScreenSharing      Domain = "screen-sharing"
	DomainDeepLinks          Domain = "deep-links"
	DomainPermissions        Domain = "permissions"
	DomainView               Domain = "view"
	DomainUpdates            Domain = "updates"
	DomainGuests             Domain = "guests"
)

// Payload is implemented by every catalog payload shape.
type Payload interface {
	Validate() error
}

// Entry describes one catalog type. NewPayload is nil for types that carry
// no payload.
type Entry struct {
	Type       Type
	Domain     Domain
	NewPayload func() Payload
}

var catalog = map[Type]Entry{}

func register(domain Domain, t Type, newPayload func() Payload) Type {
	if _, exists := catalog[t]; exists {
		panic(fmt.Sprintf("action: duplicate catalog type %q", t))
	}
	catalog[t] = Entry{Type: t, Domain: domain, NewPayload: newPayload}
	return t
}

func payloadOf[T any, P interface {
	*T
	Payload
}]() func() Payload {
	return func() Payload { return P(new(T)) }
}

// Lookup returns the catalog entry for t.
func Lookup(t Type) (Entry, bool) {
	entry, ok := catalog[t]
	return entry, ok
}

// Types lists every catalog type, sorted.
func Types() []Type {
	out := make([]Type, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check validates a against the catalog: known type, envelope rules, and
// exactly the payload shape registered for the type.
func Check(a Action) error {
	if err := a.Validate(); err != nil {
		return err
	}
	entry, ok := catalog[a.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, a.Type)
	}
	if entry.NewPayload == nil {
		if len(a.Payload) != 0 && !bytes.Equal(bytes.TrimSpace(a.Payload), []byte("null")) {
			return fmt.Errorf("%w: %s takes no payload", ErrInvalidPayload, a.Type)
		}
		return nil
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("%w: %s: missing payload", ErrInvalidPayload, a.Type)
	}
	p := entry.NewPayload()
	dec := json.NewDecoder(bytes.NewReader(a.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, a.Type, err)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, a.Type, err)
	}
	return nil
}
