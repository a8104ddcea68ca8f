// Package action owns the action wire shape and the closed catalog of
// action types.
//
// An action is created once and never mutated. Payloads stay as raw JSON so
// the same bytes travel every hop; typed access goes through Decode.
package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type is a unique, non-empty event tag of the form "<domain>/<event>".
type Type string

var (
	ErrMissingType       = errors.New("action: missing type")
	ErrMissingResponseID = errors.New("action: response without meta.id")
	ErrUnknownType       = errors.New("action: unknown type")
	ErrInvalidPayload    = errors.New("action: invalid payload")
)

// Meta carries correlation data. A response action has Response set and an
// ID equal to its request's ID.
type Meta struct {
	ID       string `json:"id,omitempty"`
	Response bool   `json:"response,omitempty"`
}

// Action is the wire shape {type, payload?, error?, meta?}.
type Action struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   bool            `json:"error,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// New builds an action with payload marshalled to JSON. A nil payload
// produces an action without one.
func New(t Type, payload any) (Action, error) {
	a := Action{Type: t}
	if payload == nil {
		return a, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Action{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	a.Payload = raw
	return a, nil
}

// MustNew is New for payloads that are known to marshal.
func MustNew(t Type, payload any) Action {
	a, err := New(t, payload)
	if err != nil {
		panic(err)
	}
	return a
}

// WithID returns a copy of a carrying correlation id.
func (a Action) WithID(id string) Action {
	out := a
	out.Meta = &Meta{ID: id}
	return out
}

// Reply builds a response action addressed to req.
func Reply(req Action, t Type, payload any) (Action, error) {
	if req.Meta == nil || strings.TrimSpace(req.Meta.ID) == "" {
		return Action{}, ErrMissingResponseID
	}
	a, err := New(t, payload)
	if err != nil {
		return Action{}, err
	}
	a.Meta = &Meta{ID: req.Meta.ID, Response: true}
	return a, nil
}

func (a Action) IsResponse() bool {
	return a.Meta != nil && a.Meta.Response
}

// ID returns the correlation id, if any.
func (a Action) ID() string {
	if a.Meta == nil {
		return ""
	}
	return a.Meta.ID
}

// Validate checks the envelope only; payload shape is checked by Check.
func (a Action) Validate() error {
	if strings.TrimSpace(string(a.Type)) == "" {
		return ErrMissingType
	}
	if a.IsResponse() && strings.TrimSpace(a.Meta.ID) == "" {
		return ErrMissingResponseID
	}
	return nil
}

// Decode unmarshals the payload of a into T. Server URLs in the result are
// canonical.
func Decode[T any](a Action) (T, error) {
	var out T
	if len(a.Payload) == 0 {
		return out, fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, a.Type)
	}
	if err := json.Unmarshal(a.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, a.Type, err)
	}
	if n, ok := any(&out).(normalizer); ok {
		n.normalize()
	}
	return out, nil
}

// Marshal renders a as wire JSON.
func Marshal(a Action) (json.RawMessage, error) {
	return json.Marshal(a)
}

// Unmarshal parses wire JSON into an action and validates its envelope.
func Unmarshal(raw []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}
