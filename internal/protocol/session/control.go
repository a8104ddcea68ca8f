package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

const (
	controlTypeRegister    = "guest.register"
	controlTypeRegisterAck = "guest.register.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlMessageBytes = 128 * 1024
)

var (
	ErrInvalidRegistration    = errors.New("session: invalid registration")
	ErrInvalidRegistrationAck = errors.New("session: invalid registration ack")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Registration is the Guest->Host session-start payload. A guest is bound to
// exactly one server; ServerURL may be empty for the host's own shell views.
type Registration struct {
	GuestID      string `json:"guest_id"`
	PeerIdentity string `json:"peer_identity"`
	ServerURL    string `json:"server_url,omitempty"`
	// CatalogVersion is the guest's action catalog version; the host rejects
	// a mismatch.
	CatalogVersion int `json:"catalog_version"`
}

func (r Registration) Validate() error {
	if strings.TrimSpace(r.GuestID) == "" {
		return fmt.Errorf("%w: missing guest_id", ErrInvalidRegistration)
	}
	if r.CatalogVersion <= 0 {
		return fmt.Errorf("%w: missing catalog_version", ErrInvalidRegistration)
	}
	if raw := strings.TrimSpace(r.ServerURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: server_url %q is not absolute", ErrInvalidRegistration, raw)
		}
	}
	return nil
}

// RegistrationAck is the Host->Guest registration response.
type RegistrationAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	GuestID     string `json:"guest_id"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a RegistrationAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidRegistrationAck)
	}
	if strings.TrimSpace(a.GuestID) == "" {
		return fmt.Errorf("%w: missing guest_id", ErrInvalidRegistrationAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidRegistrationAck)
	}
	return nil
}

type controlEnvelope struct {
	Type string           `json:"type"`
	Reg  *Registration    `json:"registration,omitempty"`
	Ack  *RegistrationAck `json:"registration_ack,omitempty"`
}

func MarshalRegistration(reg Registration) ([]byte, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeRegister, Reg: &reg})
}

func UnmarshalRegistration(raw []byte) (Registration, error) {
	env, err := decodeControlEnvelope(raw)
	if err != nil {
		return Registration{}, err
	}
	if env.Type != controlTypeRegister || env.Reg == nil {
		return Registration{}, fmt.Errorf("%w: unexpected control type", ErrInvalidRegistration)
	}
	if err := env.Reg.Validate(); err != nil {
		return Registration{}, err
	}
	return *env.Reg, nil
}

func MarshalRegistrationAck(ack RegistrationAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(controlEnvelope{Type: controlTypeRegisterAck, Ack: &ack})
}

func UnmarshalRegistrationAck(raw []byte) (RegistrationAck, error) {
	env, err := decodeControlEnvelope(raw)
	if err != nil {
		return RegistrationAck{}, err
	}
	if env.Type != controlTypeRegisterAck || env.Ack == nil {
		return RegistrationAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidRegistrationAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return RegistrationAck{}, err
	}
	return *env.Ack, nil
}

func WriteRegistration(w io.Writer, reg Registration) error {
	payload, err := MarshalRegistration(reg)
	if err != nil {
		return err
	}
	return writeControlLine(w, payload)
}

func ReadRegistration(r *bufio.Reader) (Registration, error) {
	line, err := readControlLine(r)
	if err != nil {
		return Registration{}, err
	}
	return UnmarshalRegistration(line)
}

func WriteRegistrationAck(w io.Writer, ack RegistrationAck) error {
	payload, err := MarshalRegistrationAck(ack)
	if err != nil {
		return err
	}
	return writeControlLine(w, payload)
}

func ReadRegistrationAck(r *bufio.Reader) (RegistrationAck, error) {
	line, err := readControlLine(r)
	if err != nil {
		return RegistrationAck{}, err
	}
	return UnmarshalRegistrationAck(line)
}

func writeControlLine(w io.Writer, payload []byte) error {
	payload = append(payload, '\n')
	_, err := w.Write(payload)
	return err
}

func readControlLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > maxControlMessageBytes {
		return nil, ErrControlMessageTooLarge
	}
	return line, nil
}

func decodeControlEnvelope(raw []byte) (controlEnvelope, error) {
	if len(raw) > maxControlMessageBytes {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
