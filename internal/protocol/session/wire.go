package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/viewhost/internal/protocol/frame"
)

var (
	ErrInvalidCall  = errors.New("session: invalid call envelope")
	ErrInvalidReply = errors.New("session: invalid reply envelope")
	ErrFrameType    = errors.New("session: unexpected frame type")
)

// CallEnvelope is one typed-channel invocation.
type CallEnvelope struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (c CallEnvelope) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCall)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCall)
	}
	return nil
}

// ErrorEnvelope carries a handler failure across the boundary.
type ErrorEnvelope struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ReplyEnvelope answers exactly one CallEnvelope by ID.
type ReplyEnvelope struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorEnvelope  `json:"error,omitempty"`
}

func (r ReplyEnvelope) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidReply)
	}
	if r.Error != nil && strings.TrimSpace(r.Error.Name) == "" {
		return fmt.Errorf("%w: error missing name", ErrInvalidReply)
	}
	return nil
}

// ActionFrame wraps one wire-JSON action. The payload is opaque here; the
// action bus owns its validation.
func ActionFrame(raw json.RawMessage) frame.Frame {
	return frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeAction},
		Payload: raw,
	}
}

func PingFrame() frame.Frame {
	return frame.Frame{Header: frame.Header{MessageType: frame.TypePing}}
}

func CallFrame(call CallEnvelope) (frame.Frame, error) {
	if err := call.Validate(); err != nil {
		return frame.Frame{}, err
	}
	payload, err := json.Marshal(call)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeCall},
		Payload: payload,
	}, nil
}

func ReplyFrame(reply ReplyEnvelope) (frame.Frame, error) {
	if err := reply.Validate(); err != nil {
		return frame.Frame{}, err
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return frame.Frame{}, err
	}
	flags := frame.FlagIsResponse
	if reply.Error != nil {
		flags |= frame.FlagIsError
	}
	return frame.Frame{
		Header:  frame.Header{MessageType: frame.TypeReply, Flags: flags},
		Payload: payload,
	}, nil
}

func DecodeCall(f frame.Frame) (CallEnvelope, error) {
	if f.Header.MessageType != frame.TypeCall {
		return CallEnvelope{}, fmt.Errorf("%w: %d", ErrFrameType, f.Header.MessageType)
	}
	var call CallEnvelope
	if err := json.Unmarshal(f.Payload, &call); err != nil {
		return CallEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidCall, err)
	}
	if err := call.Validate(); err != nil {
		return CallEnvelope{}, err
	}
	return call, nil
}

func DecodeReply(f frame.Frame) (ReplyEnvelope, error) {
	if f.Header.MessageType != frame.TypeReply {
		return ReplyEnvelope{}, fmt.Errorf("%w: %d", ErrFrameType, f.Header.MessageType)
	}
	var reply ReplyEnvelope
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		return ReplyEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if err := reply.Validate(); err != nil {
		return ReplyEnvelope{}, err
	}
	if f.IsError() != (reply.Error != nil) {
		return ReplyEnvelope{}, fmt.Errorf("%w: error flag mismatch", ErrInvalidReply)
	}
	return reply, nil
}
