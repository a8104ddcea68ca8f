package rpc

import (
	"errors"
	"fmt"
	"runtime/debug"
)

var (
	ErrDuplicateHandler = errors.New("rpc: duplicate handler")
	ErrInvalidHandler   = errors.New("rpc: invalid handler")
)

// Error names that cross the boundary for failures raised by the endpoint
// itself rather than by a handler.
const (
	NameHandlerNotFound = "HandlerNotFound"
	NamePanic           = "Panic"
	NameBadArguments    = "BadArguments"
	NameError           = "Error"
)

// RemoteError is a handler failure reported by the peer.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.Name, e.Message)
}

// ErrorStack keeps the origin stack when a remote failure is relayed again.
func (e *RemoteError) ErrorStack() string { return e.Stack }

// IsRemote reports whether err is a RemoteError named name.
func IsRemote(err error, name string) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Name == name
}

// NamedError lets a handler error choose the name it crosses the boundary
// with.
type NamedError interface {
	error
	ErrorName() string
}

// StackError lets a handler error carry the stack it crosses the boundary
// with. Errors without one cross with an empty stack.
type StackError interface {
	error
	ErrorStack() string
}

type namedError struct {
	name  string
	err   error
	stack string
}

func (e *namedError) Error() string      { return e.err.Error() }
func (e *namedError) Unwrap() error      { return e.err }
func (e *namedError) ErrorName() string  { return e.name }
func (e *namedError) ErrorStack() string { return e.stack }

// Named tags err with a boundary name and the stack of the caller.
func Named(name string, err error) error {
	return &namedError{name: name, err: err, stack: string(debug.Stack())}
}

func errorName(err error) string {
	var named NamedError
	if errors.As(err, &named) {
		return named.ErrorName()
	}
	return NameError
}

func errorStack(err error) string {
	var stacked StackError
	if errors.As(err, &stacked) {
		return stacked.ErrorStack()
	}
	return ""
}
