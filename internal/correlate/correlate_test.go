package correlate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/testutil/testlog"
)

func addRequest() action.Action {
	return action.MustNew(action.DeepLinkServerAddRequested, action.ServerRef{URL: "https://open.example.com"})
}

func TestRequestResolvesOnFirstResponse(t *testing.T) {
	testlog.Start(t)
	b := bus.New(bus.Options{})
	baseline := b.ListenerCount()

	var requestSeen action.Action
	b.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(req action.Action) error {
		requestSeen = req
		if err := Respond(b, req, action.DeepLinkServerAddApproved, nil); err != nil {
			return err
		}
		// a duplicate answer for the same id is ignored
		return Respond(b, req, action.DeepLinkServerAddDismissed, nil)
	})
	baseline++

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := Request(ctx, b, addRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != action.DeepLinkServerAddApproved {
		t.Fatalf("expected first response to win, got %s", resp.Type)
	}
	if resp.ID() == "" || resp.ID() != requestSeen.ID() {
		t.Fatalf("response id %q does not match request id %q", resp.ID(), requestSeen.ID())
	}
	if got := b.ListenerCount(); got != baseline {
		t.Fatalf("correlation listener leaked: %d listeners, want %d", got, baseline)
	}
}

func TestUnknownResponsesAreIgnored(t *testing.T) {
	testlog.Start(t)
	b := bus.New(bus.Options{})
	stray := action.MustNew(action.DeepLinkServerAddApproved, nil)
	stray.Meta = &action.Meta{ID: "nobody-asked", Response: true}

	b.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(req action.Action) error {
		if err := b.Dispatch(stray); err != nil {
			return err
		}
		return Respond(b, req, action.DeepLinkServerAddDismissed, nil)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := Request(ctx, b, addRequest())
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != action.DeepLinkServerAddDismissed {
		t.Fatalf("stray response resolved the request: %s", resp.Type)
	}
	// no pending request exists; a late stray is a no-op
	if err := b.Dispatch(stray); err != nil {
		t.Fatalf("dispatch stray: %v", err)
	}
}

func TestRequestEndsWithContext(t *testing.T) {
	testlog.Start(t)
	b := bus.New(bus.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Request(ctx, b, addRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if got := b.ListenerCount(); got != 0 {
		t.Fatalf("listener leaked after cancellation: %d", got)
	}
}

func TestRequestRejectsResponses(t *testing.T) {
	testlog.Start(t)
	b := bus.New(bus.Options{})
	resp := action.MustNew(action.DeepLinkServerAddApproved, nil)
	resp.Meta = &action.Meta{ID: "x", Response: true}
	if _, err := Request(context.Background(), b, resp); !errors.Is(err, ErrRequestIsResponse) {
		t.Fatalf("expected ErrRequestIsResponse, got %v", err)
	}
}

func TestRequestSurfacesDispatchErrors(t *testing.T) {
	testlog.Start(t)
	b := bus.New(bus.Options{})
	_, err := Request(context.Background(), b, action.Action{Type: "deep-links/unheard-of"})
	if !errors.Is(err, bus.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if got := b.ListenerCount(); got != 0 {
		t.Fatalf("listener leaked after dispatch failure: %d", got)
	}
}
