// Package screenshare asks a human to pick a capture source.
package screenshare

import (
	"context"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/correlate"
)

// Selection is the picker outcome. Denied is final; callers must not
// re-prompt for the same capture request.
type Selection struct {
	SourceID string
	Denied   bool
}

// Hints are the capture constraints shown to the picker.
type Hints = action.ScreenSharingPrompt

// Negotiate raises a source picker and waits for its answer.
func Negotiate(ctx context.Context, d bus.Dispatcher, hints Hints) (Selection, error) {
	if len(hints.Types) == 0 {
		hints.Types = []string{"screen", "window"}
	}
	req, err := action.New(action.ScreenSharingRequested, hints)
	if err != nil {
		return Selection{}, err
	}
	resp, err := correlate.Request(ctx, d, req)
	if err != nil {
		return Selection{}, err
	}
	if resp.Type != action.ScreenSharingSourceSelected {
		return Selection{Denied: true}, nil
	}
	answer, err := action.Decode[action.ScreenSharingAnswer](resp)
	if err != nil || answer.SourceID == nil {
		return Selection{Denied: true}, nil
	}
	return Selection{SourceID: *answer.SourceID}, nil
}
