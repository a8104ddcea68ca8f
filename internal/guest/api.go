package guest

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/probe"
	"github.com/danmuck/viewhost/internal/protocol/schema"
	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/danmuck/viewhost/internal/screenshare"
	"github.com/danmuck/viewhost/internal/store"
)

// Dispatch sends a to the host. It is applied locally only when the host
// relays it back.
func (c *Client) Dispatch(a action.Action) error {
	return c.bus.Dispatch(a)
}

// Listen observes actions applied to the mirror. Handlers run on the
// session reader, so they must not block on calls to the host.
func (c *Client) Listen(match bus.Matcher, h bus.Handler) func() {
	return c.bus.Listen(match, h)
}

// State returns the mirrored state.
func (c *Client) State() store.State {
	return c.mirror.State()
}

// Select reads one slice of the mirrored state.
func Select[T any](c *Client, selector func(store.State) T) T {
	return store.Select(c.mirror.Store, selector)
}

// Watch calls onChange with the current selection and again whenever it
// changes.
func Watch[T any](c *Client, selector func(store.State) T, onChange func(T)) func() {
	return store.Watch(c.mirror.Store, selector, onChange)
}

// Invoke calls name on the host over the live session.
func (c *Client) Invoke(ctx context.Context, name string, args any, out any) error {
	s := c.current.Load()
	if s == nil {
		return ErrNotConnected
	}
	return s.Invoke(ctx, name, args, out)
}

// ReportReady tells the host this guest can take instructions for url.
// An empty url means the server the guest registered for.
func (c *Client) ReportReady(url string) error {
	if strings.TrimSpace(url) == "" {
		url = c.cfg.ServerURL
	}
	if url != "" {
		url = action.ServerKey(url)
	}
	c.readyURL.Store(&url)
	return c.dispatchReady(url)
}

func (c *Client) dispatchReady(url string) error {
	a, err := action.New(action.GuestReady, action.GuestRef{GuestID: c.cfg.GuestID, URL: url})
	if err != nil {
		return err
	}
	return c.Dispatch(a)
}

func (c *Client) FetchInfo(ctx context.Context, serverURL string) (probe.Info, error) {
	var info probe.Info
	err := c.Invoke(ctx, schema.CallFetchInfo, schema.FetchInfoArgs{URL: serverURL}, &info)
	return info, err
}

// AuthenticationRequired reports whether err is a fetch-info failure caused
// by an HTTP Basic challenge.
func AuthenticationRequired(err error) bool {
	return rpc.IsRemote(err, probe.NameAuthenticationRequired)
}

func (c *Client) SystemIdleState(ctx context.Context, threshold time.Duration) (probe.IdleState, error) {
	var out schema.IdleStateResult
	seconds := int(threshold / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if err := c.Invoke(ctx, schema.CallGetSystemIdleState, schema.IdleStateArgs{ThresholdSeconds: seconds}, &out); err != nil {
		return probe.IdleUnknown, err
	}
	return probe.IdleState(out.State), nil
}

// CertificateError asks the host whether to trust cert for origin. The call
// may wait on a human.
func (c *Client) CertificateError(ctx context.Context, origin string, cert action.CertificateInfo, errorCode string) (bool, error) {
	var out schema.CertificateErrorResult
	err := c.Invoke(ctx, schema.CallCertificateError, schema.CertificateErrorArgs{
		Origin:      origin,
		Certificate: cert,
		ErrorCode:   errorCode,
	}, &out)
	return out.Trusted, err
}

func (c *Client) SelectClientCertificate(ctx context.Context, certs []action.CertificateInfo) (schema.ClientCertificateResult, error) {
	var out schema.ClientCertificateResult
	err := c.Invoke(ctx, schema.CallSelectClientCertificate, schema.ClientCertificateArgs{Certificates: certs}, &out)
	return out, err
}

// RequestScreenSharing asks the host to raise a source picker. A denied
// result is final for that capture request.
func (c *Client) RequestScreenSharing(ctx context.Context, hints screenshare.Hints) (screenshare.Selection, error) {
	var out schema.ScreenSharingResult
	err := c.Invoke(ctx, schema.CallRequestScreenSharing, schema.ScreenSharingArgs{
		Types:           hints.Types,
		ThumbnailWidth:  hints.ThumbnailWidth,
		ThumbnailHeight: hints.ThumbnailHeight,
	}, &out)
	if err != nil {
		return screenshare.Selection{}, err
	}
	return screenshare.Selection{SourceID: out.SourceID, Denied: out.Denied}, nil
}
