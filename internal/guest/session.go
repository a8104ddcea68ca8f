package guest

import (
	"context"
	"sync"

	"github.com/danmuck/viewhost/internal/protocol/schema"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/danmuck/viewhost/internal/store"
)

// Session is one registered connection to the host.
type Session struct {
	client *Client
	ch     session.Channel
	ep     *rpc.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newSession(c *Client, ch session.Channel) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		client: c,
		ch:     ch,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	logger := c.logger.With().Str("peer", ch.RemoteAddr()).Logger()
	s.ep = rpc.NewEndpoint(ch, rpc.EndpointOptions{
		OnAction: c.deliver,
		Logger:   &logger,
	})
	return s
}

// Start begins reading from the host, then fetches the initial snapshot and
// hydrates the mirror. Actions the host relays while the snapshot is in
// flight are replayed on top of it.
func (s *Session) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		go func() {
			err := s.ep.Serve(s.ctx)
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			close(s.done)
		}()
		go session.Heartbeat(s.ch, s.client.cfg.Session.HeartbeatInterval)
	})

	var snapshot store.State
	if err := s.ep.Invoke(ctx, schema.CallGetInitialState, nil, &snapshot); err != nil {
		return err
	}
	s.client.hydrate(snapshot)
	s.client.logger.Info().Int("servers", len(snapshot.Servers)).Msg("guest.hydrated")
	return nil
}

// Invoke calls name on the host.
func (s *Session) Invoke(ctx context.Context, name string, args any, out any) error {
	return s.ep.Invoke(ctx, name, args, out)
}

// Pending lists calls awaiting a host reply.
func (s *Session) Pending() []session.PendingCall {
	return s.ep.Pending()
}

// Done is closed once the session has stopped reading.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session stopped.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.cancel()
	return s.ch.Close()
}
