package guest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrHostAddressRequired  = errors.New("guest: host address required")
	ErrGuestIDRequired      = errors.New("guest: guest_id required")
	ErrRegistrationRejected = errors.New("guest: registration rejected")
	ErrNotConnected         = errors.New("guest: not connected")
	ErrUnknownTransport     = errors.New("guest: unknown transport")
)

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// ClientConfig describes how a guest reaches its host. For the ws transport
// Address is the websocket URL of the host's /ws endpoint.
type ClientConfig struct {
	Address            string
	Transport          string
	GuestID            string
	PeerIdentity       string
	ServerURL          string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transport: TransportTCP,
		Session:   session.DefaultConfig(),
	}
}

// Client is a guest's long-lived view of the host: a mirror of the host
// state, a bus whose dispatches go upstream, and at most one live session.
// Listeners and watchers registered on a Client survive reconnects.
type Client struct {
	cfg    ClientConfig
	mirror *store.Mirror
	bus    *bus.Bus
	logger zerolog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	current  atomic.Pointer[Session]
	readyURL atomic.Pointer[string]
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrHostAddressRequired
	}
	if strings.TrimSpace(cfg.GuestID) == "" {
		return nil, ErrGuestIDRequired
	}
	if strings.TrimSpace(cfg.ServerURL) != "" {
		cfg.ServerURL = action.ServerKey(cfg.ServerURL)
	}
	if strings.TrimSpace(cfg.PeerIdentity) == "" {
		cfg.PeerIdentity = cfg.GuestID
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", TransportTCP:
		cfg.Transport = TransportTCP
	case TransportWS:
		cfg.Transport = TransportWS
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
	cfg.Session = cfg.Session.WithDefaults()

	c := &Client{
		cfg:    cfg,
		mirror: store.NewMirror(),
		logger: logging.Component("guest").With().Str("guest", cfg.GuestID).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.bus = bus.New(bus.Options{
		Origin:  bus.OriginGuest,
		Apply:   c.mirror.Receive,
		Forward: c.forward,
	})
	return c, nil
}

// ID is the guest id this client registers with.
func (c *Client) ID() string { return c.cfg.GuestID }

// Bus exposes the guest bus to protocols that take a bus.Dispatcher.
func (c *Client) Bus() *bus.Bus { return c.bus }

// Mirror exposes the replicated state.
func (c *Client) Mirror() *store.Mirror { return c.mirror }

// Session returns the live session, if any.
func (c *Client) Session() *Session { return c.current.Load() }

// ConnectAndRegister dials the host, registers, and returns a session that
// has not been started yet. Connection failures are retried with backoff; a
// rejected registration is not.
func (c *Client) ConnectAndRegister(ctx context.Context) (*Session, error) {
	var attempt int
	for {
		attempt++
		ch, err := c.connect(ctx)
		if err == nil {
			c.mirror.Reset()
			s := newSession(c, ch)
			c.current.Store(s)
			return s, nil
		}
		c.logger.Warn().Int("attempt", attempt).Str("addr", c.cfg.Address).Err(err).Msg("guest.connect_failed")
		if errors.Is(err, ErrRegistrationRejected) || !c.shouldRetry(attempt) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (c *Client) connect(ctx context.Context) (session.Channel, error) {
	if err := c.cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if c.cfg.Transport == TransportWS {
		return c.connectWS(ctx)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := c.register(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return session.NewStreamChannel(conn, reader, c.cfg.Session), nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Session.TLS.Enabled {
		return rawConn, nil
	}
	tlsCfg, err := c.cfg.Session.ClientTLSConfig(c.cfg.Address)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) registration() session.Registration {
	return session.Registration{
		GuestID:        c.cfg.GuestID,
		PeerIdentity:   c.cfg.PeerIdentity,
		ServerURL:      c.cfg.ServerURL,
		CatalogVersion: action.CatalogVersion,
	}
}

func (c *Client) register(conn net.Conn) (*bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	if err := session.WriteRegistration(conn, c.registration()); err != nil {
		return nil, err
	}
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrRegistrationRejected, ack.Code, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})
	return reader, nil
}

func (c *Client) connectWS(ctx context.Context) (session.Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.Session.HandshakeTimeout}
	if c.cfg.Session.TLS.Enabled {
		u, err := url.Parse(c.cfg.Address)
		if err != nil {
			return nil, err
		}
		hostport := u.Host
		if u.Port() == "" {
			hostport = net.JoinHostPort(u.Hostname(), "443")
		}
		tlsCfg, err := c.cfg.Session.ClientTLSConfig(hostport)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, c.cfg.Address, nil)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Session.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)
	if err := session.WriteRegistrationWS(conn, c.registration()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := session.ReadRegistrationAckWS(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Status != session.AckStatusAccepted {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: code=%d message=%q", ErrRegistrationRejected, ack.Code, ack.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return session.NewWSChannel(conn, c.cfg.Session), nil
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	c.rngMu.Lock()
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	c.rngMu.Unlock()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// forward sends a locally dispatched action to the host. The action comes
// back through the session once the host has applied it.
func (c *Client) forward(a action.Action) error {
	s := c.current.Load()
	if s == nil {
		return ErrNotConnected
	}
	raw, err := action.Marshal(a)
	if err != nil {
		return err
	}
	return s.ep.SendAction(raw)
}

// deliver hands a host-echoed action to the local bus.
func (c *Client) deliver(raw json.RawMessage) {
	a, err := action.Unmarshal(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("guest.action_rejected")
		return
	}
	if err := c.bus.Deliver(a); err != nil {
		c.logger.Warn().Str("type", string(a.Type)).Err(err).Msg("guest.action_dropped")
	}
}

// hydrate installs snapshot on the action sequence and replays actions that
// arrived before it, so listeners see them in host order.
func (c *Client) hydrate(snapshot store.State) {
	c.bus.Run(func(process func(action.Action)) {
		for _, a := range c.mirror.Hydrate(snapshot) {
			process(a)
		}
	})
}

func (c *Client) detach(s *Session) {
	c.current.CompareAndSwap(s, nil)
}

// Run keeps a session alive until ctx ends: it connects, hydrates, and on
// disconnect reconnects and fetches a full snapshot again. A readiness
// report made earlier is repeated on every new session.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		s, err := c.ConnectAndRegister(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.Start(ctx); err != nil {
			_ = s.Close()
			c.detach(s)
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			c.logger.Warn().Int("attempt", attempt).Err(err).Msg("guest.start_failed")
			if err := c.sleepBackoff(ctx, attempt); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		if url := c.readyURL.Load(); url != nil {
			if err := c.dispatchReady(*url); err != nil {
				c.logger.Warn().Err(err).Msg("guest.ready_report_failed")
			}
		}

		select {
		case <-ctx.Done():
			_ = s.Close()
			c.detach(s)
			return nil
		case <-s.Done():
		}
		c.detach(s)
		c.logger.Warn().Err(s.Err()).Msg("guest.session_lost")
	}
}
