package host

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/observability"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/rs/zerolog"
)

// Registration rejection codes.
const (
	AckCodeInvalidPayload   uint32 = 1001
	AckCodeIdentityMismatch uint32 = 1002
	AckCodeCatalogMismatch  uint32 = 1003
	AckCodeDuplicateGuest   uint32 = 1004
)

// replaceTimeout bounds the wait for a stale session with the same guest id
// to finish tearing down.
const replaceTimeout = 5 * time.Second

// GuestInfo is the admin view of one connected guest.
type GuestInfo struct {
	GuestID      string    `json:"guest_id"`
	ServerURL    string    `json:"server_url,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	PeerIdentity string    `json:"peer_identity,omitempty"`
	Transport    string    `json:"transport"`
	ConnectedAt  time.Time `json:"connected_at"`
	Attached     bool      `json:"attached"`
	PendingCalls int       `json:"pending_calls"`
}

type guestConn struct {
	info     GuestInfo
	sinkID   string
	endpoint atomic.Pointer[rpc.Endpoint]
	sink     atomic.Pointer[guestSink]
	attached atomic.Bool

	done        chan struct{}
	releaseOnce sync.Once
}

func (g *guestConn) close() {
	if ep := g.endpoint.Load(); ep != nil {
		_ = ep.Channel().Close()
	}
}

var (
	ErrGuestTooSlow = errors.New("host: guest send queue full")
	errSinkClosed   = errors.New("host: guest sink closed")
)

// guestSink relays host actions to one guest. Deliver only queues; a writer
// goroutine owns the channel, so a stalled guest never holds up the action
// sequence for the others. A guest whose queue fills is disconnected and
// rehydrates on reconnect, which keeps its mirror exact.
type guestSink struct {
	ep     *rpc.Endpoint
	send   chan json.RawMessage
	stop   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newGuestSink(ep *rpc.Endpoint, depth int, logger zerolog.Logger) *guestSink {
	s := &guestSink{
		ep:     ep,
		send:   make(chan json.RawMessage, depth),
		stop:   make(chan struct{}),
		logger: logger,
	}
	go s.writeLoop()
	return s
}

func (s *guestSink) Deliver(raw json.RawMessage) error {
	select {
	case <-s.stop:
		return errSinkClosed
	default:
	}
	select {
	case s.send <- raw:
		return nil
	default:
		s.logger.Warn().Int("depth", cap(s.send)).Msg("host.guest_too_slow")
		s.close()
		_ = s.ep.Channel().Close()
		return ErrGuestTooSlow
	}
}

func (s *guestSink) writeLoop() {
	for {
		select {
		case <-s.stop:
			return
		case raw := <-s.send:
			if err := s.ep.SendAction(raw); err != nil {
				// the session is going away; serveGuest detaches the sink
				s.logger.Debug().Err(err).Msg("host.guest_write_failed")
				s.close()
				return
			}
		}
	}
}

func (s *guestSink) close() {
	s.once.Do(func() { close(s.stop) })
}

type peerAuth struct {
	PeerIdentity  string
	Authenticated bool
}

// Guests lists connected guests ordered by id.
func (s *Service) Guests() []GuestInfo {
	s.guestsMu.RLock()
	out := make([]GuestInfo, 0, len(s.guests))
	for _, g := range s.guests {
		info := g.info
		info.Attached = g.attached.Load()
		if ep := g.endpoint.Load(); ep != nil {
			info.PendingCalls = len(ep.Pending())
		}
		out = append(out, info)
	}
	s.guestsMu.RUnlock()
	slices.SortFunc(out, func(a, b GuestInfo) int { return strings.Compare(a.GuestID, b.GuestID) })
	return out
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	auth, err := s.authenticateConn(conn)
	if err != nil {
		s.logger.Warn().Str("remote", remote).Err(err).Msg("host.transport_auth_failed")
		return
	}

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reg, readErr := session.ReadRegistration(reader)
	ack, g := s.admit(reg, readErr, auth, remote, "tcp")
	if err := session.WriteRegistrationAck(conn, ack); err != nil {
		s.logger.Error().Str("remote", remote).Err(err).Msg("host.registration_ack_failed")
		if g != nil {
			s.releaseGuest(g)
		}
		return
	}
	if g == nil {
		return
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.logger.Warn().Err(err).Msg("host.clear_deadline_failed")
	}
	s.serveGuest(ctx, g, session.NewStreamChannel(conn, reader, s.cfg.Session))
}

// admit validates a registration and reserves the guest id. A nil guest
// means the registration was rejected.
func (s *Service) admit(reg session.Registration, readErr error, auth peerAuth, remote, transport string) (session.RegistrationAck, *guestConn) {
	now := uint64(time.Now().UnixMilli())
	reject := func(guestID string, code uint32, msg string) (session.RegistrationAck, *guestConn) {
		s.logger.Warn().
			Str("guest", guestID).
			Str("remote", remote).
			Uint32("code", code).
			Msg("host.registration_rejected")
		return session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Code:        code,
			Message:     msg,
			GuestID:     guestID,
			TimestampMS: now,
		}, nil
	}

	if readErr != nil {
		s.logger.Warn().Str("remote", remote).Err(readErr).Msg("host.registration_read_failed")
		return reject("unknown", AckCodeInvalidPayload, "invalid registration payload")
	}
	if reg.CatalogVersion != action.CatalogVersion {
		return reject(reg.GuestID, AckCodeCatalogMismatch, fmt.Sprintf("catalog version %d, host speaks %d", reg.CatalogVersion, action.CatalogVersion))
	}
	if auth.Authenticated && s.cfg.RequireIdentityBinding && auth.PeerIdentity != reg.GuestID {
		return reject(reg.GuestID, AckCodeIdentityMismatch, "identity binding failure")
	}

	g := &guestConn{
		info: GuestInfo{
			GuestID:      reg.GuestID,
			ServerURL:    serverKey(reg.ServerURL),
			RemoteAddr:   remote,
			PeerIdentity: auth.PeerIdentity,
			Transport:    transport,
			ConnectedAt:  time.Now(),
		},
		sinkID: fmt.Sprintf("%s#%d", reg.GuestID, s.sessionSeq.Add(1)),
		done:   make(chan struct{}),
	}
	// a guest that reconnects before its old session is noticed dead takes
	// over the id once the old session has fully detached
	for {
		s.guestsMu.Lock()
		old, exists := s.guests[reg.GuestID]
		if !exists {
			s.guests[reg.GuestID] = g
			s.guestsMu.Unlock()
			break
		}
		s.guestsMu.Unlock()
		s.logger.Warn().Str("guest", reg.GuestID).Str("remote", remote).Msg("host.guest_replacing")
		old.close()
		select {
		case <-old.done:
		case <-time.After(replaceTimeout):
			return reject(reg.GuestID, AckCodeDuplicateGuest, "guest already connected")
		}
	}

	return session.RegistrationAck{
		Status:      session.AckStatusAccepted,
		Message:     "registered",
		GuestID:     reg.GuestID,
		TimestampMS: now,
	}, g
}

func (s *Service) releaseGuest(g *guestConn) {
	g.releaseOnce.Do(func() {
		s.guestsMu.Lock()
		if cur, ok := s.guests[g.info.GuestID]; ok && cur == g {
			delete(s.guests, g.info.GuestID)
		}
		s.guestsMu.Unlock()
		close(g.done)
	})
}

// serveGuest runs one registered guest session until the channel dies.
func (s *Service) serveGuest(ctx context.Context, g *guestConn, ch session.Channel) {
	logger := s.logger.With().Str("guest", g.info.GuestID).Str("remote", ch.RemoteAddr()).Logger()
	ep := rpc.NewEndpoint(ch, rpc.EndpointOptions{
		Registry: s.guestRegistry(g),
		OnAction: func(raw json.RawMessage) { s.receive(g, raw) },
		Logger:   &logger,
	})
	g.endpoint.Store(ep)

	observability.GuestConnected()
	logger.Warn().Str("server", g.info.ServerURL).Msg("host.guest_connected")
	defer func() {
		s.bus.Detach(g.sinkID)
		if sink := g.sink.Load(); sink != nil {
			sink.close()
		}
		detached := action.MustNew(action.GuestDetached, action.GuestRef{GuestID: g.info.GuestID, URL: g.info.ServerURL})
		if err := s.bus.Dispatch(detached); err != nil {
			logger.Error().Err(err).Msg("host.guest_detach_failed")
		}
		s.bus.Flush()
		s.releaseGuest(g)
		observability.GuestDisconnected()
		logger.Warn().Msg("host.guest_disconnected")
	}()

	go session.Heartbeat(ch, s.cfg.Session.HeartbeatInterval)
	if err := ep.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Debug().Err(err).Msg("host.guest_channel_closed")
	}
}

// receive dispatches an action a guest sent.
func (s *Service) receive(g *guestConn, raw json.RawMessage) {
	a, err := action.Unmarshal(raw)
	if err != nil {
		observability.RecordProtocolViolation(bus.OriginGuest)
		s.logger.Warn().Str("guest", g.info.GuestID).Err(err).Msg("host.action_rejected")
		return
	}
	s.idle.Touch()
	if err := s.bus.Dispatch(a); err != nil {
		s.logger.Debug().Str("guest", g.info.GuestID).Str("type", string(a.Type)).Err(err).Msg("host.action_dropped")
	}
}

// authenticateConn completes the TLS handshake, when TLS is on, and
// extracts the peer identity from the client certificate.
func (s *Service) authenticateConn(conn net.Conn) (peerAuth, error) {
	if !s.cfg.Session.TLS.Enabled {
		return s.authenticateTLS(nil)
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return peerAuth{}, fmt.Errorf("host: expected tls connection")
	}
	_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	if err := tlsConn.Handshake(); err != nil {
		return peerAuth{}, err
	}
	state := tlsConn.ConnectionState()
	return s.authenticateTLS(&state)
}

// authenticateTLS applies the session security policy to a connection's TLS
// state. A nil state is a plaintext connection, which is only accepted when
// session TLS is off outside production mode.
func (s *Service) authenticateTLS(state *tls.ConnectionState) (peerAuth, error) {
	mode := session.NormalizeSecurityMode(s.cfg.Session.SecurityMode)
	if state == nil {
		if s.cfg.Session.TLS.Enabled || mode == session.SecurityModeProduction {
			return peerAuth{}, session.ErrTLSRequired
		}
		return peerAuth{}, nil
	}

	needPeer := s.cfg.Session.TLS.Mutual || mode == session.SecurityModeProduction
	if !needPeer && len(state.PeerCertificates) == 0 {
		return peerAuth{}, nil
	}
	if len(state.PeerCertificates) == 0 {
		return peerAuth{}, session.ErrMTLSRequired
	}
	peerID := session.PeerIdentityFromCert(state.PeerCertificates[0])
	if peerID == "" {
		return peerAuth{}, fmt.Errorf("host: empty peer identity from certificate")
	}
	return peerAuth{PeerIdentity: peerID, Authenticated: true}, nil
}

func serverKey(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	return action.ServerKey(raw)
}
