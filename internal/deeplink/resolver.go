package deeplink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/correlate"
	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/rs/zerolog"
)

var ErrGuestNotReady = errors.New("deeplink: guest never became ready")

// Outcome is the terminal result of resolving a link.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDenied    Outcome = "denied"
	// OutcomeIgnored is returned for input that is not a recognized link.
	OutcomeIgnored Outcome = "ignored"
)

// ResolverConfig bounds the wait for the target guest.
type ResolverConfig struct {
	ReadyTimeout time.Duration
	Backoff      session.BackoffConfig
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		ReadyTimeout: 30 * time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
	}
}

// Resolver acts on parsed links against the host state.
type Resolver struct {
	d      bus.Dispatcher
	store  *store.Store
	cfg    ResolverConfig
	logger zerolog.Logger
}

func NewResolver(d bus.Dispatcher, st *store.Store, cfg ResolverConfig) *Resolver {
	def := DefaultResolverConfig()
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	return &Resolver{
		d:      d,
		store:  st,
		cfg:    cfg,
		logger: logging.Component("deeplink"),
	}
}

// Resolve adds the link's server if needed (asking first), waits until a
// guest for it is ready, then delivers the link's instruction. A denied
// permission request leaves state untouched.
func (r *Resolver) Resolve(ctx context.Context, link Link) (Outcome, error) {
	logger := r.logger.With().Str("kind", string(link.Kind)).Str("server", link.ServerURL).Logger()

	if _, known := r.store.State().Server(link.ServerURL); known {
		if err := r.d.Dispatch(action.MustNew(action.ViewChanged, action.ViewTarget{Kind: action.ViewServer, URL: link.ServerURL})); err != nil {
			return "", err
		}
	} else {
		req := action.MustNew(action.DeepLinkServerAddRequested, action.ServerRef{URL: link.ServerURL})
		resp, err := correlate.Request(ctx, r.d, req)
		if err != nil {
			return "", err
		}
		if resp.Type != action.DeepLinkServerAddApproved {
			logger.Info().Msg("deeplink.server_add_denied")
			return OutcomeDenied, nil
		}
		if err := r.d.Dispatch(action.MustNew(action.ServerAdded, action.ServerInfo{URL: link.ServerURL})); err != nil {
			return "", err
		}
	}

	if err := r.waitReady(ctx, link.ServerURL); err != nil {
		logger.Warn().Err(err).Msg("deeplink.guest_not_ready")
		return "", err
	}

	var instruction action.Action
	switch link.Kind {
	case KindAuth:
		instruction = action.MustNew(action.ServerSessionResumeRequested, action.SessionResume{
			URL:    link.ServerURL,
			UserID: link.UserID,
			Token:  link.Token,
		})
	case KindRoom, KindInvite:
		instruction = action.MustNew(action.ViewLoadPath, action.ServerPath{URL: link.ServerURL, Path: link.Path})
	default:
		return "", fmt.Errorf("deeplink: unsupported kind %q", link.Kind)
	}
	if err := r.d.Dispatch(instruction); err != nil {
		return "", err
	}
	logger.Info().Msg("deeplink.delivered")
	return OutcomeDelivered, nil
}

func (r *Resolver) waitReady(ctx context.Context, serverURL string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReadyTimeout)
	defer cancel()
	// Resolve runs concurrently, one source per wait
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		if r.store.State().ServerReady(serverURL) {
			return nil
		}
		if err := session.SleepBackoff(ctx, r.cfg.Backoff, attempt, rng); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrGuestNotReady, serverURL, err)
		}
	}
}
