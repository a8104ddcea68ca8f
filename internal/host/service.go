package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/config"
	"github.com/danmuck/viewhost/internal/deeplink"
	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/probe"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/danmuck/viewhost/internal/trust"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig is the host process configuration.
type ServiceConfig struct {
	ListenAddr      string
	AdminListenAddr string
	// RequireIdentityBinding makes a TLS-authenticated guest register under
	// the identity its client certificate carries.
	RequireIdentityBinding bool
	TrustDBPath            string
	ServersFile            string
	CORSOrigins            []string
	DeepLink               deeplink.Config
	Resolver               deeplink.ResolverConfig
	Info                   probe.InfoConfig
	Session                session.Config
	// GuestQueueDepth bounds the actions waiting to be written to one guest.
	// A guest that falls this far behind is disconnected.
	GuestQueueDepth int
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:             ":7400",
		AdminListenAddr:        "127.0.0.1:7401",
		RequireIdentityBinding: true,
		DeepLink:               deeplink.DefaultConfig(),
		Resolver:               deeplink.DefaultResolverConfig(),
		Info:                   probe.DefaultInfoConfig(),
		Session:                session.DefaultConfig(),
		GuestQueueDepth:        1024,
	}
}

// Service owns the canonical store and everything that writes to it.
type Service struct {
	cfg ServiceConfig

	store      *store.Store
	bus        *bus.Bus
	negotiator *trust.Negotiator
	resolver   *deeplink.Resolver
	info       *probe.InfoProber
	idle       *probe.IdleProber
	repo       *trust.SQLiteRepository

	appeared time.Time
	logger   zerolog.Logger

	connsMu sync.Mutex
	conns   map[io.Closer]struct{}

	guestsMu   sync.RWMutex
	guests     map[string]*guestConn
	sessionSeq atomic.Uint64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultServiceConfig())
}

func NewServiceWithConfig(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if len(cfg.DeepLink.Schemes) == 0 {
		cfg.DeepLink = def.DeepLink
	}
	if cfg.GuestQueueDepth <= 0 {
		cfg.GuestQueueDepth = def.GuestQueueDepth
	}
	cfg.Session = cfg.Session.WithDefaults()

	st := store.New(store.Initial())
	b := bus.New(bus.Options{
		Origin: bus.OriginHost,
		Apply: func(a action.Action) bool {
			st.Apply(a)
			return true
		},
	})
	return &Service{
		cfg:        cfg,
		store:      st,
		bus:        b,
		negotiator: trust.NewNegotiator(b, st, nil),
		resolver:   deeplink.NewResolver(b, st, cfg.Resolver),
		info:       probe.NewInfoProber(cfg.Info),
		idle:       probe.NewIdleProber(nil),
		appeared:   time.Now(),
		logger:     logging.Component("host"),
		conns:      make(map[io.Closer]struct{}),
		guests:     make(map[string]*guestConn),
	}
}

func (s *Service) Store() *store.Store { return s.store }

func (s *Service) Bus() *bus.Bus { return s.bus }

func (s *Service) Negotiator() *trust.Negotiator { return s.negotiator }

// Open loads persisted trust decisions and the seed server list. It must run
// before the service accepts guests.
func (s *Service) Open(ctx context.Context) error {
	if path := strings.TrimSpace(s.cfg.TrustDBPath); path != "" {
		repo, err := trust.OpenSQLite(ctx, path)
		if err != nil {
			return err
		}
		trusted, notTrusted, err := repo.Load(ctx)
		if err != nil {
			_ = repo.Close()
			return err
		}
		s.repo = repo
		s.negotiator.Close()
		s.negotiator = trust.NewNegotiator(s.bus, s.store, repo)
		s.bus.Run(func(func(action.Action)) {
			s.store.Hydrate(store.MergePersistedTrust(s.store.State(), trusted, notTrusted))
		})
		s.logger.Info().
			Int("trusted", len(trusted)).
			Int("not_trusted", len(notTrusted)).
			Msg("host.trust_loaded")
	}

	if path := strings.TrimSpace(s.cfg.ServersFile); path != "" && len(s.store.State().Servers) == 0 {
		servers, err := config.LoadServers(path)
		if err != nil {
			return err
		}
		if len(servers.Servers) > 0 {
			loaded := action.MustNew(action.ServersLoaded, action.ServerList{Servers: config.ServerInfos(servers.Servers)})
			if err := s.bus.Dispatch(loaded); err != nil {
				return err
			}
			s.bus.Flush()
		}
		s.logger.Info().Str("path", path).Int("servers", len(servers.Servers)).Msg("host.servers_seeded")
	}
	return nil
}

func (s *Service) Close() error {
	s.negotiator.Close()
	if s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

// Run serves guests and the admin API until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	defer s.Close()

	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.logger.Warn().Str("addr", ln.Addr().String()).Msg("host.listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.info.Start(ctx)
		return nil
	})
	g.Go(func() error {
		return s.Serve(ctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		g.Go(func() error {
			return s.serveAdmin(ctx, addr)
		})
	}
	return g.Wait()
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve accepts guest sessions on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go func() {
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Warn().Str("addr", addr).Msg("host.admin_listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("host: admin server: %w", err)
	}
	return nil
}

// Activate handles a deep link handed to the process. Input that is not a
// recognized link is ignored.
func (s *Service) Activate(ctx context.Context, raw string) (deeplink.Outcome, error) {
	link, ok := deeplink.Parse(raw, s.cfg.DeepLink)
	if !ok {
		s.logger.Debug().Str("input", raw).Msg("host.activate_ignored")
		return deeplink.OutcomeIgnored, nil
	}
	return s.resolver.Resolve(ctx, link)
}

func (s *Service) trackConn(c io.Closer) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Service) untrackConn(c io.Closer) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]io.Closer, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
