package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/correlate"
	"github.com/danmuck/viewhost/internal/guest"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/rpc"
	"github.com/danmuck/viewhost/internal/testutil/testlog"
	"github.com/danmuck/viewhost/internal/testutil/tlstest"
	"github.com/danmuck/viewhost/internal/trust"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testServers = []string{
	"https://open.example.com",
	"https://chat.example.org",
	"https://team.example.net",
}

func testSessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.Backoff = session.BackoffConfig{
		InitialDelay: 10 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     100 * time.Millisecond,
	}
	return cfg
}

func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdminListenAddr = ""
	cfg.Session = testSessionConfig()
	cfg.Resolver.ReadyTimeout = 500 * time.Millisecond
	return cfg
}

func startHost(t *testing.T, cfg ServiceConfig) (*Service, string) {
	t.Helper()
	svc := NewServiceWithConfig(cfg)
	ln, err := svc.listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return svc, ln.Addr().String()
}

type runningGuest struct {
	*guest.Client
	stop func()
}

func guestConfig(addr, id, serverURL string) guest.ClientConfig {
	cfg := guest.DefaultClientConfig()
	cfg.Address = addr
	cfg.GuestID = id
	cfg.ServerURL = serverURL
	cfg.Session = testSessionConfig()
	return cfg
}

func startGuest(t *testing.T, cfg guest.ClientConfig) *runningGuest {
	t.Helper()
	c, err := guest.NewClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("guest %s run: %v", cfg.GuestID, err)
			}
		})
	}
	t.Cleanup(stop)
	waitFor(t, "guest "+cfg.GuestID+" hydrated", func() bool {
		return c.Session() != nil && c.Mirror().Hydrated()
	})
	return &runningGuest{Client: c, stop: stop}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func stateJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return string(raw)
}

func seedServers(t *testing.T, svc *Service) {
	t.Helper()
	infos := make([]action.ServerInfo, 0, len(testServers))
	for _, url := range testServers {
		infos = append(infos, action.ServerInfo{URL: url})
	}
	if err := svc.Bus().Dispatch(action.MustNew(action.ServersLoaded, action.ServerList{Servers: infos})); err != nil {
		t.Fatalf("seed servers: %v", err)
	}
	svc.Bus().Flush()
}

func TestGuestHydratesAndRoundTripsActions(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())
	seedServers(t, svc)

	g := startGuest(t, guestConfig(addr, "guest.alpha", testServers[0]))
	if got := len(g.State().Servers); got != len(testServers) {
		t.Fatalf("expected %d mirrored servers, got %d", len(testServers), got)
	}

	title := action.MustNew(action.ServerTitleChanged, action.ServerTitle{URL: testServers[0], Title: "Open"})
	if err := g.Dispatch(title); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "title on host and guest", func() bool {
		hostSrv, _ := svc.Store().State().Server(testServers[0])
		guestSrv, _ := g.State().Server(testServers[0])
		return hostSrv.Title == "Open" && guestSrv.Title == "Open"
	})

	guests := svc.Guests()
	if len(guests) != 1 || guests[0].GuestID != "guest.alpha" || !guests[0].Attached {
		t.Fatalf("unexpected guest list: %+v", guests)
	}
	if guests[0].Transport != "tcp" || guests[0].ServerURL != testServers[0] {
		t.Fatalf("unexpected guest info: %+v", guests[0])
	}
}

func TestMirrorsConvergeUnderConcurrentDispatch(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())
	seedServers(t, svc)

	guests := make([]*runningGuest, 0, 3)
	for i := 0; i < 3; i++ {
		guests = append(guests, startGuest(t, guestConfig(addr, fmt.Sprintf("guest.%d", i), testServers[i])))
	}

	randomAction := func(rng *rand.Rand, tag string) action.Action {
		url := testServers[rng.Intn(len(testServers))]
		if rng.Intn(2) == 0 {
			return action.MustNew(action.ServerTitleChanged, action.ServerTitle{URL: url, Title: fmt.Sprintf("%s-%d", tag, rng.Intn(1000))})
		}
		return action.MustNew(action.ServerBadgeChanged, action.ServerBadge{URL: url, Badge: fmt.Sprintf("%d", rng.Intn(20))})
	}

	var wg sync.WaitGroup
	for i, g := range guests {
		wg.Add(1)
		go func(seed int64, g *runningGuest) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for n := 0; n < 25; n++ {
				if err := g.Dispatch(randomAction(rng, g.ID())); err != nil {
					t.Errorf("guest dispatch: %v", err)
					return
				}
			}
		}(int64(i+1), g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(99))
		for n := 0; n < 25; n++ {
			if err := svc.Bus().Dispatch(randomAction(rng, "host")); err != nil {
				t.Errorf("host dispatch: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	waitFor(t, "mirrors to converge", func() bool {
		want := stateJSON(t, svc.Store().Snapshot())
		for _, g := range guests {
			if stateJSON(t, g.State()) != want {
				return false
			}
		}
		return true
	})
}

func TestRegistrationRejectsCatalogMismatch(t *testing.T) {
	testlog.Start(t)

	_, addr := startHost(t, testServiceConfig())

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	reg := session.Registration{
		GuestID:        "guest.stale",
		PeerIdentity:   "guest.stale",
		CatalogVersion: action.CatalogVersion + 1,
	}
	if err := session.WriteRegistration(conn, reg); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	ack, err := session.ReadRegistrationAck(bufio.NewReader(conn))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Status != session.AckStatusRejected || ack.Code != AckCodeCatalogMismatch {
		t.Fatalf("expected catalog mismatch rejection, got %+v", ack)
	}
}

func TestReconnectingGuestReplacesStaleSession(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())

	stale, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer stale.Close()
	_ = stale.SetDeadline(time.Now().Add(2 * time.Second))
	reg := session.Registration{GuestID: "guest.alpha", PeerIdentity: "guest.alpha", CatalogVersion: action.CatalogVersion}
	if err := session.WriteRegistration(stale, reg); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	reader := bufio.NewReader(stale)
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil || ack.Status != session.AckStatusAccepted {
		t.Fatalf("stale registration: ack=%+v err=%v", ack, err)
	}

	g := startGuest(t, guestConfig(addr, "guest.alpha", ""))

	guests := svc.Guests()
	if len(guests) != 1 || !guests[0].Attached {
		t.Fatalf("expected one attached guest, got %+v", guests)
	}

	// the stale socket is closed by the host once it is replaced
	_ = stale.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := reader.ReadByte(); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("stale session was not closed")
			}
			break
		}
	}

	title := action.MustNew(action.ServerTitleChanged, action.ServerTitle{URL: testServers[0], Title: "after"})
	if err := g.Dispatch(title); err != nil {
		t.Fatalf("dispatch after replace: %v", err)
	}
	waitFor(t, "detach of the stale session to settle", func() bool {
		_, present := svc.Store().State().Guests["guest.alpha"]
		return !present && len(svc.Guests()) == 1
	})
}

func TestCertificateTrustPromptsOnce(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())
	ui := startGuest(t, guestConfig(addr, "shell", ""))
	app := startGuest(t, guestConfig(addr, "guest.alpha", testServers[0]))

	var prompts atomic.Int32
	ui.Listen(bus.OfType(action.CertificateTrustRequested), func(req action.Action) error {
		prompts.Add(1)
		return correlate.Respond(ui.Bus(), req, action.CertificateTrustResponse, action.CertificateTrustAnswer{Trusted: true})
	})

	authority := tlstest.NewAuthority(t, t.TempDir(), "viewhost test ca")
	cert := authority.CertificateInfo(t, "open.example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	const callers = 5
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			trusted, err := app.CertificateError(ctx, "open.example.com", cert, "net::ERR_CERT_AUTHORITY_INVALID")
			if err == nil && !trusted {
				err = errors.New("certificate not trusted")
			}
			results <- err
		}()
	}
	for i := 0; i < callers; i++ {
		if err := <-results; err != nil {
			t.Fatalf("certificate error call: %v", err)
		}
	}
	if got := prompts.Load(); got != 1 {
		t.Fatalf("expected exactly one prompt, got %d", got)
	}
	if svc.Store().State().TrustedCertificates["open.example.com"] != cert.Serialized {
		t.Fatalf("trust decision not recorded on host")
	}
	if svc.Negotiator().Pending() != 0 {
		t.Fatalf("prompt queue not drained")
	}

	// a known certificate answers without asking again
	trusted, err := app.CertificateError(ctx, "open.example.com", cert, "")
	if err != nil || !trusted {
		t.Fatalf("repeat call: trusted=%v err=%v", trusted, err)
	}
	if got := prompts.Load(); got != 1 {
		t.Fatalf("expected no new prompt, got %d", got)
	}
}

func TestCertificateErrorRejectsMissingFields(t *testing.T) {
	testlog.Start(t)

	_, addr := startHost(t, testServiceConfig())
	app := startGuest(t, guestConfig(addr, "guest.alpha", testServers[0]))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := app.CertificateError(ctx, "open.example.com", action.CertificateInfo{Fingerprint: "AA"}, "")
	if err == nil || !strings.Contains(err.Error(), "certificate.serialized") {
		t.Fatalf("expected missing field error, got %v", err)
	}
}

func TestDisconnectClearsReadiness(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())
	seedServers(t, svc)
	g := startGuest(t, guestConfig(addr, "guest.alpha", testServers[0]))

	if err := g.ReportReady(""); err != nil {
		t.Fatalf("report ready: %v", err)
	}
	waitFor(t, "server ready", func() bool { return svc.Store().State().ServerReady(testServers[0]) })

	g.stop()
	waitFor(t, "readiness cleared", func() bool {
		return !svc.Store().State().ServerReady(testServers[0]) && len(svc.Guests()) == 0
	})
}

func TestActivateDeliversToReadyGuest(t *testing.T) {
	testlog.Start(t)

	svc, addr := startHost(t, testServiceConfig())
	seedServers(t, svc)
	g := startGuest(t, guestConfig(addr, "guest.alpha", testServers[0]))
	if err := g.ReportReady(""); err != nil {
		t.Fatalf("report ready: %v", err)
	}

	var loaded atomic.Value
	g.Listen(bus.OfType(action.ViewLoadPath), func(a action.Action) error {
		p, err := action.Decode[action.ServerPath](a)
		if err == nil {
			loaded.Store(p.Path)
		}
		return err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := svc.Activate(ctx, "viewhost://room?host=open.example.com&path=channel/general")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if outcome != "delivered" {
		t.Fatalf("unexpected outcome: %q", outcome)
	}
	waitFor(t, "load-path at guest", func() bool {
		path, _ := loaded.Load().(string)
		return path != ""
	})
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	svc := NewServiceWithConfig(testServiceConfig())
	seedServers(t, svc)
	router := svc.AdminRouter()

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	rec := do(http.MethodGet, "/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("state: %d", rec.Code)
	}
	var st struct {
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(st.Servers) != len(testServers) {
		t.Fatalf("unexpected servers in state: %s", rec.Body.String())
	}

	rec = do(http.MethodPost, "/activate", `{"url":"https://not-a-link.example.com"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ignored"`) {
		t.Fatalf("activate noise: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(http.MethodPost, "/activate", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("activate bad body: %d", rec.Code)
	}

	// a known server with no ready guest times out
	rec = do(http.MethodPost, "/activate", `{"url":"viewhost://room?host=open.example.com&path=channel/general"}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("activate without guest: %d %s", rec.Code, rec.Body.String())
	}

	if rec := do(http.MethodDelete, "/certificates", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear certificates: %d", rec.Code)
	}
	rec = do(http.MethodGet, "/guests", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"guests":[]`) {
		t.Fatalf("guests: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketGuest(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	svc := NewServiceWithConfig(testServiceConfig())
	seedServers(t, svc)
	srv := httptest.NewServer(svc.AdminRouter())
	t.Cleanup(srv.Close)

	cfg := guestConfig("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", "guest.ws", testServers[1])
	cfg.Transport = guest.TransportWS
	g := startGuest(t, cfg)

	if got := len(g.State().Servers); got != len(testServers) {
		t.Fatalf("expected %d mirrored servers, got %d", len(testServers), got)
	}
	badge := action.MustNew(action.ServerBadgeChanged, action.ServerBadge{URL: testServers[1], Badge: "3"})
	if err := g.Dispatch(badge); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "badge on host", func() bool {
		srv, _ := svc.Store().State().Server(testServers[1])
		return srv.Badge == "3"
	})
	guests := svc.Guests()
	if len(guests) != 1 || guests[0].Transport != "ws" {
		t.Fatalf("unexpected guests: %+v", guests)
	}
}

func TestWebSocketRefusedWhenSessionTLSRequired(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)

	production := testServiceConfig()
	production.Session.SecurityMode = session.SecurityModeProduction
	withTLS := testServiceConfig()
	withTLS.Session.TLS.Enabled = true
	withTLS.Session.TLS.Mutual = true

	for name, cfg := range map[string]ServiceConfig{"production": production, "tls": withTLS} {
		svc := NewServiceWithConfig(cfg)
		srv := httptest.NewServer(svc.AdminRouter())

		conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
		if err == nil {
			_ = conn.Close()
			srv.Close()
			t.Fatalf("%s: plaintext websocket guest was upgraded", name)
		}
		if !errors.Is(err, websocket.ErrBadHandshake) || resp == nil || resp.StatusCode != http.StatusForbidden {
			srv.Close()
			t.Fatalf("%s: expected 403 handshake refusal, got %v", name, err)
		}
		_ = resp.Body.Close()
		if got := len(svc.Guests()); got != 0 {
			srv.Close()
			t.Fatalf("%s: refused request registered %d guests", name, got)
		}
		srv.Close()
	}
}

func TestOpenLoadsPersistedTrustAndServers(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "trust.db")
	repo, err := trust.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open repo: %v", err)
	}
	if err := repo.Save(context.Background(), "open.example.com", "PEM-A", true); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := repo.Save(context.Background(), "bad.example.com", "PEM-B", false); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = repo.Close()

	serversPath := filepath.Join(dir, "servers.toml")
	serversFile := "[[servers]]\nurl = \"https://open.example.com\"\ntitle = \"Open\"\n\n[[servers]]\nurl = \"https://chat.example.org\"\n"
	if err := os.WriteFile(serversPath, []byte(serversFile), 0o644); err != nil {
		t.Fatalf("write servers: %v", err)
	}

	cfg := testServiceConfig()
	cfg.TrustDBPath = dbPath
	cfg.ServersFile = serversPath
	svc := NewServiceWithConfig(cfg)
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer svc.Close()

	st := svc.Store().State()
	if st.TrustedCertificates["open.example.com"] != "PEM-A" {
		t.Fatalf("trusted decision not loaded: %+v", st.TrustedCertificates)
	}
	if st.NotTrustedCertificates["bad.example.com"] != "PEM-B" {
		t.Fatalf("not-trusted decision not loaded: %+v", st.NotTrustedCertificates)
	}
	if len(st.Servers) != 2 || st.Servers[0].Title != "Open" {
		t.Fatalf("servers not seeded: %+v", st.Servers)
	}

	if err := svc.Negotiator().ClearDecisions(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	svc.Bus().Flush()
	if len(svc.Store().State().TrustedCertificates) != 0 {
		t.Fatalf("expected cleared decisions")
	}
}

func TestMutualTLSBindsGuestIdentity(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	authority := tlstest.NewAuthority(t, dir, "viewhost test ca")
	serverCert, serverKey := authority.IssueServerCert(t, dir, "host", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert, clientKey := authority.IssueClientCert(t, dir, "guest.bound")

	cfg := testServiceConfig()
	cfg.Session.TLS = session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: serverCert,
		KeyFile:  serverKey,
		CAFile:   authority.CAFile(),
	}
	_, addr := startHost(t, cfg)

	clientTLS := session.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: clientCert,
		KeyFile:  clientKey,
		CAFile:   authority.CAFile(),
	}

	bound := guestConfig(addr, "guest.bound", "")
	bound.Session.TLS = clientTLS
	startGuest(t, bound)

	imposter := guestConfig(addr, "guest.other", "")
	imposter.Session.TLS = clientTLS
	imposter.MaxConnectAttempts = 1
	c, err := guest.NewClient(imposter)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.ConnectAndRegister(ctx); !errors.Is(err, guest.ErrRegistrationRejected) {
		t.Fatalf("expected identity rejection, got %v", err)
	}
}

func TestStalledGuestSinkDisconnectsInsteadOfBlocking(t *testing.T) {
	testlog.Start(t)

	// nothing reads the far end, so every write to the guest stalls
	left, right := net.Pipe()
	defer right.Close()
	ch := session.NewStreamChannel(left, nil, testSessionConfig())
	ep := rpc.NewEndpoint(ch, rpc.EndpointOptions{})
	sink := newGuestSink(ep, 2, zerolog.Nop())
	defer sink.close()

	raw, err := action.Marshal(action.MustNew(action.ServerBadgeChanged, action.ServerBadge{URL: testServers[0], Badge: "1"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	start := time.Now()
	var deliverErr error
	for i := 0; i < 10 && deliverErr == nil; i++ {
		deliverErr = sink.Deliver(raw)
	}
	if !errors.Is(deliverErr, ErrGuestTooSlow) {
		t.Fatalf("expected ErrGuestTooSlow, got %v", deliverErr)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("deliver blocked on a stalled guest for %v", elapsed)
	}
	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stalled guest was not disconnected")
	}
	if err := sink.Deliver(raw); !errors.Is(err, errSinkClosed) {
		t.Fatalf("expected closed sink, got %v", err)
	}
}
