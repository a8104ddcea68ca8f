package deeplink

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/correlate"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/danmuck/viewhost/internal/store"
	"github.com/danmuck/viewhost/internal/testutil/testlog"
)

func TestParse(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cases := []struct {
		raw  string
		want Link
		ok   bool
	}{
		{
			raw:  "viewhost://room?host=Open.Example.com/&path=/channel/general",
			want: Link{Kind: KindRoom, ServerURL: "https://open.example.com", Path: "channel/general"},
			ok:   true,
		},
		{
			raw:  "https://go.viewhost.app/invite?host=open.example.com&path=invite/abc",
			want: Link{Kind: KindInvite, ServerURL: "https://open.example.com", Path: "invite/abc"},
			ok:   true,
		},
		{
			raw:  "VIEWHOST://auth?host=http://intranet:3000&userId=u1&token=t1",
			want: Link{Kind: KindAuth, ServerURL: "http://intranet:3000", UserID: "u1", Token: "t1"},
			ok:   true,
		},
		{raw: "viewhost://auth?host=open.example.com&userId=u1", ok: false},
		{raw: "viewhost://teleport?host=open.example.com", ok: false},
		{raw: "viewhost://room?path=general", ok: false},
		{raw: "othersync://room?host=open.example.com&path=general", ok: false},
		{raw: "https://elsewhere.example/room?host=open.example.com&path=general", ok: false},
		{raw: "--squirrel-firstrun", ok: false},
		{raw: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := Parse(tc.raw, cfg)
		if ok != tc.ok {
			t.Fatalf("%q: ok=%v want %v", tc.raw, ok, tc.ok)
		}
		if ok && !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%q: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestCanonicalServerURLConvertsUnicodeHosts(t *testing.T) {
	testlog.Start(t)
	got, err := CanonicalServerURL("bücher.example")
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if got != "https://xn--bcher-kva.example" {
		t.Fatalf("unexpected canonical url %q", got)
	}
	if _, err := CanonicalServerURL("ftp://files.example"); !errors.Is(err, ErrInvalidHost) {
		t.Fatalf("expected ErrInvalidHost, got %v", err)
	}
}

type hostFixture struct {
	bus   *bus.Bus
	store *store.Store
	seen  []action.Type
}

func newHostFixture() *hostFixture {
	f := &hostFixture{store: store.New(store.Initial())}
	f.bus = bus.New(bus.Options{Apply: func(a action.Action) bool {
		f.store.Apply(a)
		return true
	}})
	f.bus.Listen(bus.Any(), func(a action.Action) error {
		f.seen = append(f.seen, a.Type)
		return nil
	})
	return f
}

func fastResolver(f *hostFixture) *Resolver {
	return NewResolver(f.bus, f.store, ResolverConfig{
		ReadyTimeout: 2 * time.Second,
		Backoff:      session.BackoffConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	})
}

func TestResolveUnknownServerApproved(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	link, ok := Parse("viewhost://room?host=open.example.com&path=channel/general", DefaultConfig())
	if !ok {
		t.Fatalf("parse failed")
	}

	f.bus.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(req action.Action) error {
		return correlate.Respond(f.bus, req, action.DeepLinkServerAddApproved, nil)
	})
	// a guest for the new server comes up a little later
	f.bus.Listen(bus.OfType(action.ServerAdded), func(a action.Action) error {
		info, err := action.Decode[action.ServerInfo](a)
		if err != nil {
			return err
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = f.bus.Dispatch(action.MustNew(action.GuestReady, action.GuestRef{GuestID: "guest-1", URL: info.URL}))
		}()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := fastResolver(f).Resolve(ctx, link)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Fatalf("unexpected outcome %q", outcome)
	}
	f.bus.Flush()

	srv, ok := f.store.State().Server("https://open.example.com")
	if !ok {
		t.Fatalf("server not added")
	}
	if srv.LastPath != "channel/general" {
		t.Fatalf("load path not delivered: %+v", srv)
	}
	if last := f.seen[len(f.seen)-1]; last != action.ViewLoadPath {
		t.Fatalf("expected load-path last, got %v", f.seen)
	}
}

func TestResolveUnknownServerDeniedMakesNoMutation(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	before := f.store.State()
	link, _ := Parse("viewhost://room?host=open.example.com&path=general", DefaultConfig())

	f.bus.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(req action.Action) error {
		return correlate.Respond(f.bus, req, action.DeepLinkServerAddDismissed, nil)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := fastResolver(f).Resolve(ctx, link)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome != OutcomeDenied {
		t.Fatalf("expected denied, got %q", outcome)
	}
	if !reflect.DeepEqual(before, f.store.State()) {
		t.Fatalf("denied link mutated state")
	}
}

func TestResolveKnownServerResumesSession(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	url := "https://open.example.com"
	_ = f.bus.Dispatch(action.MustNew(action.ServerAdded, action.ServerInfo{URL: url}))
	_ = f.bus.Dispatch(action.MustNew(action.GuestReady, action.GuestRef{GuestID: "guest-1", URL: url}))

	prompted := false
	f.bus.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(action.Action) error {
		prompted = true
		return nil
	})
	var resume action.SessionResume
	f.bus.Listen(bus.OfType(action.ServerSessionResumeRequested), func(a action.Action) error {
		var err error
		resume, err = action.Decode[action.SessionResume](a)
		return err
	})

	link, _ := Parse("viewhost://auth?host=open.example.com&userId=u1&token=t1", DefaultConfig())
	outcome, err := fastResolver(f).Resolve(context.Background(), link)
	if err != nil || outcome != OutcomeDelivered {
		t.Fatalf("resolve: %q %v", outcome, err)
	}
	f.bus.Flush()
	if prompted {
		t.Fatalf("known server must not prompt")
	}
	if resume.UserID != "u1" || resume.Token != "t1" {
		t.Fatalf("unexpected resume payload: %+v", resume)
	}
}

func TestResolveGivesUpWhenGuestNeverReady(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	_ = f.bus.Dispatch(action.MustNew(action.ServerAdded, action.ServerInfo{URL: "https://open.example.com"}))
	r := NewResolver(f.bus, f.store, ResolverConfig{
		ReadyTimeout: 50 * time.Millisecond,
		Backoff:      session.BackoffConfig{InitialDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
	})
	link, _ := Parse("viewhost://room?host=open.example.com&path=general", DefaultConfig())
	if _, err := r.Resolve(context.Background(), link); !errors.Is(err, ErrGuestNotReady) {
		t.Fatalf("expected ErrGuestNotReady, got %v", err)
	}
}

func TestResolveMatchesSeededServerDespiteSpelling(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	seeded := action.MustNew(action.ServersLoaded, action.ServerList{Servers: []action.ServerInfo{{URL: "HTTPS://Open.Example.com/"}}})
	_ = f.bus.Dispatch(seeded)
	_ = f.bus.Dispatch(action.MustNew(action.GuestReady, action.GuestRef{GuestID: "guest-1", URL: "https://open.example.COM/"}))
	f.bus.Flush()

	prompted := false
	f.bus.Listen(bus.OfType(action.DeepLinkServerAddRequested), func(action.Action) error {
		prompted = true
		return nil
	})
	link, _ := Parse("viewhost://room?host=open.example.com&path=channel/general", DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := fastResolver(f).Resolve(ctx, link)
	if err != nil || outcome != OutcomeDelivered {
		t.Fatalf("resolve: %q %v", outcome, err)
	}
	f.bus.Flush()
	if prompted {
		t.Fatalf("seeded server treated as unknown")
	}
	st := f.store.State()
	if len(st.Servers) != 1 || st.Servers[0].URL != "https://open.example.com" {
		t.Fatalf("expected one canonical server, got %+v", st.Servers)
	}
	if st.Servers[0].LastPath != "channel/general" {
		t.Fatalf("load path not delivered: %+v", st.Servers[0])
	}
}

func TestConcurrentResolvesWithJitter(t *testing.T) {
	testlog.Start(t)
	f := newHostFixture()
	_ = f.bus.Dispatch(action.MustNew(action.ServerAdded, action.ServerInfo{URL: "https://open.example.com"}))
	f.bus.Flush()
	r := NewResolver(f.bus, f.store, ResolverConfig{
		ReadyTimeout: 2 * time.Second,
		Backoff:      session.BackoffConfig{InitialDelay: 2 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, Jitter: true},
	})
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = f.bus.Dispatch(action.MustNew(action.GuestReady, action.GuestRef{GuestID: "guest-1", URL: "https://open.example.com"}))
	}()

	link, _ := Parse("viewhost://room?host=open.example.com&path=general", DefaultConfig())
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := r.Resolve(context.Background(), link)
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
}
