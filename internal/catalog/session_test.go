package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sniff/internal/channel"
	"sniff/internal/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionReusesToken(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("stable", "com.example.app", 10)
	registry := newTestRegistry(backend)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := registry.Get(ctx, channel.Stable)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if _, found, err := s.FetchDetails(ctx, "com.example.app"); err != nil || !found {
			t.Fatalf("fetch details: found=%v err=%v", found, err)
		}
	}
	if got := backend.authCount("stable"); got != 1 {
		t.Fatalf("expected one token exchange, got %d", got)
	}
}

func TestSessionReauthenticatesOnceOnRejection(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("beta", "com.example.app", 10)
	registry := newTestRegistry(backend)
	ctx := context.Background()

	s, err := registry.Get(ctx, channel.Beta)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	backend.set(func(f *fakeBackend) { f.revoked["tok-beta-1"] = true })

	doc, found, err := s.FetchDetails(ctx, "com.example.app")
	if err != nil || !found {
		t.Fatalf("fetch details: found=%v err=%v", found, err)
	}
	if vc, _ := doc.VersionCode(); vc != 10 {
		t.Fatalf("expected version 10, got %d", vc)
	}
	if got := backend.authCount("beta"); got != 2 {
		t.Fatalf("expected a single re-authentication, got %d exchanges", got)
	}
	if !s.Valid() {
		t.Fatal("session should remain valid after a successful retry")
	}
}

func TestSessionSecondRejectionFailsAndEvicts(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("alpha", "com.example.app", 10)
	registry := newTestRegistry(backend)
	ctx := context.Background()

	if _, err := registry.Get(ctx, channel.Alpha); err != nil {
		t.Fatalf("get session: %v", err)
	}
	backend.set(func(f *fakeBackend) { f.rejectAll["alpha"] = true })

	err := registry.Use(ctx, channel.Alpha, func(s *Session) error {
		_, _, err := s.FetchDetails(ctx, "com.example.app")
		return err
	})
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if got := backend.authCount("alpha"); got != 2 {
		t.Fatalf("expected exactly one re-authentication, got %d exchanges", got)
	}
	if got := registry.Channels(); len(got) != 0 {
		t.Fatalf("expected session to be evicted, registry holds %v", got)
	}

	backend.set(func(f *fakeBackend) { f.rejectAll["alpha"] = false })
	if _, err := registry.Get(ctx, channel.Alpha); err != nil {
		t.Fatalf("get after eviction: %v", err)
	}
	if got := backend.authCount("alpha"); got != 3 {
		t.Fatalf("expected a fresh exchange after eviction, got %d", got)
	}
}

func TestSessionRejectedReauthenticationFails(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("stable", "com.example.app", 10)
	registry := newTestRegistry(backend)
	ctx := context.Background()

	s, err := registry.Get(ctx, channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	backend.set(func(f *fakeBackend) {
		f.revoked["tok-stable-1"] = true
		f.authReject["stable"] = true
	})
	if _, _, err := s.FetchDetails(ctx, "com.example.app"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if s.Valid() {
		t.Fatal("expected session to be marked invalid")
	}
	if _, _, err := s.FetchDetails(ctx, "com.example.app"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("invalid session must keep failing, got %v", err)
	}
	if got := backend.authCount("stable"); got != 2 {
		t.Fatalf("invalid session must not exchange again, got %d exchanges", got)
	}
}

func TestInitialExchangeRejected(t *testing.T) {
	backend := newFakeBackend()
	backend.set(func(f *fakeBackend) { f.authReject["stable"] = true })
	registry := newTestRegistry(backend)

	if _, err := registry.Get(context.Background(), channel.Stable); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if got := backend.authCount("stable"); got != 1 {
		t.Fatalf("initial rejection must not be retried, got %d exchanges", got)
	}
	if got := registry.Channels(); len(got) != 0 {
		t.Fatalf("failed session must not be cached, got %v", got)
	}
}

func TestSessionRefreshesExpiredTokenProactively(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := newFakeBackend()
	backend.now = clock.Now
	backend.publish("stable", "com.example.app", 10)
	registry := newTestRegistry(backend, WithClock(clock.Now))
	ctx := context.Background()

	s, err := registry.Get(ctx, channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, found, err := s.FetchDetails(ctx, "com.example.app"); err != nil || !found {
		t.Fatalf("fetch details: found=%v err=%v", found, err)
	}
	if got := backend.authCount("stable"); got != 2 {
		t.Fatalf("expected proactive refresh, got %d exchanges", got)
	}
	backend.set(func(f *fakeBackend) {
		if f.rejections != 0 {
			t.Errorf("expected no rejected calls, got %d", f.rejections)
		}
	})
}

func TestFetchDetailsAbsentIsNotAnError(t *testing.T) {
	backend := newFakeBackend()
	registry := newTestRegistry(backend)
	s, err := registry.Get(context.Background(), channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	doc, found, err := s.FetchDetails(context.Background(), "com.missing")
	if err != nil || found {
		t.Fatalf("expected absence, got found=%v err=%v", found, err)
	}
	if doc.Item != nil {
		t.Fatal("expected empty document")
	}
}

func TestFetchDeliveryResolvesLatestVersion(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("stable", "com.example.app", 42)
	backend.publishBundle("stable", "com.example.app", models.DownloadBundle{
		VersionCode: 42,
		MainAPKURL:  ptr("https://dl.example.test/42.apk"),
	})
	registry := newTestRegistry(backend)
	s, err := registry.Get(context.Background(), channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	bundle, entitled, err := s.FetchDelivery(context.Background(), "com.example.app", 0)
	if err != nil || !entitled {
		t.Fatalf("fetch delivery: entitled=%v err=%v", entitled, err)
	}
	if bundle.VersionCode != 42 || *bundle.MainAPKURL != "https://dl.example.test/42.apk" {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if got := backend.deliveries[0].Params.Get("vc"); got != "42" {
		t.Fatalf("expected delivery for version 42, got %q", got)
	}
}

func TestFetchDeliveryWithoutVersion(t *testing.T) {
	backend := newFakeBackend()
	backend.set(func(f *fakeBackend) {
		f.details["stable"] = map[string]models.DetailsDocument{
			"com.example.noversion": {Item: &models.Item{Title: ptr("No Version")}},
		}
	})
	registry := newTestRegistry(backend)
	s, err := registry.Get(context.Background(), channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if _, _, err := s.FetchDelivery(context.Background(), "com.example.noversion", -1); !errors.Is(err, ErrNoVersionAvailable) {
		t.Fatalf("expected ErrNoVersionAvailable, got %v", err)
	}
	if got := len(backend.deliveries); got != 0 {
		t.Fatalf("no delivery call expected without a version, got %d", got)
	}
}

func TestFetchDeliveryLatestOfAbsentPackage(t *testing.T) {
	backend := newFakeBackend()
	registry := newTestRegistry(backend)
	s, err := registry.Get(context.Background(), channel.Beta)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	bundle, entitled, err := s.FetchDelivery(context.Background(), "com.example.absent", 0)
	if err != nil || entitled {
		t.Fatalf("expected absence without error, got entitled=%v err=%v", entitled, err)
	}
	if bundle.MainAPKURL != nil || bundle.VersionCode != 0 {
		t.Fatalf("expected empty bundle, got %+v", bundle)
	}
	if got := len(backend.deliveries); got != 0 {
		t.Fatalf("absent package must not reach delivery, got %d calls", got)
	}
}

func TestFetchDeliveryNotEntitled(t *testing.T) {
	backend := newFakeBackend()
	backend.publish("stable", "com.example.paid", 5)
	registry := newTestRegistry(backend)
	s, err := registry.Get(context.Background(), channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	_, entitled, err := s.FetchDelivery(context.Background(), "com.example.paid", 5)
	if err != nil || entitled {
		t.Fatalf("expected not entitled without error, got entitled=%v err=%v", entitled, err)
	}
}

func TestSessionCallTimeoutIsTransportError(t *testing.T) {
	backend := newFakeBackend()
	backend.set(func(f *fakeBackend) { f.block["stable"] = true })
	registry := newTestRegistry(backend, WithCallTimeout(30*time.Millisecond))
	s, err := registry.Get(context.Background(), channel.Stable)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if _, _, err := s.FetchDetails(context.Background(), "com.example.app"); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

func TestChannelDeviceID(t *testing.T) {
	creds := testCredentials()
	if got := creds.ChannelDeviceID(channel.Beta); got != creds.AndroidID {
		t.Fatalf("unscoped credentials must present the base id, got %q", got)
	}
	creds.ScopeDeviceIDs = true
	stable := creds.ChannelDeviceID(channel.Stable)
	beta := creds.ChannelDeviceID(channel.Beta)
	if len(stable) != 16 || len(beta) != 16 {
		t.Fatalf("expected 16 hex characters, got %q and %q", stable, beta)
	}
	if stable == beta {
		t.Fatal("expected channel scoped ids to differ")
	}
	if creds.ChannelDeviceID(channel.Stable) != stable {
		t.Fatal("expected derivation to be deterministic")
	}
}

func TestCredentialsValidate(t *testing.T) {
	if err := testCredentials().Validate(); err != nil {
		t.Fatalf("expected valid credentials, got %v", err)
	}
	if err := (Credentials{Email: "a@b.c"}).Validate(); err == nil {
		t.Fatal("expected missing token and android id to fail")
	}
}
