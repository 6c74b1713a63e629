package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sniff/internal/catalog"
	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/storage"
	"sniff/internal/testsupport/playstub"
	"sniff/internal/upstream"
)

const testPackage = "com.example.app"

func ptr[T any](v T) *T { return &v }

type testEnv struct {
	store   *playstub.Store
	handler *Handler
	history *storage.MemoryHistory
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := playstub.Start(playstub.Options{AASToken: "aas_et/secret"})
	t.Cleanup(store.Close)

	creds := catalog.Credentials{Email: "user@example.test", AASToken: "aas_et/secret", AndroidID: "3a1f6b2c9d8e7f60"}
	registry := catalog.NewRegistry(creds, upstream.NewHTTPTransport(store.BaseURL()),
		catalog.WithLogger(logging.Discard()),
		catalog.WithMetrics(metrics.New()),
		catalog.WithCallTimeout(2*time.Second))
	history := storage.NewMemoryHistory(0)
	handler := NewHandler(catalog.NewEngine(registry), history)
	handler.Logger = logging.Discard()
	return &testEnv{store: store, handler: handler, history: history, router: handler.Routes()}
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func appDocument(title, versionString string, versionCode *int32) models.DetailsDocument {
	return models.DetailsDocument{Item: &models.Item{
		ID:    ptr(testPackage),
		Title: ptr(title),
		Details: &models.DocumentDetails{AppDetails: &models.AppDetails{
			VersionCode:   versionCode,
			VersionString: ptr(versionString),
			PackageName:   ptr(testPackage),
		}},
	}}
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) testEnvelope {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json response, got %q", ct)
	}
	var env testEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func expectFailure(t *testing.T, rec *httptest.ResponseRecorder, status int, contains string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Error == nil || !strings.Contains(*env.Error, contains) {
		t.Fatalf("expected failure mentioning %q, got %s", contains, rec.Body.String())
	}
	if string(env.Data) != "null" {
		t.Fatalf("expected null data, got %s", env.Data)
	}
}

func TestDetailsMulti(t *testing.T) {
	env := newTestEnv(t)
	env.store.Publish(channel.Stable, testPackage, appDocument("Example", "1.0", ptr(int32(10))))
	env.store.Publish(channel.Alpha, testPackage, appDocument("Example", "1.2", ptr(int32(12))))

	rec := env.get("/v1/details/" + testPackage)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Available-Channels"); got != "stable,alpha" {
		t.Fatalf("unexpected X-Available-Channels %q", got)
	}
	body := decodeEnvelope(t, rec)
	var data map[string]models.DetailsDocument
	if err := json.Unmarshal(body.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if len(data) != 2 {
		t.Fatalf("expected two channels, got %d", len(data))
	}
	if vc, _ := data["alpha"].VersionCode(); vc != 12 {
		t.Fatalf("expected alpha version 12, got %d", vc)
	}
	if !body.Success || body.Error != nil {
		t.Fatalf("expected success envelope, got %s", rec.Body.String())
	}
}

func TestDetailsMultiNotFound(t *testing.T) {
	env := newTestEnv(t)
	expectFailure(t, env.get("/v1/details/com.missing"), http.StatusNotFound, "App 'com.missing' not found")
}

func TestDetailsMultiAllChannelsFailed(t *testing.T) {
	env := newTestEnv(t)
	for _, ch := range channel.All() {
		env.store.FailChannel(ch, http.StatusServiceUnavailable)
	}
	expectFailure(t, env.get("/v1/details/"+testPackage), http.StatusBadGateway, "all channels failed")
}

func TestDetailsSingleFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.store.Publish(channel.Beta, testPackage, appDocument("Example Beta", "2.0", ptr(int32(20))))

	for _, requested := range []string{"stable", "BETA", "Alpha"} {
		rec := env.get("/v1/details/" + testPackage + "/" + requested)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", requested, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("X-Resolved-Channel"); got != "beta" {
			t.Fatalf("%s: expected beta to resolve, got %q", requested, got)
		}
		var doc models.DetailsDocument
		if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if title, _ := doc.Title(); title != "Example Beta" {
			t.Fatalf("%s: unexpected title %q", requested, title)
		}
	}
}

func TestDetailsSingleInvalidChannel(t *testing.T) {
	env := newTestEnv(t)
	expectFailure(t, env.get("/v1/details/"+testPackage+"/nightly"), http.StatusBadRequest, `"nightly"`)
	if ops := env.store.Operations(); len(ops) != 0 {
		t.Fatalf("invalid channel must not reach the backend, got %d calls", len(ops))
	}
}

func TestDetailsSingleNotFound(t *testing.T) {
	env := newTestEnv(t)
	expectFailure(t, env.get("/v1/details/com.missing/stable"), http.StatusNotFound, "App 'com.missing' not found")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &channel.InvalidChannelError{Value: "x"}, want: http.StatusBadRequest},
		{err: fmt.Errorf("wrap: %w", catalog.ErrNoVersionAvailable), want: http.StatusNotFound},
		{err: &catalog.ChannelError{Channel: channel.Beta, Err: catalog.ErrTransport}, want: http.StatusBadGateway},
		{err: catalog.ErrAuthenticationFailed, want: http.StatusBadGateway},
		{err: catalog.ErrMalformedResponse, want: http.StatusBadGateway},
		{err: catalog.ErrAllChannelsFailed, want: http.StatusBadGateway},
		{err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestHomeRedirect(t *testing.T) {
	env := newTestEnv(t)
	expectFailure(t, env.get("/"), http.StatusNotFound, "not found")

	env.handler.HomeURL = "https://example.test/"
	rec := env.get("/")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://example.test/" {
		t.Fatalf("expected redirect, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	expectFailure(t, env.get("/v2/nothing"), http.StatusNotFound, "/v2/nothing")
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.get("/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" || len(payload.Components) != 2 {
		t.Fatalf("unexpected health payload %+v", payload)
	}

	env.handler.RateLimiter = pingerFunc(func(context.Context) error { return errors.New("redis down") })
	rec = env.get("/healthz")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis down") {
		t.Fatalf("expected degraded health, got %d: %s", rec.Code, rec.Body.String())
	}
}
