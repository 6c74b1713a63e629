package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/upstream"
)

func ptr[T any](v T) *T { return &v }

// fakeBackend is an in-process store backend keyed by release track.
type fakeBackend struct {
	mu sync.Mutex

	now       func() time.Time
	authDelay time.Duration

	authCalls    map[string]int
	authReject   map[string]bool
	rejectAll    map[string]bool
	failWith     map[string]error
	block        map[string]bool
	tokens       map[string]string
	revoked      map[string]bool
	rejections   int
	details      map[string]map[string]models.DetailsDocument
	bundles      map[string]map[string]models.DownloadBundle
	detailsCalls map[string]int
	deliveries   []upstream.Request
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		now:          time.Now,
		authCalls:    make(map[string]int),
		authReject:   make(map[string]bool),
		rejectAll:    make(map[string]bool),
		failWith:     make(map[string]error),
		block:        make(map[string]bool),
		tokens:       make(map[string]string),
		revoked:      make(map[string]bool),
		details:      make(map[string]map[string]models.DetailsDocument),
		bundles:      make(map[string]map[string]models.DownloadBundle),
		detailsCalls: make(map[string]int),
	}
}

func (f *fakeBackend) publish(track, pkg string, versionCode int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.details[track] == nil {
		f.details[track] = make(map[string]models.DetailsDocument)
	}
	f.details[track][pkg] = models.DetailsDocument{Item: &models.Item{
		ID:    ptr(pkg),
		Title: ptr(pkg + " (" + track + ")"),
		Details: &models.DocumentDetails{AppDetails: &models.AppDetails{
			VersionCode:   ptr(versionCode),
			VersionString: ptr(fmt.Sprintf("%d.0", versionCode)),
			PackageName:   ptr(pkg),
		}},
	}}
}

func (f *fakeBackend) publishBundle(track, pkg string, bundle models.DownloadBundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bundles[track] == nil {
		f.bundles[track] = make(map[string]models.DownloadBundle)
	}
	f.bundles[track][pkg] = bundle
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) authCount(track string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authCalls[track]
}

func (f *fakeBackend) detailsCount(track string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailsCalls[track]
}

func (f *fakeBackend) Send(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	if req.Endpoint == upstream.EndpointAuth {
		return f.auth(ctx, req)
	}

	f.mu.Lock()
	track, known := f.tokens[req.Token]
	if !known || f.revoked[req.Token] || f.rejectAll[track] {
		f.rejections++
		f.mu.Unlock()
		return upstream.Response{}, fmt.Errorf("%w: token %q", upstream.ErrUnauthorized, req.Token)
	}
	blocked := f.block[track]
	failure := f.failWith[track]
	pkg := req.Params.Get("doc")
	var body []byte
	switch req.Endpoint {
	case upstream.EndpointDetails:
		f.detailsCalls[track]++
		if doc, ok := f.details[track][pkg]; ok {
			body = upstream.EncodeDetailsResponse(doc)
		} else {
			body = upstream.EncodeNotFound("Item not found.")
		}
	case upstream.EndpointDelivery:
		f.deliveries = append(f.deliveries, req)
		vc, _ := strconv.Atoi(req.Params.Get("vc"))
		if bundle, ok := f.bundles[track][pkg]; ok && int(bundle.VersionCode) == vc {
			body = upstream.EncodeDeliveryResponse(bundle)
		} else {
			body = upstream.EncodeDeliveryStatus(2)
		}
	}
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return upstream.Response{}, ctx.Err()
	}
	if failure != nil {
		return upstream.Response{}, failure
	}
	return upstream.Response{StatusCode: 200, Body: body}, nil
}

func (f *fakeBackend) auth(ctx context.Context, req upstream.Request) (upstream.Response, error) {
	if f.authDelay > 0 {
		select {
		case <-time.After(f.authDelay):
		case <-ctx.Done():
			return upstream.Response{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	track := req.Params.Get("track")
	f.authCalls[track]++
	if f.authReject[track] {
		return upstream.Response{StatusCode: 200, Body: []byte("Error=BadAuthentication\n")}, nil
	}
	token := fmt.Sprintf("tok-%s-%d", track, f.authCalls[track])
	f.tokens[token] = track
	return upstream.Response{StatusCode: 200, Body: upstream.EncodeAuthResponse(token, f.now().Add(time.Hour))}, nil
}

func testCredentials() Credentials {
	return Credentials{Email: "user@example.test", AASToken: "aas_et/secret", AndroidID: "3a1f6b2c9d8e7f60"}
}

func newTestRegistry(backend *fakeBackend, opts ...Option) *Registry {
	base := []Option{WithLogger(logging.Discard()), WithMetrics(metrics.New()), WithCallTimeout(time.Second)}
	return NewRegistry(testCredentials(), backend, append(base, opts...)...)
}

// mapCache is a DetailsCache backed by a map.
type mapCache struct {
	mu   sync.Mutex
	docs map[string]models.DetailsDocument
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{docs: make(map[string]models.DetailsDocument)}
}

func (c *mapCache) Get(_ context.Context, ch channel.Channel, pkg string) (models.DetailsDocument, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[ch.String()+"/"+pkg]
	return doc, ok, nil
}

func (c *mapCache) Set(_ context.Context, ch channel.Channel, pkg string, doc models.DetailsDocument) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[ch.String()+"/"+pkg] = doc
	c.sets++
	return nil
}
