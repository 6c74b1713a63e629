package playstub

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/upstream"
)

// Options describes how the fake backend should behave.
type Options struct {
	// AASToken is the long-lived credential the exchange accepts. If empty,
	// any credential is accepted.
	AASToken string
	// TokenLifetime sets the expiry of issued tokens. Defaults to one hour.
	TokenLifetime time.Duration
}

// Operation represents a recorded backend interaction.
type Operation struct {
	Kind        string
	Channel     string
	Package     string
	VersionCode int32
	DeviceID    string
	Status      int
	Timestamp   time.Time
}

// Store hosts a single httptest.Server that serves the auth, catalog and
// file endpoints.
type Store struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	issued     int
	tokens     map[string]string
	details    map[string]map[string]models.DetailsDocument
	bundles    map[string]map[string]models.DownloadBundle
	files      map[string][]byte
	failures   map[string]int
}

// Start spins up a new backend stub using the provided options.
func Start(opts Options) *Store {
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = time.Hour
	}
	s := &Store{
		opts:     opts,
		tokens:   make(map[string]string),
		details:  make(map[string]map[string]models.DetailsDocument),
		bundles:  make(map[string]map[string]models.DownloadBundle),
		files:    make(map[string][]byte),
		failures: make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Store) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the backend root to configure the HTTP transport with.
func (s *Store) BaseURL() string {
	return s.server.URL
}

// Publish makes doc visible on ch.
func (s *Store) Publish(ch channel.Channel, packageName string, doc models.DetailsDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track := ch.String()
	if s.details[track] == nil {
		s.details[track] = make(map[string]models.DetailsDocument)
	}
	s.details[track][packageName] = doc
}

// PublishBundle grants bundle for packageName on ch at bundle.VersionCode.
func (s *Store) PublishBundle(ch channel.Channel, packageName string, bundle models.DownloadBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	track := ch.String()
	if s.bundles[track] == nil {
		s.bundles[track] = make(map[string]models.DownloadBundle)
	}
	s.bundles[track][packageName] = bundle
}

// ServeFile registers content under name and returns its download URL.
func (s *Store) ServeFile(name string, content []byte) string {
	s.mu.Lock()
	s.files[name] = append([]byte(nil), content...)
	s.mu.Unlock()
	return s.server.URL + "/files/" + name
}

// FailChannel makes every catalog call on ch return status. A zero status
// clears the failure.
func (s *Store) FailChannel(ch channel.Channel, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failures, ch.String())
		return
	}
	s.failures[ch.String()] = status
}

// RevokeTokens invalidates every token issued so far.
func (s *Store) RevokeTokens() {
	s.mu.Lock()
	s.tokens = make(map[string]string)
	s.mu.Unlock()
}

// Operations returns a copy of all recorded operations in the order they
// occurred.
func (s *Store) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// Count returns how many operations of kind were recorded for ch.
func (s *Store) Count(kind string, ch channel.Channel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.operations {
		if op.Kind == kind && op.Channel == ch.String() {
			n++
		}
	}
	return n
}

func (s *Store) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/auth":
		s.handleAuth(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/fdfe/details":
		s.handleDetails(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/fdfe/delivery":
		s.handleDelivery(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/"):
		s.handleFile(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (s *Store) handleAuth(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	track := r.PostForm.Get("track")
	op := Operation{Kind: "auth", Channel: track, DeviceID: r.PostForm.Get("androidId"), Status: http.StatusOK}
	if expected := strings.TrimSpace(s.opts.AASToken); expected != "" && r.PostForm.Get("Token") != expected {
		op.Status = http.StatusForbidden
		s.record(op)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Error=BadAuthentication\n"))
		return
	}

	s.mu.Lock()
	s.issued++
	token := fmt.Sprintf("stub-%s-%d", track, s.issued)
	s.tokens[token] = track
	s.mu.Unlock()
	s.record(op)

	_, _ = w.Write(upstream.EncodeAuthResponse(token, time.Now().Add(s.opts.TokenLifetime)))
}

// authorize resolves the bearer token to its track, writing the rejection
// when it is unknown or the track is failing.
func (s *Store) authorize(w http.ResponseWriter, r *http.Request, op *Operation) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	track, ok := s.tokens[token]
	failure := s.failures[track]
	s.mu.Unlock()
	op.Channel = track
	op.DeviceID = r.Header.Get("X-DFE-Device-Id")
	if !ok {
		op.Status = http.StatusUnauthorized
		s.record(*op)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if failure != 0 {
		op.Status = failure
		s.record(*op)
		http.Error(w, "backend unavailable", failure)
		return false
	}
	return true
}

func (s *Store) handleDetails(w http.ResponseWriter, r *http.Request) {
	op := Operation{Kind: "details", Package: r.URL.Query().Get("doc"), Status: http.StatusOK}
	if !s.authorize(w, r, &op) {
		return
	}
	s.mu.Lock()
	doc, ok := s.details[op.Channel][op.Package]
	s.mu.Unlock()
	s.record(op)

	w.Header().Set("Content-Type", "application/x-protobuf")
	if !ok {
		_, _ = w.Write(upstream.EncodeNotFound("Item not found."))
		return
	}
	_, _ = w.Write(upstream.EncodeDetailsResponse(doc))
}

func (s *Store) handleDelivery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	vc, _ := strconv.ParseInt(query.Get("vc"), 10, 32)
	op := Operation{Kind: "delivery", Package: query.Get("doc"), VersionCode: int32(vc), Status: http.StatusOK}
	if !s.authorize(w, r, &op) {
		return
	}
	s.mu.Lock()
	bundle, ok := s.bundles[op.Channel][op.Package]
	s.mu.Unlock()
	s.record(op)

	w.Header().Set("Content-Type", "application/x-protobuf")
	if !ok || bundle.VersionCode != op.VersionCode {
		_, _ = w.Write(upstream.EncodeDeliveryStatus(2))
		return
	}
	_, _ = w.Write(upstream.EncodeDeliveryResponse(bundle))
}

func (s *Store) handleFile(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/files/")
	s.mu.Lock()
	content, ok := s.files[name]
	s.mu.Unlock()
	op := Operation{Kind: "file", Package: name, Status: http.StatusOK}
	if !ok {
		op.Status = http.StatusNotFound
		s.record(op)
		http.Error(w, "no such file", http.StatusNotFound)
		return
	}
	s.record(op)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	_, _ = w.Write(content)
}

func (s *Store) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, op)
}
