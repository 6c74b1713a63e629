package metrics

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/details/com.example.app", nil))

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `sniff_http_requests_total{method="GET",path="/v1/details/:id",status="418"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, buf.String())
	}
}

func TestResponseRecorderCountsBytes(t *testing.T) {
	rr := NewResponseRecorder(httptest.NewRecorder())
	_, _ = rr.Write([]byte("hello "))
	_, _ = rr.ReadFrom(strings.NewReader("world"))
	if rr.BytesWritten() != 11 {
		t.Fatalf("expected 11 bytes, got %d", rr.BytesWritten())
	}
	if rr.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", rr.Status())
	}
	var _ io.ReaderFrom = rr
}

func TestSetDefaultRoutesHelpers(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	recorder := New()
	SetDefault(recorder)
	SetDefault(nil)
	ObserveRequest("POST", "/jobs/123", http.StatusCreated, 150*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	expected := `sniff_http_requests_total{method="POST",path="/jobs/:id",status="201"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected default recorder to include %q, got %q", expected, buf.String())
	}
}
