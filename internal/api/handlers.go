package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"

	"sniff/internal/catalog"
	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/observability/logging"
	"sniff/internal/storage"
)

// DefaultBrandName prefixes suggested filenames when no brand is configured.
const DefaultBrandName = "Sniff"

// Pinger is implemented by dependencies that report their own health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Engine      *catalog.Engine
	History     storage.HistoryStore
	Cache       Pinger
	RateLimiter Pinger
	BrandName   string
	// HomeURL is where GET / redirects. The root returns 404 when empty.
	HomeURL string
	// Downloads fetches APK bytes for the pass-through endpoint.
	Downloads *http.Client
	Logger    *slog.Logger
}

func NewHandler(engine *catalog.Engine, history storage.HistoryStore) *Handler {
	if history == nil {
		history = storage.NewMemoryHistory(0)
	}
	return &Handler{
		Engine:    engine,
		History:   history,
		BrandName: DefaultBrandName,
		Downloads: &http.Client{},
		Logger:    logging.WithComponent(slog.Default(), "api"),
	}
}

// Routes registers every API endpoint on a new router.
func (h *Handler) Routes() *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/", h.Home)
	router.HandlerFunc(http.MethodGet, "/healthz", h.Health)
	router.HandlerFunc(http.MethodGet, "/v1/details/:package_name", h.DetailsMulti)
	router.HandlerFunc(http.MethodGet, "/v1/details/:package_name/:channel", h.DetailsSingle)
	router.HandlerFunc(http.MethodGet, "/v1/download/:package_name/:channel", h.DownloadInfo)
	router.HandlerFunc(http.MethodGet, "/v1/download/:package_name/:channel/:version_code", h.DownloadInfo)
	router.HandlerFunc(http.MethodGet, "/v1/apk/:package_name/:channel", h.APK)
	router.HandlerFunc(http.MethodGet, "/v1/apk/:package_name/:channel/:version_code", h.APK)
	router.HandlerFunc(http.MethodGet, "/v1/history/:package_name", h.RecentDownloads)
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, fmt.Sprintf("no route for %s", r.URL.Path))
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})
	return router
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.HomeURL) == "" {
		writeFailure(w, http.StatusNotFound, "not found")
		return
	}
	http.Redirect(w, r, h.HomeURL, http.StatusFound)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}

// DetailsMulti returns the package's details on every channel that has it.
func (h *Handler) DetailsMulti(w http.ResponseWriter, r *http.Request) {
	ctx, packageName := h.packageContext(r)
	docs, err := h.Engine.MultiChannelQuery(ctx, packageName)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	if len(docs) == 0 {
		writeFailure(w, http.StatusNotFound, notFoundMessage(packageName))
		return
	}
	data := make(map[string]models.DetailsDocument, len(docs))
	available := make([]string, 0, len(docs))
	for _, ch := range channel.All() {
		if doc, ok := docs[ch]; ok {
			data[ch.String()] = doc
			available = append(available, ch.String())
		}
	}
	w.Header().Set("X-Available-Channels", strings.Join(available, ","))
	writeData(w, http.StatusOK, data)
}

// DetailsSingle returns the details from the requested channel, falling back
// to the other channels in priority order.
func (h *Handler) DetailsSingle(w http.ResponseWriter, r *http.Request) {
	ctx, packageName := h.packageContext(r)
	ch, err := channel.Parse(httprouter.ParamsFromContext(ctx).ByName("channel"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return
	}
	result, found, err := h.Engine.FallbackQuery(ctx, packageName, ch)
	if err != nil {
		h.fail(ctx, w, err)
		return
	}
	if !found {
		writeFailure(w, http.StatusNotFound, notFoundMessage(packageName))
		return
	}
	w.Header().Set("X-Resolved-Channel", result.Channel.String())
	writeData(w, http.StatusOK, result.Details)
}

// RecentDownloads lists the package's most recent downloads, newest first.
func (h *Handler) RecentDownloads(w http.ResponseWriter, r *http.Request) {
	ctx, packageName := h.packageContext(r)
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeFailure(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	events, err := h.History.Recent(ctx, packageName, limit)
	if err != nil {
		h.logger(ctx).Error("history lookup failed", "error", err)
		writeFailure(w, http.StatusInternalServerError, "download history unavailable")
		return
	}
	if events == nil {
		events = []storage.DownloadEvent{}
	}
	writeData(w, http.StatusOK, events)
}

// packageContext annotates the request context with the package name path
// parameter so every log line of the request carries it.
func (h *Handler) packageContext(r *http.Request) (context.Context, string) {
	packageName := httprouter.ParamsFromContext(r.Context()).ByName("package_name")
	return logging.ContextWithPackageName(r.Context(), packageName), packageName
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = logging.WithComponent(slog.Default(), "api")
	}
	return logging.WithContext(ctx, base)
}

// fail writes the response for a resolution error.
func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger(ctx).Warn("resolution failed", "status", status, "error", err)
	}
	writeFailure(w, status, err.Error())
}

func statusForError(err error) int {
	var invalid *channel.InvalidChannelError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.Is(err, catalog.ErrNoVersionAvailable):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, catalog.ErrAuthenticationFailed),
		errors.Is(err, catalog.ErrTransport),
		errors.Is(err, catalog.ErrMalformedResponse),
		errors.Is(err, catalog.ErrAllChannelsFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func notFoundMessage(packageName string) string {
	return fmt.Sprintf("App '%s' not found", packageName)
}
