package api

import (
	"context"
	"fmt"
	"io"
	"mime"
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

const apkContentType = "application/vnd.android.package-archive"

// DownloadInfo is the payload of the download endpoint.
type DownloadInfo struct {
	SuggestedFilename string                  `json:"suggested_filename"`
	AppName           *string                 `json:"app_name"`
	VersionString     *string                 `json:"version_string"`
	VersionCode       *int32                  `json:"version_code"`
	Channel           string                  `json:"channel"`
	MainAPKURL        *string                 `json:"main_apk_url"`
	Splits            []models.SplitFile      `json:"splits"`
	AdditionalFiles   []models.AdditionalFile `json:"additional_files"`
}

// DownloadInfo resolves the download bundle on exactly the requested channel.
func (h *Handler) DownloadInfo(w http.ResponseWriter, r *http.Request) {
	ctx, download, ok := h.resolveDownload(w, r)
	if !ok {
		return
	}
	info := h.buildDownloadInfo(download)
	h.recordDownload(ctx, download, info, storage.SourceDownload)
	writeData(w, http.StatusOK, info)
}

// APK streams the main package from the backend with a descriptive filename.
func (h *Handler) APK(w http.ResponseWriter, r *http.Request) {
	ctx, download, ok := h.resolveDownload(w, r)
	if !ok {
		return
	}
	if !download.Bundle.HasMainAPK() {
		writeFailure(w, http.StatusNotFound, "No download URL available")
		return
	}
	info := h.buildDownloadInfo(download)
	logger := h.logger(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *download.Bundle.MainAPKURL, nil)
	if err != nil {
		writeFailure(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch APK: %v", err))
		return
	}
	client := h.Downloads
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("apk fetch failed", "error", err)
		writeFailure(w, http.StatusBadGateway, "Failed to fetch APK")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logger.Warn("apk fetch rejected", "status", resp.StatusCode)
		writeFailure(w, http.StatusBadGateway, fmt.Sprintf("Failed to fetch APK: HTTP %d", resp.StatusCode))
		return
	}
	h.recordDownload(ctx, download, info, storage.SourceAPK)

	header := w.Header()
	header.Set("Content-Type", apkContentType)
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": info.SuggestedFilename}))
	header.Set("Cache-Control", "no-cache")
	if length := resp.Header.Get("Content-Length"); length != "" {
		header.Set("Content-Length", length)
	}
	w.WriteHeader(http.StatusOK)
	if n, err := io.Copy(w, resp.Body); err != nil {
		logger.Warn("apk stream interrupted", "bytes", n, "error", err)
	}
}

// resolveDownload parses the channel and optional version code and runs the
// download query, writing the failure response itself when ok is false.
func (h *Handler) resolveDownload(w http.ResponseWriter, r *http.Request) (context.Context, catalog.ChannelDownload, bool) {
	ctx, packageName := h.packageContext(r)
	params := httprouter.ParamsFromContext(ctx)
	ch, err := channel.Parse(params.ByName("channel"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return ctx, catalog.ChannelDownload{}, false
	}
	versionCode, err := parseVersionCode(params.ByName("version_code"))
	if err != nil {
		writeFailure(w, http.StatusBadRequest, err.Error())
		return ctx, catalog.ChannelDownload{}, false
	}
	download, found, err := h.Engine.DownloadQuery(ctx, packageName, ch, versionCode)
	if err != nil {
		h.fail(ctx, w, err)
		return ctx, catalog.ChannelDownload{}, false
	}
	if !found {
		writeFailure(w, http.StatusNotFound, notFoundMessage(packageName))
		return ctx, catalog.ChannelDownload{}, false
	}
	return ctx, download, true
}

// parseVersionCode accepts an empty segment (latest) or a positive integer.
func parseVersionCode(raw string) (int32, error) {
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid version code %q: expected a positive integer", raw)
	}
	return int32(value), nil
}

func (h *Handler) buildDownloadInfo(download catalog.ChannelDownload) DownloadInfo {
	return NewDownloadInfo(h.BrandName, download)
}

// NewDownloadInfo describes a resolved download. An empty brand falls back to
// the default brand name.
func NewDownloadInfo(brand string, download catalog.ChannelDownload) DownloadInfo {
	brand = strings.TrimSpace(brand)
	if brand == "" {
		brand = DefaultBrandName
	}
	info := DownloadInfo{
		Channel:         download.Channel.String(),
		MainAPKURL:      download.Bundle.MainAPKURL,
		Splits:          download.Bundle.Splits,
		AdditionalFiles: download.Bundle.AdditionalFiles,
	}
	appName, hasName := download.Details.AppName()
	if hasName {
		info.AppName = &appName
	}
	versionString, hasVersion := download.Details.VersionString()
	if hasVersion {
		cleaned := models.StripSuffix(versionString)
		info.VersionString = &cleaned
	}
	if vc := download.Bundle.VersionCode; vc > 0 {
		info.VersionCode = &vc
	} else if vc, ok := download.Details.VersionCode(); ok {
		info.VersionCode = &vc
	}
	info.SuggestedFilename = SuggestedFilename(brand, appName, download.Channel.DisplayName(), versionString)
	if info.Splits == nil {
		info.Splits = []models.SplitFile{}
	}
	if info.AdditionalFiles == nil {
		info.AdditionalFiles = []models.AdditionalFile{}
	}
	return info
}

// recordDownload appends the download to the history log. Failures are
// logged and never fail the request.
func (h *Handler) recordDownload(ctx context.Context, download catalog.ChannelDownload, info DownloadInfo, source string) {
	if h.History == nil {
		return
	}
	packageName, _ := logging.PackageNameFromContext(ctx)
	event := storage.DownloadEvent{
		PackageName: packageName,
		Channel:     download.Channel,
		VersionCode: download.Bundle.VersionCode,
		Source:      source,
	}
	if info.VersionString != nil {
		event.VersionString = *info.VersionString
	}
	if info.AppName != nil {
		event.AppName = *info.AppName
	}
	if id, ok := logging.RequestIDFromContext(ctx); ok {
		event.RequestID = id
	}
	if _, err := h.History.Record(ctx, event); err != nil {
		h.logger(ctx).Warn("failed to record download", "error", err)
	}
}
