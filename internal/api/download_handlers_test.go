package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/storage"
)

func publishRelease(env *testEnv, mainURL *string) models.DownloadBundle {
	env.store.Publish(channel.Stable, testPackage, appDocument("Example - Chat with friends", "1.2.3 - Stable", ptr(int32(42))))
	bundle := models.DownloadBundle{
		VersionCode: 42,
		MainAPKURL:  mainURL,
		Splits:      []models.SplitFile{{Name: "config.arm64_v8a", DownloadURL: "https://dl.example.test/arm64.apk"}},
	}
	env.store.PublishBundle(channel.Stable, testPackage, bundle)
	return bundle
}

func TestDownloadInfo(t *testing.T) {
	env := newTestEnv(t)
	bundle := publishRelease(env, ptr("https://dl.example.test/42.apk"))

	for _, path := range []string{"/v1/download/" + testPackage + "/stable", "/v1/download/" + testPackage + "/stable/42"} {
		rec := env.get(path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body.String())
		}
		var info DownloadInfo
		if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &info); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := DownloadInfo{
			SuggestedFilename: "Sniff_Example_Stable_1.2.3.apk",
			AppName:           ptr("Example"),
			VersionString:     ptr("1.2.3"),
			VersionCode:       ptr(int32(42)),
			Channel:           "stable",
			MainAPKURL:        bundle.MainAPKURL,
			Splits:            bundle.Splits,
			AdditionalFiles:   []models.AdditionalFile{},
		}
		if diff := cmp.Diff(want, info); diff != "" {
			t.Fatalf("%s: download info mismatch (-want +got):\n%s", path, diff)
		}
	}

	events, err := env.history.Recent(context.Background(), testPackage, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 || events[0].Source != storage.SourceDownload || events[0].VersionCode != 42 {
		t.Fatalf("expected two recorded downloads, got %+v", events)
	}
	if events[0].Channel != channel.Stable || events[0].AppName != "Example" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestDownloadInfoEmptyListsAreNotNull(t *testing.T) {
	env := newTestEnv(t)
	env.store.Publish(channel.Beta, testPackage, appDocument("Example", "3.0", ptr(int32(30))))
	env.store.PublishBundle(channel.Beta, testPackage, models.DownloadBundle{VersionCode: 30})

	rec := env.get("/v1/download/" + testPackage + "/beta")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	for _, fragment := range []string{`"splits":[]`, `"additional_files":[]`, `"main_apk_url":null`} {
		if !strings.Contains(body, fragment) {
			t.Fatalf("expected %s in %s", fragment, body)
		}
	}
}

func TestDownloadInfoInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, ptr("https://dl.example.test/42.apk"))

	for _, vc := range []string{"abc", "0", "-1", "99999999999"} {
		expectFailure(t, env.get("/v1/download/"+testPackage+"/stable/"+vc), http.StatusBadRequest, "invalid version code")
	}
	expectFailure(t, env.get("/v1/download/"+testPackage+"/canary"), http.StatusBadRequest, `"canary"`)
}

func TestDownloadInfoChannelIsolation(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, ptr("https://dl.example.test/42.apk"))

	expectFailure(t, env.get("/v1/download/"+testPackage+"/beta"), http.StatusNotFound, "App 'com.example.app' not found")
	if got := env.store.Count("details", channel.Stable); got != 0 {
		t.Fatalf("download must not consult stable, got %d calls", got)
	}
}

func TestDownloadInfoUnknownVersion(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, ptr("https://dl.example.test/42.apk"))
	expectFailure(t, env.get("/v1/download/"+testPackage+"/stable/41"), http.StatusNotFound, "not found")
}

func TestDownloadInfoWithoutVersion(t *testing.T) {
	env := newTestEnv(t)
	env.store.Publish(channel.Alpha, testPackage, appDocument("Example", "", nil))
	expectFailure(t, env.get("/v1/download/"+testPackage+"/alpha"), http.StatusNotFound, "no version code available")
}

func TestAPKStreamsPackage(t *testing.T) {
	env := newTestEnv(t)
	content := []byte("PK\x03\x04 fake apk payload")
	publishRelease(env, ptr(env.store.ServeFile("example-42.apk", content)))

	rec := env.get("/v1/apk/" + testPackage + "/stable")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != string(content) {
		t.Fatalf("unexpected body %q", got)
	}
	headers := map[string]string{
		"Content-Type":        apkContentType,
		"Content-Disposition": "attachment; filename=Sniff_Example_Stable_1.2.3.apk",
		"Cache-Control":       "no-cache",
		"Content-Length":      strconv.Itoa(len(content)),
	}
	for key, want := range headers {
		if got := rec.Header().Get(key); got != want {
			t.Fatalf("%s: expected %q, got %q", key, want, got)
		}
	}

	events, err := env.history.Recent(context.Background(), testPackage, 1)
	if err != nil || len(events) != 1 || events[0].Source != storage.SourceAPK {
		t.Fatalf("expected apk download recorded, got %+v (%v)", events, err)
	}
}

func TestAPKWithoutMainURL(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, nil)
	expectFailure(t, env.get("/v1/apk/"+testPackage+"/stable"), http.StatusNotFound, "No download URL available")
}

func TestAPKUpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, ptr(env.store.BaseURL()+"/files/missing.apk"))

	expectFailure(t, env.get("/v1/apk/"+testPackage+"/stable"), http.StatusBadGateway, "Failed to fetch APK: HTTP 404")
	events, err := env.history.Recent(context.Background(), testPackage, 0)
	if err != nil || len(events) != 0 {
		t.Fatalf("failed fetch must not be recorded, got %+v (%v)", events, err)
	}
}

func TestRecentDownloads(t *testing.T) {
	env := newTestEnv(t)
	publishRelease(env, ptr("https://dl.example.test/42.apk"))
	for i := 0; i < 3; i++ {
		if rec := env.get("/v1/download/" + testPackage + "/stable"); rec.Code != http.StatusOK {
			t.Fatalf("download %d: %d", i, rec.Code)
		}
	}

	rec := env.get("/v1/history/" + testPackage + "?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var events []storage.DownloadEvent
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit to apply, got %d events", len(events))
	}

	empty := env.get("/v1/history/com.unknown")
	if !strings.Contains(empty.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty list, got %s", empty.Body.String())
	}
	for _, limit := range []string{"0", "-3", "many"} {
		expectFailure(t, env.get("/v1/history/"+testPackage+"?limit="+limit), http.StatusBadRequest, "invalid limit")
	}
}
