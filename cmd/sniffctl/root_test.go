package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"sniff/internal/api"
	"sniff/internal/channel"
	"sniff/internal/models"
	"sniff/internal/testsupport/playstub"
)

const testCredentials = `{"email":"user@example.test","aas_token":"aas_et/secret","android_id":"3a1f6b2c9d8e7f60"}`

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) *playstub.Store {
	t.Helper()
	store := playstub.Start(playstub.Options{AASToken: "aas_et/secret"})
	t.Cleanup(store.Close)
	return store
}

func document(title, version string, versionCode int32) models.DetailsDocument {
	return models.DetailsDocument{Item: &models.Item{
		Title: ptr(title),
		Details: &models.DocumentDetails{AppDetails: &models.AppDetails{
			VersionCode:   ptr(versionCode),
			VersionString: ptr(version),
		}},
	}}
}

func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(func(key string) string { return env[key] })
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestChannelsCommand(t *testing.T) {
	out, err := execute(t, nil, "channels")
	if err != nil {
		t.Fatalf("channels: %v", err)
	}
	var got []channelInfo
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []channelInfo{
		{Name: "stable", DisplayName: "Stable", Priority: 0},
		{Name: "beta", DisplayName: "Beta", Priority: 1},
		{Name: "alpha", DisplayName: "Alpha", Priority: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("channels mismatch (-want +got):\n%s", diff)
	}
}

func TestDetailsCommandAllChannels(t *testing.T) {
	store := newTestStore(t)
	store.Publish(channel.Stable, "com.example.app", document("Example", "1.0", 10))
	store.Publish(channel.Alpha, "com.example.app", document("Example", "1.1", 11))

	out, err := execute(t, nil, "details", "com.example.app", "--credentials", testCredentials, "--upstream-url", store.BaseURL())
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	var got map[string]models.DetailsDocument
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected stable and alpha, got %v", got)
	}
	if vc, _ := got["alpha"].VersionCode(); vc != 11 {
		t.Fatalf("unexpected alpha version %d", vc)
	}
}

func TestDetailsCommandFallback(t *testing.T) {
	store := newTestStore(t)
	store.Publish(channel.Beta, "com.example.app", document("Example", "2.0", 20))
	env := map[string]string{"SNIFF_CREDENTIALS": testCredentials, "SNIFF_UPSTREAM_URL": store.BaseURL()}

	out, err := execute(t, env, "details", "com.example.app", "--channel", "STABLE")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	var got resolvedDetails
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Channel != "beta" {
		t.Fatalf("expected fallback to beta, got %q", got.Channel)
	}

	if _, err := execute(t, env, "details", "com.missing", "-c", "alpha"); err == nil || err.Error() != "App 'com.missing' not found" {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDetailsCommandRejectsInvalidInput(t *testing.T) {
	tests := [][]string{
		{"details"},
		{"details", "com.example.app", "--channel", "nightly", "--credentials", testCredentials},
		{"details", "com.example.app", "--channel", "beta", "--all", "--credentials", testCredentials},
		{"details", "com.example.app"},
	}
	for _, args := range tests {
		if _, err := execute(t, nil, args...); err == nil {
			t.Fatalf("expected %v to fail", args)
		}
	}
}

func TestDownloadCommand(t *testing.T) {
	store := newTestStore(t)
	store.Publish(channel.Beta, "com.example.app", document("Example - Chat", "3.1 - Beta", 31))
	store.PublishBundle(channel.Beta, "com.example.app", models.DownloadBundle{
		VersionCode: 31,
		MainAPKURL:  ptr("https://dl.example.test/31.apk"),
	})
	env := map[string]string{"SNIFF_CREDENTIALS": testCredentials, "BRAND_NAME": "Acme"}

	out, err := execute(t, env, "download", "com.example.app", "--channel", "beta", "--version-code", "31", "--upstream-url", store.BaseURL())
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	var got api.DownloadInfo
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SuggestedFilename != "Acme_Example_Beta_3.1.apk" {
		t.Fatalf("unexpected filename %q", got.SuggestedFilename)
	}
	if got.MainAPKURL == nil || *got.MainAPKURL != "https://dl.example.test/31.apk" {
		t.Fatalf("unexpected main url %v", got.MainAPKURL)
	}

	_, err = execute(t, env, "download", "com.example.app", "--channel", "stable", "--upstream-url", store.BaseURL())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("download must not fall back, got %v", err)
	}
}

func TestDownloadCommandRequiresChannel(t *testing.T) {
	if _, err := execute(t, nil, "download", "com.example.app", "--credentials", testCredentials); err == nil {
		t.Fatal("expected missing --channel to fail")
	}
	if _, err := execute(t, nil, "download", "com.example.app", "-c", "beta", "--version-code", "-4", "--credentials", testCredentials); err == nil {
		t.Fatal("expected negative version code to fail")
	}
}
