// Package config resolves the deployment credential and device profile from
// flags, environment variables and JSON or YAML documents.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"sniff/internal/catalog"
)

// Default device identity presented when the document omits one.
const (
	DefaultUserAgent  = "Android-Finsky/41.2.29-23 [0] [PR] 639844241 (api=3,versionCode=84122900,sdk=30,device=sargo,hardware=sargo,product=sargo)"
	DefaultClientID   = "am-android-google"
	DefaultSDKVersion = 30
)

// CredentialFile is the on-disk shape of the credential document. JSON is
// accepted as a subset of YAML.
type CredentialFile struct {
	Email          string      `yaml:"email" json:"email"`
	AASToken       string      `yaml:"aas_token" json:"aas_token"`
	AndroidID      string      `yaml:"android_id" json:"android_id"`
	Locale         string      `yaml:"locale" json:"locale"`
	Country        string      `yaml:"country" json:"country"`
	ScopeDeviceIDs bool        `yaml:"scope_device_ids" json:"scope_device_ids"`
	Device         DeviceEntry `yaml:"device" json:"device"`
}

// DeviceEntry describes the device profile section.
type DeviceEntry struct {
	UserAgent  string `yaml:"user_agent" json:"user_agent"`
	ClientID   string `yaml:"client_id" json:"client_id"`
	SDKVersion int    `yaml:"sdk_version" json:"sdk_version"`
}

// ParseCredentials decodes a JSON or YAML credential document. Unknown keys
// are rejected so a misspelt field does not silently fall back to a default.
func ParseCredentials(data []byte) (CredentialFile, error) {
	var file CredentialFile
	if len(bytes.TrimSpace(data)) == 0 {
		return file, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return CredentialFile{}, fmt.Errorf("decode credentials: %w", err)
	}
	return file.sanitize(), nil
}

// LoadCredentials reads a credential document from an inline value or a
// file path. Values starting with "{" or spanning several lines are treated
// as inline documents.
func LoadCredentials(source string) (CredentialFile, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return CredentialFile{}, nil
	}
	if strings.HasPrefix(trimmed, "{") || strings.Contains(trimmed, "\n") {
		return ParseCredentials([]byte(trimmed))
	}
	content, err := os.ReadFile(filepath.Clean(trimmed))
	if err != nil {
		return CredentialFile{}, fmt.Errorf("read credentials file %s: %w", trimmed, err)
	}
	return ParseCredentials(content)
}

func (f CredentialFile) sanitize() CredentialFile {
	f.Email = strings.TrimSpace(f.Email)
	f.AASToken = strings.TrimSpace(f.AASToken)
	f.AndroidID = strings.TrimSpace(f.AndroidID)
	f.Locale = strings.TrimSpace(f.Locale)
	f.Country = strings.ToLower(strings.TrimSpace(f.Country))
	f.Device.UserAgent = strings.TrimSpace(f.Device.UserAgent)
	f.Device.ClientID = strings.TrimSpace(f.Device.ClientID)
	return f
}

// Credentials converts the document into catalog credentials, applying the
// default device profile and validating the locale.
func (f CredentialFile) Credentials() (catalog.Credentials, error) {
	creds := catalog.Credentials{
		Email:          f.Email,
		AASToken:       f.AASToken,
		AndroidID:      f.AndroidID,
		Country:        f.Country,
		ScopeDeviceIDs: f.ScopeDeviceIDs,
		Device: catalog.DeviceProfile{
			UserAgent:  f.Device.UserAgent,
			ClientID:   f.Device.ClientID,
			SDKVersion: f.Device.SDKVersion,
		},
	}
	if creds.Device.UserAgent == "" {
		creds.Device.UserAgent = DefaultUserAgent
	}
	if creds.Device.ClientID == "" {
		creds.Device.ClientID = DefaultClientID
	}
	if creds.Device.SDKVersion <= 0 {
		creds.Device.SDKVersion = DefaultSDKVersion
	}
	locale := language.AmericanEnglish
	if f.Locale != "" {
		tag, err := language.Parse(f.Locale)
		if err != nil {
			return catalog.Credentials{}, fmt.Errorf("invalid locale %q: %w", f.Locale, err)
		}
		locale = tag
	}
	creds.Locale = locale
	if creds.Country == "" {
		if region, conf := locale.Region(); conf != language.No {
			creds.Country = strings.ToLower(region.String())
		}
	}
	return creds, nil
}
