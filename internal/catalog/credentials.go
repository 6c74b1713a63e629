package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/language"

	"sniff/internal/channel"
	"sniff/internal/upstream"
)

// DeviceProfile describes the device identity presented to the backend.
type DeviceProfile struct {
	UserAgent  string
	ClientID   string
	SDKVersion int
}

// Credentials is the deployment-wide base credential every channel session
// exchanges for its own bearer token.
type Credentials struct {
	Email     string
	AASToken  string
	AndroidID string
	Device    DeviceProfile
	Locale    language.Tag
	Country   string
	// ScopeDeviceIDs derives a distinct device id per channel instead of
	// presenting the base android id on every channel.
	ScopeDeviceIDs bool
}

// Validate reports whether the credential carries the fields the token
// exchange needs.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(c.AASToken) == "" {
		missing = append(missing, "aas_token")
	}
	if strings.TrimSpace(c.AndroidID) == "" {
		missing = append(missing, "android_id")
	}
	if len(missing) > 0 {
		return errors.New("credentials missing " + strings.Join(missing, ", "))
	}
	return nil
}

// ChannelDeviceID returns the device id presented for ch. With scoping
// enabled it is 16 hex characters derived from the base android id.
func (c Credentials) ChannelDeviceID(ch channel.Channel) string {
	if !c.ScopeDeviceIDs {
		return c.AndroidID
	}
	reader := hkdf.New(sha256.New, []byte(c.AndroidID), nil, []byte("sniff/device/"+ch.String()))
	buf := make([]byte, 8)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return c.AndroidID
	}
	return hex.EncodeToString(buf)
}

func (c Credentials) authParams(ch channel.Channel) upstream.AuthParams {
	params := upstream.AuthParams{
		Email:      c.Email,
		AASToken:   c.AASToken,
		AndroidID:  c.ChannelDeviceID(ch),
		Channel:    ch.String(),
		SDKVersion: c.Device.SDKVersion,
		Country:    c.Country,
	}
	if c.Locale != language.Und {
		params.Language = c.Locale.String()
	}
	return params
}
