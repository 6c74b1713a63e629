package config

import (
	"fmt"
	"os"
	"strings"

	"sniff/internal/catalog"
)

// LoadInput describes how to resolve the credential from flag values and
// environment variables.
type LoadInput struct {
	// Source is the flag-provided credential document (inline or path).
	Source    string
	Email     string
	AASToken  string
	AndroidID string
	Locale    string
	// LookupEnv overrides environment lookup for testing.
	LookupEnv func(string) string
}

// LoadFromFlagsAndEnv resolves the deployment credential. Flags win over
// SNIFF_* environment variables, which win over the credential document.
func LoadFromFlagsAndEnv(input LoadInput) (catalog.Credentials, error) {
	lookupEnv := input.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.Getenv
	}
	env := func(key string) string { return strings.TrimSpace(lookupEnv(key)) }

	file, err := LoadCredentials(firstNonEmpty(input.Source, env("SNIFF_CREDENTIALS")))
	if err != nil {
		return catalog.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	file.Email = firstNonEmpty(input.Email, env("SNIFF_EMAIL"), file.Email)
	file.AASToken = firstNonEmpty(input.AASToken, env("SNIFF_AAS_TOKEN"), file.AASToken)
	file.AndroidID = firstNonEmpty(input.AndroidID, env("SNIFF_ANDROID_ID"), file.AndroidID)
	file.Locale = firstNonEmpty(input.Locale, env("SNIFF_LOCALE"), file.Locale)
	file.Country = firstNonEmpty(strings.ToLower(env("SNIFF_COUNTRY")), file.Country)
	file.Device.UserAgent = firstNonEmpty(env("SNIFF_DEVICE_USER_AGENT"), file.Device.UserAgent)

	creds, err := file.Credentials()
	if err != nil {
		return catalog.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	if err := creds.Validate(); err != nil {
		return catalog.Credentials{}, err
	}
	return creds, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
