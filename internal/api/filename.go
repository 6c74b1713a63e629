package api

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"sniff/internal/models"
)

// SuggestedFilename builds "{brand}_{app}_{Channel}_{version}.apk". The
// version part is omitted when unknown and the app part falls back to "App".
func SuggestedFilename(brand, appName, channelDisplay, version string) string {
	app := sanitizeFilenamePart(appName)
	if app == "" {
		app = "App"
	}
	parts := []string{sanitizeFilenamePart(brand), app, sanitizeFilenamePart(channelDisplay)}
	if v := sanitizeFilenamePart(models.StripSuffix(version)); v != "" {
		parts = append(parts, v)
	}
	return strings.Join(parts, "_") + ".apk"
}

// sanitizeFilenamePart transliterates accented letters, replaces anything
// other than letters, digits, '.' and '-' with '_', collapses runs of '_'
// and trims them from both ends.
func sanitizeFilenamePart(value string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		stripped = value
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}
