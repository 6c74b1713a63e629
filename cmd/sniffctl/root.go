package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sniff/internal/api"
	"sniff/internal/catalog"
	"sniff/internal/config"
	"sniff/internal/observability/logging"
	"sniff/internal/observability/metrics"
	"sniff/internal/upstream"
)

const (
	flagCredentials = "credentials"
	flagEmail       = "email"
	flagAASToken    = "aas-token"
	flagAndroidID   = "android-id"
	flagLocale      = "locale"
	flagUpstreamURL = "upstream-url"
	flagTimeout     = "timeout"
	flagLogLevel    = "log-level"
	flagBrandName   = "brand-name"
)

// rootOptions holds the persistent flags shared by every lookup command.
type rootOptions struct {
	lookupEnv   func(string) string
	credentials string
	email       string
	aasToken    string
	androidID   string
	locale      string
	upstreamURL string
	timeout     time.Duration
	logLevel    string
	brandName   string
}

func newRootCommand(lookupEnv func(string) string) *cobra.Command {
	opts := &rootOptions{lookupEnv: lookupEnv}
	cmd := &cobra.Command{
		Use:           "sniffctl",
		Short:         "Query store catalog details and downloads across release channels",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.credentials, flagCredentials, "", "credential document: inline JSON/YAML or a file path (env SNIFF_CREDENTIALS)")
	flags.StringVar(&opts.email, flagEmail, "", "account email (env SNIFF_EMAIL)")
	flags.StringVar(&opts.aasToken, flagAASToken, "", "account AAS token (env SNIFF_AAS_TOKEN)")
	flags.StringVar(&opts.androidID, flagAndroidID, "", "device android id (env SNIFF_ANDROID_ID)")
	flags.StringVar(&opts.locale, flagLocale, "", "BCP 47 locale sent upstream (env SNIFF_LOCALE)")
	flags.StringVar(&opts.upstreamURL, flagUpstreamURL, "", "store backend base URL (env SNIFF_UPSTREAM_URL)")
	flags.DurationVar(&opts.timeout, flagTimeout, 15*time.Second, "timeout for each upstream call")
	flags.StringVar(&opts.logLevel, flagLogLevel, "error", "log level written to stderr")
	flags.StringVar(&opts.brandName, flagBrandName, "", "brand prefix for suggested filenames (env SNIFF_BRAND_NAME)")

	cmd.AddCommand(
		newDetailsCommand(opts),
		newDownloadCommand(opts),
		newChannelsCommand(),
	)
	return cmd
}

func (o *rootOptions) env(key string) string {
	if o.lookupEnv == nil {
		return ""
	}
	return strings.TrimSpace(o.lookupEnv(key))
}

func (o *rootOptions) brand() string {
	for _, candidate := range []string{o.brandName, o.env("SNIFF_BRAND_NAME"), o.env("BRAND_NAME")} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return api.DefaultBrandName
}

// engine builds a catalog engine from the persistent flags and environment.
func (o *rootOptions) engine(stderr io.Writer) (*catalog.Engine, error) {
	creds, err := config.LoadFromFlagsAndEnv(config.LoadInput{
		Source:    o.credentials,
		Email:     o.email,
		AASToken:  o.aasToken,
		AndroidID: o.androidID,
		Locale:    o.locale,
		LookupEnv: o.lookupEnv,
	})
	if err != nil {
		return nil, err
	}
	baseURL := o.upstreamURL
	if baseURL == "" {
		baseURL = o.env("SNIFF_UPSTREAM_URL")
	}
	logger := logging.New(logging.Config{Level: o.logLevel, Writer: stderr, Format: string(logging.FormatText)})
	transport := upstream.NewHTTPTransport(baseURL,
		upstream.WithUserAgent(creds.Device.UserAgent),
		upstream.WithClientID(creds.Device.ClientID),
		upstream.WithLocale(creds.Locale),
	)
	registry := catalog.NewRegistry(creds, transport,
		catalog.WithCallTimeout(o.timeout),
		catalog.WithLogger(logging.WithComponent(logger, "sniffctl")),
		catalog.WithMetrics(metrics.New()),
	)
	return catalog.NewEngine(registry), nil
}

func printJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func notFound(packageName string) error {
	return fmt.Errorf("App '%s' not found", packageName)
}

func errInvalidVersionCode(versionCode int32) error {
	return fmt.Errorf("invalid version code %d: expected 0 for the latest or a positive integer", versionCode)
}
