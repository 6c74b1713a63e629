package models

import "strings"

// DetailsDocument is one application's metadata as published under a single
// channel. Upstream may omit any field, so every field is optional and the
// zero value is a valid (empty) document.
type DetailsDocument struct {
	Item          *Item   `json:"item"`
	FooterHTML    *string `json:"footer_html"`
	EnableReviews *bool   `json:"enable_reviews"`
}

// Item is the catalog entry for the application.
type Item struct {
	ID                          *string          `json:"id"`
	SubID                       *string          `json:"sub_id"`
	Type                        *int32           `json:"type"`
	CategoryID                  *int32           `json:"category_id"`
	Title                       *string          `json:"title"`
	Creator                     *string          `json:"creator"`
	DescriptionHTML             *string          `json:"description_html"`
	PromotionalDescription      *string          `json:"promotional_description"`
	Mature                      *bool            `json:"mature"`
	AvailableForPreregistration *bool            `json:"available_for_preregistration"`
	ForceShareability           *bool            `json:"force_shareability"`
	Offer                       []Offer          `json:"offer"`
	Details                     *DocumentDetails `json:"details"`
	AppInfo                     *AppInfo         `json:"app_info"`
}

// DocumentDetails wraps the type-specific details block.
type DocumentDetails struct {
	AppDetails *AppDetails `json:"app_details"`
}

// AppDetails carries developer and release information.
type AppDetails struct {
	DeveloperName     *string `json:"developer_name"`
	VersionCode       *int32  `json:"version_code"`
	VersionString     *string `json:"version_string"`
	InfoDownloadSize  *int64  `json:"info_download_size"`
	DeveloperEmail    *string `json:"developer_email"`
	DeveloperWebsite  *string `json:"developer_website"`
	InfoDownload      *string `json:"info_download"`
	PackageName       *string `json:"package_name"`
	RecentChangesHTML *string `json:"recent_changes_html"`
	InfoUpdatedOn     *string `json:"info_updated_on"`
	TargetSDKVersion  *int32  `json:"target_sdk_version"`
}

// Offer describes one monetization offer. Micros is the price in millionths
// of the currency unit.
type Offer struct {
	Micros               *int64  `json:"micros"`
	CurrencyCode         *string `json:"currency_code"`
	FormattedAmount      *string `json:"formatted_amount"`
	CheckoutFlowRequired *bool   `json:"checkout_flow_required"`
	OfferType            *int32  `json:"offer_type"`
}

// AppInfo is the "about this app" section tree.
type AppInfo struct {
	Section []AppInfoSection `json:"section"`
}

type AppInfoSection struct {
	Label     *string           `json:"label"`
	Container *AppInfoContainer `json:"container"`
}

type AppInfoContainer struct {
	Description *string `json:"description"`
}

// AppDetails returns the nested app details block, or nil when any level of
// the path is missing.
func (d DetailsDocument) AppDetails() *AppDetails {
	if d.Item == nil || d.Item.Details == nil {
		return nil
	}
	return d.Item.Details.AppDetails
}

// VersionCode returns the published version code when present.
func (d DetailsDocument) VersionCode() (int32, bool) {
	app := d.AppDetails()
	if app == nil || app.VersionCode == nil {
		return 0, false
	}
	return *app.VersionCode, true
}

// VersionString returns the published version string when present.
func (d DetailsDocument) VersionString() (string, bool) {
	app := d.AppDetails()
	if app == nil || app.VersionString == nil {
		return "", false
	}
	return *app.VersionString, true
}

// Title returns the item title when present.
func (d DetailsDocument) Title() (string, bool) {
	if d.Item == nil || d.Item.Title == nil {
		return "", false
	}
	return *d.Item.Title, true
}

// AppName returns the title with any " - tagline" suffix removed.
func (d DetailsDocument) AppName() (string, bool) {
	title, ok := d.Title()
	if !ok {
		return "", false
	}
	return StripSuffix(title), true
}

// StripSuffix drops everything from the first " - " separator, which upstream
// uses for taglines in titles and channel labels in version strings.
func StripSuffix(value string) string {
	head, _, _ := strings.Cut(value, " - ")
	return strings.TrimSpace(head)
}
