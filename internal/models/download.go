package models

// DownloadBundle is the set of signed URLs granted for one package, channel
// and version. Upstream ordering of splits and additional files is kept.
type DownloadBundle struct {
	VersionCode     int32            `json:"version_code"`
	MainAPKURL      *string          `json:"main_apk_url"`
	Splits          []SplitFile      `json:"splits"`
	AdditionalFiles []AdditionalFile `json:"additional_files"`
}

// SplitFile is one split APK (configuration or feature module).
type SplitFile struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
}

// AdditionalFile is an expansion file delivered next to the APK.
type AdditionalFile struct {
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
}

// HasMainAPK reports whether upstream granted a main package URL.
func (b DownloadBundle) HasMainAPK() bool {
	return b.MainAPKURL != nil && *b.MainAPKURL != ""
}
