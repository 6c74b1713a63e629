// Package models defines the catalog data exchanged between the upstream
// codec, the resolution engine and the HTTP layer: per-channel details
// documents and download bundles. Optional upstream fields are pointers so
// "absent" and "zero" stay distinguishable through to the JSON output.
package models
