// Package api hosts the HTTP handlers that front the catalog resolution
// engine.
//
// Handler owns no session state: it delegates every lookup to the
// catalog.Engine injected at construction time and records successful
// downloads through the storage.HistoryStore it is given. Responses use a
// single {success, data, error} envelope, except the APK pass-through which
// streams the package bytes.
//
// Handlers assume middleware from internal/server has already assigned a
// request id, applied rate limits and recorded metrics.
package api
