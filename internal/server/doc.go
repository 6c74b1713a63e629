// Package server exposes the catalog API over HTTP.
//
// Every request passes through the same chain: security headers, request ids,
// request logging, metrics and rate limiting, in that order, before reaching
// the API router.
package server
