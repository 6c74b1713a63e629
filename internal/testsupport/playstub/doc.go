// Package playstub hosts a deterministic fake of the store backend for
// integration tests. It speaks the same token exchange and protobuf catalog
// protocol as the real backend, keeps per-channel catalogs, serves APK bytes
// for pass-through tests and records every call it receives.
package playstub
