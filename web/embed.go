package web

import _ "embed"

// openAPIDocument describes the HTTP API.
//
//go:embed openapi.json
var openAPIDocument []byte

// OpenAPI returns the bundled OpenAPI document.
func OpenAPI() []byte {
	return openAPIDocument
}
