package server

import (
	"errors"
	"net/http"

	"sniff/internal/api"
)

// writeMiddlewareError normalises middleware error responses to the API envelope.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, errors.New(message))
}
