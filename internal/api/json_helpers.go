package api

import (
	"encoding/json"
	"net/http"
)

// envelope is the response shape shared by every JSON endpoint.
type envelope struct {
	Success bool    `json:"success"`
	Data    any     `json:"data"`
	Error   *string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Error: &message})
}

// WriteError is an exported helper for returning enveloped API errors from
// middleware.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeFailure(w, status, err.Error())
}
