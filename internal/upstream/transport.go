// Package upstream talks to the store backend: it sends authentication,
// details and delivery requests and decodes the protobuf response wrapper
// into the catalog models.
//
// The Transport interface is the only seam the catalog depends on; the HTTP
// implementation maps backend status codes onto the three outcomes the
// catalog distinguishes (authentication rejected, not found, other failure).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// Endpoint names one backend operation.
type Endpoint string

const (
	EndpointAuth     Endpoint = "auth"
	EndpointDetails  Endpoint = "details"
	EndpointDelivery Endpoint = "delivery"
)

// Request describes a single backend call. Token is empty for the
// authentication exchange.
type Request struct {
	Endpoint Endpoint
	Token    string
	DeviceID string
	Params   url.Values
}

// Response is the raw backend payload of a successful call.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends one request to the backend.
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

var (
	// ErrUnauthorized is returned when the backend rejects the credential.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrNotFound is returned when the backend reports the entity absent.
	ErrNotFound = errors.New("upstream entity not found")
	// ErrMalformed is returned when a payload cannot be decoded at all.
	ErrMalformed = errors.New("upstream response malformed")
)

// StatusError reports any other non-success backend status.
type StatusError struct {
	Endpoint   Endpoint
	StatusCode int
	Snippet    string
}

func (e *StatusError) Error() string {
	if e.Snippet == "" {
		return fmt.Sprintf("upstream %s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Snippet)
}

// DetailsRequest builds the request descriptor for a details lookup.
func DetailsRequest(token, deviceID, packageName string) Request {
	params := url.Values{}
	params.Set("doc", packageName)
	return Request{Endpoint: EndpointDetails, Token: token, DeviceID: deviceID, Params: params}
}

// DeliveryRequest builds the request descriptor for a delivery lookup.
func DeliveryRequest(token, deviceID, packageName string, versionCode int32) Request {
	params := url.Values{}
	params.Set("doc", packageName)
	params.Set("vc", fmt.Sprintf("%d", versionCode))
	params.Set("ot", "1")
	return Request{Endpoint: EndpointDelivery, Token: token, DeviceID: deviceID, Params: params}
}
