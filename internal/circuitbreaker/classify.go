package circuitbreaker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"

	conduit "github.com/conduitproxy/conduit/internal"
)

// httpStatusError is satisfied by provider.APIError and any other error
// carrying an upstream HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

// Trips reports whether an upstream error counts against the deployment's
// failure counter. Client-side faults (validation, cancellation by the
// caller) do not; timeouts, network errors, and upstream 5xx/429 do.
func Trips(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var he httpStatusError
	if errors.As(err, &he) {
		return tripsStatus(he.HTTPStatus())
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, conduit.ErrProvider) {
		return true
	}
	// Unclassified errors from an upstream call are treated as provider
	// faults (connection refused, TLS failures, truncated streams).
	return true
}

// tripsStatus maps an upstream HTTP status to a failure decision. 4xx other
// than 408/429 means the request itself was bad, not the deployment.
func tripsStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	case code >= 400:
		return false
	default:
		return false
	}
}
