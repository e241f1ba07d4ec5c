package provider

import (
	"fmt"
	"io"
	"net/http"
)

// errBodyCap bounds how much of an upstream error body is retained; enough
// to diagnose, without buffering an arbitrary response.
const errBodyCap = 4096

// APIError is a non-2xx reply from an upstream deployment. The status code
// decides downstream handling: 5xx and 429 count against the deployment's
// breaker and are failover-eligible, other 4xx are the caller's problem.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// HTTPStatus reports the upstream status for failure classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// ParseAPIError builds an APIError from an upstream response, retaining at
// most errBodyCap bytes of the body.
func ParseAPIError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyCap))
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
}
