// Package cloudcode talks to the Google Cloud Code API: request dispatch
// across accounts and endpoints, retries, rate-limit accounting and SSE
// handling.
package cloudcode

import "fmt"

// ErrorKind classifies a dispatch failure so callers can map it to an HTTP
// status without inspecting message text.
type ErrorKind int

const (
	// KindResourceExhausted: every account is rate limited and the wait
	// exceeds the cap.
	KindResourceExhausted ErrorKind = iota
	// KindNoAccounts: the pool is empty or fully disabled/invalid.
	KindNoAccounts
	// KindMaxRetries: the attempt budget ran out.
	KindMaxRetries
	// KindAuthInvalid: credentials were rejected permanently.
	KindAuthInvalid
	// KindAuthNetwork: a transient failure while refreshing credentials.
	KindAuthNetwork
	// KindRateLimited: upstream returned 429 on this attempt.
	KindRateLimited
	// KindUpstreamClient: upstream returned a non-retryable 4xx.
	KindUpstreamClient
	// KindUpstreamServer: upstream returned 5xx.
	KindUpstreamServer
	// KindEmptyResponse: upstream returned success with no usable content.
	KindEmptyResponse
)

// DispatchError is the typed failure returned by the dispatcher.
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter int64
}

func (e *DispatchError) Error() string {
	return e.Message
}

// HTTPStatus maps the error kind to the status the relay should return.
func (e *DispatchError) HTTPStatus() int {
	switch e.Kind {
	case KindResourceExhausted, KindRateLimited:
		return 429
	case KindNoAccounts:
		return 503
	case KindAuthInvalid:
		return 401
	case KindUpstreamClient:
		if e.StatusCode >= 400 && e.StatusCode < 500 {
			return e.StatusCode
		}
		return 400
	case KindAuthNetwork, KindUpstreamServer, KindMaxRetries:
		return 502
	default:
		return 500
	}
}

// AnthropicErrorType maps the error kind to the Anthropic error type string.
func (e *DispatchError) AnthropicErrorType() string {
	switch e.Kind {
	case KindResourceExhausted, KindRateLimited:
		return "rate_limit_error"
	case KindAuthInvalid:
		return "authentication_error"
	case KindNoAccounts, KindAuthNetwork, KindUpstreamServer, KindMaxRetries:
		return "overloaded_error"
	case KindUpstreamClient:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

func newDispatchError(kind ErrorKind, format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
