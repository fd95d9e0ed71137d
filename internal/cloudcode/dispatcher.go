package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/format"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/anthropic"
)

// Request is one converted upstream call.
type Request struct {
	Model     string
	Payload   *format.GoogleRequest
	SessionID string
}

// StreamResult is a successfully opened stream. First is the event that
// committed the attempt; the rest arrive on Events. Close releases the
// upstream body.
type StreamResult struct {
	First  *SSEEvent
	Events <-chan *SSEEvent
	Errs   <-chan error
	Model  string
	Close  func()
}

// DoFunc executes one HTTP request. Swappable in tests.
type DoFunc func(*http.Request) (*http.Response, error)

// Dispatcher routes requests across accounts and endpoints with retry,
// rate-limit accounting and one level of model fallback.
type Dispatcher struct {
	cfg      *config.Config
	clock    clock.Clock
	accounts *account.Manager
	projects *ProjectResolver
	parser   *RateLimitParser
	do       DoFunc
}

// NewDispatcher creates a dispatcher. doFn may be nil to use a default
// HTTP client.
func NewDispatcher(cfg *config.Config, clk clock.Clock, accounts *account.Manager, projects *ProjectResolver, doFn DoFunc) *Dispatcher {
	if doFn == nil {
		client := &http.Client{Timeout: 300 * time.Second}
		doFn = client.Do
	}
	return &Dispatcher{
		cfg:      cfg,
		clock:    clk,
		accounts: accounts,
		projects: projects,
		parser:   NewRateLimitParser(clk),
		do:       doFn,
	}
}

// Send performs a buffered request. Thinking models answer over SSE and are
// accumulated; other models answer as plain JSON.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*anthropic.MessagesResponse, error) {
	var result *anthropic.MessagesResponse
	model, err := d.dispatch(ctx, req, d.cfg.FallbackEnabled, false, func(model string, body io.ReadCloser) (bool, error) {
		defer body.Close()
		var resp *anthropic.MessagesResponse
		var err error
		if config.IsThinkingModel(model) {
			resp, err = ParseSSEResponse(body, model)
		} else {
			resp, err = ParseJSONResponse(body, model)
		}
		if err != nil {
			return isEmptyResponseError(err), err
		}
		result = resp
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.Model = model
	}
	return result, nil
}

// Stream performs a streaming request. The attempt commits on the first
// event; an empty upstream response before that is retried.
func (d *Dispatcher) Stream(ctx context.Context, req *Request) (*StreamResult, error) {
	var result *StreamResult
	model, err := d.dispatch(ctx, req, d.cfg.FallbackEnabled, true, func(model string, body io.ReadCloser) (bool, error) {
		events, errs := StreamSSEResponse(ctx, body, model)
		select {
		case ev, ok := <-events:
			if !ok {
				body.Close()
				if err := <-errs; err != nil {
					return isEmptyResponseError(err), err
				}
				return true, newDispatchError(KindEmptyResponse, "stream closed before first event")
			}
			result = &StreamResult{
				First:  ev,
				Events: events,
				Errs:   errs,
				Model:  model,
				Close:  func() { body.Close() },
			}
			return false, nil
		case err := <-errs:
			body.Close()
			if err == nil {
				return true, newDispatchError(KindEmptyResponse, "stream closed before first event")
			}
			return isEmptyResponseError(err), err
		case <-ctx.Done():
			body.Close()
			return false, ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		result.Model = model
	}
	return result, nil
}

// consumeFunc handles a 2xx body. It returns retry=true for failures worth
// another attempt.
type consumeFunc func(model string, body io.ReadCloser) (retry bool, err error)

// dispatch runs the retry loop for model, falling back one level when every
// account is exhausted. Returns the model that served the request.
func (d *Dispatcher) dispatch(ctx context.Context, req *Request, fallbackEnabled, stream bool, consume consumeFunc) (string, error) {
	model := req.Model
	if d.accounts.Count() == 0 {
		return model, newDispatchError(KindNoAccounts, "no accounts configured")
	}

	maxAttempts := d.cfg.MaxRetries
	if n := d.accounts.Count() + 1; n > maxAttempts {
		maxAttempts = n
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model, err
		}

		sel := d.accounts.Select(model)
		if sel.Account == nil {
			if d.poolDead() {
				return model, newDispatchError(KindNoAccounts, "no usable accounts: all disabled or invalid")
			}
			if sel.WaitMs > 0 {
				utils.Info("[Dispatch] All accounts limited for %s, waiting %s",
					model, utils.FormatDuration(sel.WaitMs))
				if err := d.clock.Sleep(ctx, time.Duration(sel.WaitMs)*time.Millisecond); err != nil {
					return model, err
				}
				continue
			}
			return d.exhausted(ctx, req, model, fallbackEnabled, stream, consume)
		}

		acct := sel.Account
		token, err := d.accounts.TokenFor(ctx, acct)
		if err != nil {
			lastErr = err
			var netErr *auth.NetworkError
			if errors.As(err, &netErr) {
				utils.Warn("[Dispatch] Token refresh network error for %s: %v",
					utils.MaskEmail(acct.Email), err)
				if serr := d.clock.Sleep(ctx, time.Duration(config.NetworkErrorDelayMs)*time.Millisecond); serr != nil {
					return model, serr
				}
				continue
			}
			// TokenFor already marked the account invalid.
			d.accounts.Advance(model)
			continue
		}

		projectID := d.projects.Resolve(ctx, acct.Email, acct.ProjectID, token)
		body, err := json.Marshal(BuildPayload(projectID, model, req.Payload, req.SessionID))
		if err != nil {
			return model, fmt.Errorf("marshal payload: %w", err)
		}

		retry, done, err := d.tryEndpoints(ctx, acct, model, token, body, stream, consume)
		if done {
			return model, err
		}
		if err != nil {
			lastErr = err
		}
		if !retry {
			return model, err
		}

		// Per-account outcome: rate-limit and auth classes already steered
		// the selector; server errors move to the next account, transport
		// errors back off first.
		var de *DispatchError
		switch {
		case err == nil:
		case errors.As(err, &de):
			if de.Kind == KindUpstreamServer {
				d.accounts.Advance(model)
			}
		default:
			if serr := d.clock.Sleep(ctx, time.Duration(config.NetworkErrorDelayMs)*time.Millisecond); serr != nil {
				return model, serr
			}
			d.accounts.Advance(model)
		}
	}

	if lastErr != nil {
		var de *DispatchError
		if errors.As(lastErr, &de) {
			return model, de
		}
		return model, &DispatchError{Kind: KindMaxRetries, Message: fmt.Sprintf("max retries exceeded: %v", lastErr)}
	}
	return model, newDispatchError(KindMaxRetries, "max retries exceeded for %s", model)
}

// exhausted handles the state where every account is rate limited past the
// wait cap: fall back one model level if allowed, otherwise fail with the
// earliest reset.
func (d *Dispatcher) exhausted(ctx context.Context, req *Request, model string, fallbackEnabled, stream bool, consume consumeFunc) (string, error) {
	minWait := d.accounts.MinWait(model)

	if fallbackEnabled {
		if fallback, ok := config.GetFallbackModel(model); ok {
			utils.Warn("[Dispatch] All accounts exhausted for %s, falling back to %s", model, fallback)
			fallbackReq := &Request{Model: fallback, Payload: req.Payload, SessionID: req.SessionID}
			return d.dispatch(ctx, fallbackReq, false, stream, consume)
		}
	}

	err := &DispatchError{
		Kind:       KindResourceExhausted,
		Message:    fmt.Sprintf("all accounts rate limited for %s, retry in %s", model, utils.FormatDuration(minWait)),
		RetryAfter: minWait,
	}
	return model, err
}

// tryEndpoints walks the endpoint fallback chain for one account. done
// means the terminal result (success or non-retryable error) is in err;
// retry means the outer loop should pick again.
func (d *Dispatcher) tryEndpoints(ctx context.Context, acct *account.Account, model, token string, body []byte, stream bool, consume consumeFunc) (retry, done bool, err error) {
	// Streaming callers and thinking models go over SSE; everything else
	// uses the plain JSON path.
	path := config.PathGenerateContent
	accept := "application/json"
	if stream || config.IsThinkingModel(model) {
		path = config.PathStreamGenerateContent
		accept = "text/event-stream"
	}
	headers := BuildHeaders(token, model, accept)

	all429 := true
	sawResponse := false
	var minReset int64 = -1
	var reason RateLimitReason = ReasonUnknown
	var lastErr error

	for _, endpoint := range d.cfg.Endpoints {
		if cerr := ctx.Err(); cerr != nil {
			return false, true, cerr
		}

		httpReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+path, bytes.NewReader(body))
		if rerr != nil {
			return false, true, rerr
		}
		for k, v := range headers {
			httpReq.Header.Set(k, v)
		}

		resp, derr := d.do(httpReq)
		if derr != nil {
			if ctx.Err() != nil {
				return false, true, ctx.Err()
			}
			utils.Warn("[Dispatch] Network error at %s: %v", endpoint, derr)
			lastErr = derr
			all429 = false
			continue
		}
		sawResponse = true

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			retryConsume, cerr := consume(model, resp.Body)
			if cerr == nil {
				return false, true, nil
			}
			if retryConsume {
				utils.Warn("[Dispatch] Empty response from %s, retrying", endpoint)
				lastErr = cerr
				all429 = false
				continue
			}
			return false, true, cerr
		}

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
		bodyText := string(respBody)

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			utils.Warn("[Dispatch] 401 for %s, clearing caches", utils.MaskEmail(acct.Email))
			d.accounts.ClearTokenCache(acct.Email)
			d.projects.ClearCache(acct.Email)
			if auth.IsPermanentAuthFailure(bodyText) {
				d.accounts.MarkInvalid(acct.Email, "credentials revoked")
				d.accounts.Advance(model)
				return true, false, &DispatchError{
					Kind:       KindAuthInvalid,
					StatusCode: resp.StatusCode,
					Message:    "authentication rejected by upstream",
				}
			}
			// Transient rejection: the cleared cache forces a token refresh
			// on the next attempt with this account.
			lastErr = &DispatchError{
				Kind:       KindAuthInvalid,
				StatusCode: resp.StatusCode,
				Message:    "authentication rejected by upstream",
			}
			all429 = false
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			resetMs := d.parser.ParseResetTime(resp.Header, bodyText)
			if resetMs >= 0 && (minReset < 0 || resetMs < minReset) {
				minReset = resetMs
			}
			if r := ParseRateLimitReason(bodyText, resp.StatusCode); r != ReasonUnknown {
				reason = r
			}
			utils.Warn("[Dispatch] 429 at %s for %s", endpoint, utils.MaskEmail(acct.Email))
			continue

		case resp.StatusCode >= 500:
			utils.Warn("[Dispatch] %d at %s: %s", resp.StatusCode, endpoint, truncate(bodyText, 200))
			lastErr = &DispatchError{
				Kind:       KindUpstreamServer,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("upstream error %d", resp.StatusCode),
			}
			all429 = false
			if serr := d.clock.Sleep(ctx, time.Duration(config.ServerErrorDelayMs)*time.Millisecond); serr != nil {
				return false, true, serr
			}
			continue

		default:
			utils.Warn("[Dispatch] %d at %s: %s", resp.StatusCode, endpoint, truncate(bodyText, 200))
			lastErr = &DispatchError{
				Kind:       KindUpstreamClient,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("upstream error %d: %s", resp.StatusCode, truncate(bodyText, 500)),
			}
			all429 = false
			continue
		}
	}

	if sawResponse && all429 {
		d.accounts.MarkRateLimited(acct.Email, model, minReset, string(reason))
		d.accounts.Advance(model)
		return true, false, &DispatchError{
			Kind:       KindRateLimited,
			StatusCode: http.StatusTooManyRequests,
			Message:    fmt.Sprintf("rate limited on all endpoints for %s", model),
			RetryAfter: minReset,
		}
	}

	// A client error that no endpoint could better is not retryable.
	var de *DispatchError
	if errors.As(lastErr, &de) && de.Kind == KindUpstreamClient {
		return false, true, lastErr
	}

	if lastErr != nil {
		return true, false, lastErr
	}
	return true, false, nil
}

// poolDead reports whether no account could ever become usable again
// without operator action.
func (d *Dispatcher) poolDead() bool {
	for _, a := range d.accounts.Accounts() {
		if a.Enabled && !a.IsInvalid {
			return false
		}
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isEmptyResponseError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de) && de.Kind == KindEmptyResponse
}
