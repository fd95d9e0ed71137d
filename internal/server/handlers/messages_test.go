package handlers_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrelix/antigravity-relay/internal/account"
	"github.com/kestrelix/antigravity-relay/internal/account/strategies"
	"github.com/kestrelix/antigravity-relay/internal/auth"
	"github.com/kestrelix/antigravity-relay/internal/clock"
	"github.com/kestrelix/antigravity-relay/internal/cloudcode"
	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/server"
	"github.com/kestrelix/antigravity-relay/internal/store"
)

// newServerEnv wires a full gin engine over one account and a scripted
// upstream.
func newServerEnv(t *testing.T, respond func(req *http.Request) (*http.Response, error)) *server.Server {
	t.Helper()

	clk := clock.NewFake(time.Unix(1700000000, 0).UTC())
	cfg := config.DefaultConfig()
	cfg.AccountsPath = filepath.Join(t.TempDir(), "accounts.json")

	ledger := account.NewLedger(clk, cfg.DefaultCooldownMs)
	strategy := strategies.New(config.StrategySticky, ledger, clk)
	creds := account.NewCredentials(clk, cfg.TokenCacheTTLMs, func(ctx context.Context, rt string) (*auth.RefreshResult, error) {
		return &auth.RefreshResult{AccessToken: "tok"}, nil
	}, nil)
	manager := account.NewManager(cfg, clk, ledger, strategy, creds, store.NewFileStore(cfg.AccountsPath))
	require.NoError(t, manager.Add(&account.Account{
		Email:        "a@x.com",
		Source:       account.SourceOAuth,
		RefreshToken: "rt",
		ProjectID:    "test-project",
		Enabled:      true,
	}))

	dispatcher := cloudcode.NewDispatcher(cfg, clk, manager, cloudcode.NewProjectResolver(cfg), respond)
	return server.New(cfg, manager, dispatcher)
}

// chunkedSSE builds an upstream stream with n text deltas followed by a
// finish frame.
func chunkedSSE(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `data: {"response":{"candidates":[{"content":{"parts":[{"text":"chunk %d"}]}}]}}`, i)
		b.WriteString("\n\n")
	}
	b.WriteString(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"done"}]},"finishReason":"STOP"}],` +
		`"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}` + "\n\n")
	return b.String()
}

func postMessages(t *testing.T, srv *server.Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Engine().ServeHTTP(rec, req)
	return rec
}

func TestStreamingDeliversEveryEventThroughMessageStop(t *testing.T) {
	const chunks = 40
	srv := newServerEnv(t, func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(chunkedSSE(chunks))),
		}, nil
	})

	// The tail of the stream must survive channel buffering on every run.
	for run := 0; run < 20; run++ {
		rec := postMessages(t, srv, `{"model":"gemini-3-flash","max_tokens":100,"stream":true,`+
			`"messages":[{"role":"user","content":"hi"}]}`)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

		body := rec.Body.String()
		require.Equal(t, chunks+1, strings.Count(body, "text_delta"), "run %d", run)
		require.Contains(t, body, "event: message_delta", "run %d", run)
		require.Contains(t, body, "event: message_stop", "run %d", run)
		require.Less(t, strings.Index(body, "message_delta"), strings.Index(body, "message_stop"))
	}
}

func TestBufferedRequestReturnsSingleResponse(t *testing.T) {
	srv := newServerEnv(t, func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: 200,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(chunkedSSE(3))),
		}, nil
	})

	rec := postMessages(t, srv, `{"model":"gemini-3-flash","max_tokens":100,`+
		`"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "chunk 0")
	require.Contains(t, rec.Body.String(), `"type":"message"`)
}

func TestMessagesRejectsMissingModel(t *testing.T) {
	srv := newServerEnv(t, func(req *http.Request) (*http.Response, error) {
		t.Fatal("no upstream call expected")
		return nil, nil
	})

	rec := postMessages(t, srv, `{"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_request_error")
}
