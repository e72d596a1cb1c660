// ABOUTME: Tests for the gateway HTTP client against a real gateway and stub servers
// ABOUTME: Covers submission, listing, error mapping, auth headers, and waiting for resolution

package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greyzone/greyzone/internal/config"
	"github.com/greyzone/greyzone/internal/gateway"
)

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	t.Setenv(config.EnvDBPath, "")
	t.Setenv(config.EnvBaseURL, "")

	cfg, err := config.Parse([]byte(`
database:
  path: "`+filepath.Join(t.TempDir(), "gateway.db")+`"
webauthn:
  base_url: "http://localhost:8080"
approval:
  sweep_interval: "0s"
`), false)
	require.NoError(t, err)

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return srv
}

func TestNew(t *testing.T) {
	c := New("http://localhost:8080///", "tok")
	assert.Equal(t, "http://localhost:8080", c.BaseURL)
	assert.Equal(t, "tok", c.Token)
	require.NotNil(t, c.HTTPClient)
	assert.NotZero(t, c.HTTPClient.Timeout)
}

func TestClient_SubmitGetList(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	sub, err := c.Submit(ctx, SubmitInput{Command: "make test", Reason: "ci", Agent: "builder", Timeout: 60})
	require.NoError(t, err)
	assert.Equal(t, "pending", sub.Status)
	assert.NotEmpty(t, sub.ID)

	got, err := c.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "make test", got.Command)
	assert.Equal(t, "builder", got.Agent)
	assert.False(t, got.Terminal())

	list, err := c.List(ctx, "pending", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sub.ID, list[0].ID)

	devs, err := c.Devices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestClient_SubmitIdempotent(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	in := SubmitInput{Command: "make release", IdempotencyKey: "release-42"}
	first, err := c.Submit(ctx, in)
	require.NoError(t, err)
	again, err := c.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	list, err := c.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClient_Errors(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	_, err := c.Get(ctx, "req_missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Submit(ctx, SubmitInput{Command: ""})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").List(context.Background(), "", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestClient_SendsToken(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]Request{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "secret-token").List(context.Background(), "running", 5)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "limit=5&status=running", gotQuery)
}

func TestClient_Wait(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "")
	ctx := context.Background()

	sub, err := c.Submit(ctx, SubmitInput{Command: "deploy"})
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Post(srv.URL+"/api/requests/"+sub.ID+"/deny", "application/json", nil)
		if err == nil {
			resp.Body.Close()
		}
	}()

	var seen []string
	final, err := c.Wait(ctx, sub.ID, 10*time.Millisecond, func(r *Request) {
		seen = append(seen, r.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, "denied", final.Status)
	assert.Equal(t, []string{"pending", "denied"}, seen)
}

func TestClient_WaitCanceled(t *testing.T) {
	srv := newGateway(t)
	c := New(srv.URL, "")

	sub, err := c.Submit(context.Background(), SubmitInput{Command: "deploy"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	last, err := c.Wait(ctx, sub.ID, 10*time.Millisecond, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, last)
	assert.Equal(t, "pending", last.Status)
}

func TestRequestTerminal(t *testing.T) {
	for status, want := range map[string]bool{
		"pending":   false,
		"running":   false,
		"completed": true,
		"failed":    true,
		"denied":    true,
		"expired":   true,
	} {
		assert.Equal(t, want, (&Request{Status: status}).Terminal(), status)
	}
}
