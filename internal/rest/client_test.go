package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingResponse struct {
	Value int `json:"value"`
}

func TestClientGetDecodesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	var out pingResponse
	err := c.Get(context.Background(), "/ping", &out)
	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
}

func TestClientGetClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	err := c.Get(context.Background(), "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorClassRateLimit, callErr.Class)
}

func TestClientGetClassifiesTeapotAsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	err := c.Get(context.Background(), "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorClassRateLimit, callErr.Class)
}

func TestClientGetParsesRetryAfterSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	err := c.Get(context.Background(), "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 30*time.Second, callErr.RetryAfter)
}

func TestClientGetClassifiesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	err := c.Get(context.Background(), "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorClassHTTP5xx, callErr.Class)
}

func TestClientGetClassifiesExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10001,"retMsg":"bad symbol"}`))
	}))
	defer srv.Close()

	parser := func(body []byte) (string, string, bool) {
		var env struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return "", "", false
		}
		return "10001", env.RetMsg, env.RetCode != 0
	}

	c := NewClient(srv.URL, parser, zerolog.Nop())
	err := c.Get(context.Background(), "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorClassExchangeErr, callErr.Class)
}

func TestClientGetClassifiesAbort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, nil, zerolog.Nop())
	err := c.Get(ctx, "/ping", nil)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, ErrorClassAbort, callErr.Class)
}
