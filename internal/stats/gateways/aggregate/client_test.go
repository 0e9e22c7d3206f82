package aggregate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/livestats/internal/stats/domain"
)

func serveBody(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "  "})
	require.Error(t, err)
}

func TestClient_Count_SendsTableAndFilters(t *testing.T) {
	var gotPath, gotTable, gotFilters string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTable = r.URL.Query().Get("table")
		gotFilters = r.URL.Query().Get("filters")
		_, _ = w.Write([]byte(`{"total": 17}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL + "/", Timeout: time.Second})
	require.NoError(t, err)

	n, err := c.Count(context.Background(), "reviews", []domain.FilterPredicate{domain.Eq("status", "pending_review")})
	require.NoError(t, err)
	assert.Equal(t, int64(17), n)
	assert.Equal(t, CountsPath, gotPath)
	assert.Equal(t, "reviews", gotTable)

	decoded, err := domain.DecodeFilters(gotFilters)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, decoded[0].Equal(domain.Eq("status", "pending_review")))
}

func TestClient_Count_NoFiltersSendsEmptyArray(t *testing.T) {
	var gotFilters string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilters = r.URL.Query().Get("filters")
		_, _ = w.Write([]byte(`{"total":0}`))
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	n, err := c.Count(context.Background(), "clubs", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, "[]", gotFilters)
}

func TestClient_Count_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		malformed bool
	}{
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, false},
		{"forbidden", http.StatusForbidden, ``, false},
		{"not json", http.StatusOK, `<html>`, true},
		{"missing total", http.StatusOK, `{"count":3}`, true},
		{"string total", http.StatusOK, `{"total":"3"}`, true},
		{"null total", http.StatusOK, `{"total":null}`, true},
		{"negative", http.StatusOK, `{"total":-1}`, true},
		{"fractional", http.StatusOK, `{"total":2.5}`, true},
		{"exponent", http.StatusOK, `{"total":1e3}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serveBody(t, tt.status, tt.body)
			c, err := NewClient(Options{BaseURL: srv.URL})
			require.NoError(t, err)

			n, err := c.Count(context.Background(), "clubs", nil)
			require.Error(t, err)
			assert.Zero(t, n)
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestClient_Count_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Count(ctx, "clubs", nil)
	require.Error(t, err)
}
