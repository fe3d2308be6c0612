package downstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowcore/pkg/schema"
)

func TestHTTPClient_PostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"order":"A-1"}`, string(b))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"charge_id": "ch_1", "amount": 10})
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{})
	out, err := c.Call(context.Background(), "post", srv.URL+"/charges", map[string]any{"order": "A-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"charge_id": "ch_1", "amount": 10.0}, out)
}

func TestHTTPClient_GetWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Empty(t, r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := NewHTTPClient(HTTPConfig{}).Call(context.Background(), "", srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
}

func TestHTTPClient_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	out, err := NewHTTPClient(HTTPConfig{}).Call(context.Background(), "DELETE", srv.URL, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHTTPClient_Non2xxIsDownstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"duplicate"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Call(context.Background(), "POST", srv.URL, map[string]any{})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDownstream, fe.Code)
	assert.Equal(t, schema.ErrorClassHTTP, fe.Class)
	assert.Equal(t, http.StatusConflict, fe.Details["status_code"])
	assert.Equal(t, map[string]any{"error": "duplicate"}, fe.Details["body"])
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(HTTPConfig{}).Call(ctx, "GET", srv.URL, nil)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeTimeout, fe.Code)
	assert.Equal(t, schema.ErrorClassTimeout, fe.Class)
}

func TestHTTPClient_InvalidURL(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{}).Call(context.Background(), "GET", "ftp://example.com", nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStepValidation))
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(HTTPConfig{}).Call(context.Background(), "GET", addr, nil)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeDownstream, fe.Code)
	assert.True(t, fe.IsRetryable())
}

func TestHTTPClient_ResponseSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	out, err := NewHTTPClient(HTTPConfig{MaxResponseBody: 4}).Call(context.Background(), "GET", srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "0123", out)
}
