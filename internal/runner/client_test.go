package runner

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

	"github.com/rendis/testpilot/pkg/schema"
)

func TestClientDo(t *testing.T) {
	t.Run("captures JSON response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Request-Id", "abc-123")
			_, _ = w.Write([]byte(`{"id": 7, "name": "ada"}`))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		resp, err := client.Do(context.Background(), &Request{URL: srv.URL})
		require.NoError(t, err)

		assert.Equal(t, float64(200), resp["status_code"])
		assert.Contains(t, resp["content_type"], "application/json")

		body, ok := resp["body"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(7), body["id"])
		assert.Equal(t, "ada", body["name"])

		headers, ok := resp["headers"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "abc-123", headers["X-Request-Id"])
	})

	t.Run("non-JSON body kept as string", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("pong"))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		resp, err := client.Do(context.Background(), &Request{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, "pong", resp["body"])
	})

	t.Run("empty body is nil", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		resp, err := client.Do(context.Background(), &Request{URL: srv.URL})
		require.NoError(t, err)
		assert.Equal(t, float64(204), resp["status_code"])
		assert.Nil(t, resp["body"])
	})

	t.Run("sends method headers query and body", func(t *testing.T) {
		var captured *http.Request
		var capturedBody []byte
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			captured = r.Clone(context.Background())
			capturedBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		resp, err := client.Do(context.Background(), &Request{
			Method:  "post",
			URL:     srv.URL + "/orders",
			Headers: map[string]string{"X-Tenant": "acme"},
			Query:   map[string]string{"region": "eu"},
			Body:    json.RawMessage(`{"sku": "A-1"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, float64(201), resp["status_code"])

		require.NotNil(t, captured)
		assert.Equal(t, "POST", captured.Method)
		assert.Equal(t, "/orders", captured.URL.Path)
		assert.Equal(t, "eu", captured.URL.Query().Get("region"))
		assert.Equal(t, "acme", captured.Header.Get("X-Tenant"))
		assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
		assert.JSONEq(t, `{"sku": "A-1"}`, string(capturedBody))
	})

	t.Run("bearer auth", func(t *testing.T) {
		var auth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		_, err := client.Do(context.Background(), &Request{
			URL:  srv.URL,
			Auth: &schema.StepAuth{Type: "bearer", Token: "tok-1"},
		})
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", auth)
	})

	t.Run("basic auth", func(t *testing.T) {
		var user, pass string
		var ok bool
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok = r.BasicAuth()
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		_, err := client.Do(context.Background(), &Request{
			URL:  srv.URL,
			Auth: &schema.StepAuth{Type: "basic", Username: "ada", Password: "s3cret"},
		})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "ada", user)
		assert.Equal(t, "s3cret", pass)
	})

	t.Run("api_key auth", func(t *testing.T) {
		var key string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key = r.Header.Get("X-Api-Key")
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		_, err := client.Do(context.Background(), &Request{
			URL:  srv.URL,
			Auth: &schema.StepAuth{Type: "api_key", HeaderName: "X-Api-Key", HeaderValue: "k-42"},
		})
		require.NoError(t, err)
		assert.Equal(t, "k-42", key)
	})

	t.Run("timeout yields timeout error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{})
		_, err := client.Do(context.Background(), &Request{
			URL:     srv.URL,
			Timeout: 20 * time.Millisecond,
		})
		require.Error(t, err)
		tpErr, ok := err.(*schema.TestPilotError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeTimeout, tpErr.Code)
	})

	t.Run("invalid url rejected", func(t *testing.T) {
		client := NewClient(ClientConfig{})
		_, err := client.Do(context.Background(), &Request{URL: "not a url"})
		require.Error(t, err)
		tpErr, ok := err.(*schema.TestPilotError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeValidation, tpErr.Code)
	})

	t.Run("response body capped at limit", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			for i := 0; i < 100; i++ {
				_, _ = w.Write([]byte("0123456789"))
			}
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{MaxResponseBody: 50})
		resp, err := client.Do(context.Background(), &Request{URL: srv.URL})
		require.NoError(t, err)
		body, ok := resp["body"].(string)
		require.True(t, ok)
		assert.Len(t, body, 50)
	})
}
