package embed

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func magnitude(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func TestNewEmbedder(t *testing.T) {
	t.Run("defaults_to_openrouter", func(t *testing.T) {
		e, err := NewEmbedder(Config{})
		require.NoError(t, err)
		assert.Equal(t, DefaultOpenRouterModel, e.Model())
	})

	t.Run("openai_defaults", func(t *testing.T) {
		e, err := NewEmbedder(Config{Provider: "openai"})
		require.NoError(t, err)
		assert.Equal(t, DefaultOpenAIModel, e.Model())
	})

	t.Run("mock", func(t *testing.T) {
		e, err := NewEmbedder(Config{Provider: "mock"})
		require.NoError(t, err)
		assert.Equal(t, MockDimensions, e.Dimensions())
	})

	t.Run("none", func(t *testing.T) {
		e, err := NewEmbedder(Config{Provider: "none"})
		require.NoError(t, err)

		vec, err := e.Embed(context.Background(), "anything")
		require.NoError(t, err)
		assert.Nil(t, vec)
	})

	t.Run("local_requires_command", func(t *testing.T) {
		_, err := NewEmbedder(Config{Provider: "local"})
		assert.Error(t, err)
	})

	t.Run("unknown_provider", func(t *testing.T) {
		_, err := NewEmbedder(Config{Provider: "quantum"})
		assert.Error(t, err)
	})
}

func TestMockEmbedder(t *testing.T) {
	mock := NewMock(384)

	t.Run("deterministic", func(t *testing.T) {
		a, err := mock.Embed(context.Background(), "graph database")
		require.NoError(t, err)
		b, err := mock.Embed(context.Background(), "graph database")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("normalized", func(t *testing.T) {
		vec, err := mock.Embed(context.Background(), "some text")
		require.NoError(t, err)
		assert.Len(t, vec, 384)
		assert.InDelta(t, 1.0, magnitude(vec), 1e-5)
	})

	t.Run("different_texts_differ", func(t *testing.T) {
		a, _ := mock.Embed(context.Background(), "alpha")
		b, _ := mock.Embed(context.Background(), "beta")
		assert.NotEqual(t, a, b)
	})
}

func TestHTTPEmbedder(t *testing.T) {
	t.Run("parses_and_normalizes_response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req embeddingsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-model", req.Model)
			assert.Equal(t, []string{"hello"}, req.Input)
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"embedding": []float64{3, 4}, "index": 0},
				},
			})
		}))
		defer server.Close()

		e := newHTTPEmbedder(Config{
			Provider: "openai",
			APIURL:   server.URL,
			APIKey:   "secret",
			Model:    "test-model",
			Timeout:  5 * time.Second,
		})

		vec, err := e.Embed(context.Background(), "hello")
		require.NoError(t, err)
		assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
		assert.Equal(t, 2, e.Dimensions())
	})

	t.Run("http_error_wraps_unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer server.Close()

		e := newHTTPEmbedder(Config{Provider: "openrouter", APIURL: server.URL, Model: "m", Timeout: 5 * time.Second})
		_, err := e.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("connection_refused_wraps_unavailable", func(t *testing.T) {
		e := newHTTPEmbedder(Config{Provider: "openrouter", APIURL: "http://127.0.0.1:1", Model: "m", Timeout: time.Second})
		_, err := e.Embed(context.Background(), "hello")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestLocalEmbedder(t *testing.T) {
	t.Run("round_trip_with_reused_subprocess", func(t *testing.T) {
		// A tiny line-oriented echo model: reads {"text":...}, answers a
		// fixed two-dimensional embedding.
		script := `while read -r line; do echo '{"embedding":[3,4]}'; done`
		local := NewLocal(script, 5*time.Second)
		defer local.Close()

		vec, err := local.Embed(context.Background(), "first")
		require.NoError(t, err)
		assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)

		// Second call reuses the same subprocess
		vec, err = local.Embed(context.Background(), "second")
		require.NoError(t, err)
		assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)
		assert.Equal(t, 2, local.Dimensions())
	})

	t.Run("subprocess_error_wraps_unavailable", func(t *testing.T) {
		local := NewLocal(`true`, time.Second) // exits immediately, no output
		defer local.Close()

		_, err := local.Embed(context.Background(), "text")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("timeout_wraps_unavailable", func(t *testing.T) {
		local := NewLocal(`sleep 60`, 100*time.Millisecond)
		defer local.Close()

		_, err := local.Embed(context.Background(), "text")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("cancellation_wraps_unavailable", func(t *testing.T) {
		local := NewLocal(`sleep 60`, 10*time.Second)
		defer local.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := local.Embed(ctx, "text")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
