// Package embed provides embedding generation clients for the semantic
// channel.
//
// This package supports multiple embedding providers:
//   - OpenRouter: hosted models behind one API (default)
//   - OpenAI: text-embedding-3-small and friends
//   - Local: a reusable subprocess speaking line-delimited JSON
//   - Mock: deterministic 384-dimension hashed vectors for offline use
//   - None: no embeddings; notes link on the tag channel only
//
// Embeddings convert text into vectors that capture semantic meaning.
// Similar texts have similar vectors, which is what the semantic channel
// scores with cosine similarity.
//
// Every provider that returns a vector returns it L2-normalized; the
// none provider returns no vector at all. Dimension is stable per process
// for a given configuration.
//
// Example Usage:
//
//	embedder, err := embed.NewEmbedder(embed.Config{Provider: "mock"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	vec, err := embedder.Embed(ctx, "graph database")
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("dimensions: %d\n", len(vec)) // 384
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ettio/forest/pkg/math/vector"
)

// ErrUnavailable is returned for transient provider failures. The caller
// stores the node without an embedding and marks it approximate-scored.
var ErrUnavailable = errors.New("embedding unavailable")

// Embedder generates vector embeddings from text.
//
// Implementations must be safe for concurrent use. A nil vector with a nil
// error means the provider intentionally produces no embeddings (the none
// provider); callers treat the node as tag-channel-only.
type Embedder interface {
	// Embed generates an L2-normalized embedding for a text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector dimension (0 for none).
	Dimensions() int

	// Model returns the model name.
	Model() string
}

// Config holds embedding provider configuration.
type Config struct {
	Provider string        // openrouter, openai, local, mock, none
	APIURL   string        // override base URL
	APIKey   string        // provider credential
	Model    string        // provider-specific model id
	Command  string        // local provider subprocess command
	Timeout  time.Duration // per-request timeout
}

// Provider defaults.
const (
	DefaultOpenRouterModel = "qwen/qwen3-embedding-8b"
	DefaultOpenAIModel     = "text-embedding-3-small"
	MockDimensions         = 384

	openRouterBaseURL = "https://openrouter.ai/api"
	openAIBaseURL     = "https://api.openai.com"
)

// NewEmbedder creates an embedder for the configured provider.
//
// Supported providers: "openrouter", "openai", "local", "mock", "none".
// An empty provider defaults to openrouter.
func NewEmbedder(config Config) (Embedder, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	switch config.Provider {
	case "", "openrouter":
		if config.APIURL == "" {
			config.APIURL = openRouterBaseURL
		}
		if config.Model == "" {
			config.Model = DefaultOpenRouterModel
		}
		return newHTTPEmbedder(config), nil
	case "openai":
		if config.APIURL == "" {
			config.APIURL = openAIBaseURL
		}
		if config.Model == "" {
			config.Model = DefaultOpenAIModel
		}
		return newHTTPEmbedder(config), nil
	case "local":
		if config.Command == "" {
			return nil, fmt.Errorf("local provider requires a command")
		}
		return NewLocal(config.Command, config.Timeout), nil
	case "mock":
		return NewMock(MockDimensions), nil
	case "none":
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}
}

// None is the provider that produces no embeddings. Captures still succeed;
// linking runs on the tag channel alone.
type None struct{}

// Embed returns no vector and no error.
func (None) Embed(context.Context, string) ([]float32, error) { return nil, nil }

// Dimensions returns 0.
func (None) Dimensions() int { return 0 }

// Model returns "none".
func (None) Model() string { return "none" }

// HTTPEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Both the
// OpenRouter and OpenAI providers use this client; only base URL, model, and
// credentials differ.
//
// Thread-safe: the underlying http.Client is safe for concurrent use.
type HTTPEmbedder struct {
	config Config
	client *http.Client
	dims   atomic.Int32
}

func newHTTPEmbedder(config Config) *HTTPEmbedder {
	return &HTTPEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
//
// Network and HTTP-status failures wrap ErrUnavailable so the caller can
// commit the node without a vector instead of failing the capture.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := embeddingsRequest{
		Model: e.config.Model,
		Input: []string{text},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := e.config.APIURL + "/v1/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.config.APIKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, e.config.Provider, resp.StatusCode, string(bodyBytes))
	}

	var parsed embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", ErrUnavailable)
	}

	vec := parsed.Data[0].Embedding
	vector.NormalizeInPlace(vec)
	e.dims.Store(int32(len(vec)))
	return vec, nil
}

// Dimensions returns the dimension observed from the first successful call,
// or 0 before any call. HTTP providers learn their dimension lazily.
func (e *HTTPEmbedder) Dimensions() int { return int(e.dims.Load()) }

// Model returns the configured model id.
func (e *HTTPEmbedder) Model() string { return e.config.Model }
