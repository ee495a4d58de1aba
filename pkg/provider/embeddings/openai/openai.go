// Package openai provides an embeddings provider backed by the OpenAI API.
//
// It wraps the official openai-go client and exposes the text-embedding-3
// family through the [embeddings.Provider] interface, so the semantic memory
// index can score campaign turns against past events without caring which
// vendor produced the vectors.
//
// Example usage:
//
//	p, err := openai.New(os.Getenv("OPENAI_API_KEY"), "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vec, err := p.Embed(ctx, "Mira found the moonblade in the crypt")
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/fennwald/mnemosyne/pkg/provider/embeddings"
)

// DefaultModel is the embeddings model used when New receives an empty model
// name. text-embedding-3-small keeps per-turn indexing cheap while still
// separating "the dragon burned the mill" from "the dragon fled north".
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
//
// Provider is safe for concurrent use; the underlying client carries no
// per-request mutable state.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration collected from functional options.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible server instead of the
// public API, such as a local proxy or a self-hosted gateway.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI embeddings Provider.
//
// apiKey must not be empty. model selects the embeddings model; if empty,
// [DefaultModel] is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Embed implements embeddings.Provider for a single text string.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: embed: empty response")
	}
	return toFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider by embedding all texts in a single
// API request. Passing a nil or empty texts slice returns (nil, nil) without
// issuing any network request.
//
// The API may return embeddings out of order; results are placed by the index
// the server reports, not by response position.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: embed batch: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	vecs := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: embed batch: index %d out of range", e.Index)
		}
		vecs[e.Index] = toFloat32(e.Embedding)
	}
	return vecs, nil
}

// Dimensions implements embeddings.Provider using the known output dimensions
// of the OpenAI embedding models.
func (p *Provider) Dimensions() int {
	return knownDimensions(p.model)
}

// ModelID implements embeddings.Provider by returning the model name supplied
// at construction time.
func (p *Provider) ModelID() string {
	return p.model
}

// knownDimensions returns the output dimension for recognised OpenAI embedding
// model names. Unknown models fall back to 1536, the dimension shared by
// text-embedding-3-small and ada-002.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

// toFloat32 narrows the API's float64 vectors to the float32 representation
// the memory index stores.
func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
