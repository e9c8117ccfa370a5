package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/marek/upcycle/internal/config"
)

// Embedder converts material keyword sets into fixed-length dense vectors.
type Embedder interface {
	EmbedMaterials(ctx context.Context, keywords []string) ([]float32, error)
	Dimensions() int
}

// EmbeddingService calls an OpenAI-compatible /embeddings endpoint. The
// HTTP client is built lazily on first use and shared for the process
// lifetime; embedding failures surface to the caller as generation
// failures, never as a silent zero vector.
type EmbeddingService struct {
	cfg      *config.EmbeddingConfig
	initOnce sync.Once
	client   *resty.Client
}

// NewEmbeddingService creates a new embedding service. No connection is
// made until the first EmbedMaterials call.
func NewEmbeddingService(cfg *config.EmbeddingConfig) *EmbeddingService {
	return &EmbeddingService{cfg: cfg}
}

// Dimensions returns the configured embedding dimensionality.
func (s *EmbeddingService) Dimensions() int {
	return s.cfg.Dimensions
}

func (s *EmbeddingService) init() {
	client := resty.New()
	client.SetBaseURL(s.cfg.BaseURL)
	client.SetHeader("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+s.cfg.APIKey)
	}
	s.client = client
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// EmbedMaterials embeds a normalized keyword set. Keywords are joined with
// spaces before embedding, so the same set in the same order yields the
// same vector.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - keywords: non-empty normalized material keywords.
// Returns:
//   - []float32: embedding of the configured dimensionality.
//   - error: ErrBadInput for an empty keyword list, upstream errors otherwise.
func (s *EmbeddingService) EmbedMaterials(ctx context.Context, keywords []string) ([]float32, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: empty keyword list", ErrBadInput)
	}
	s.initOnce.Do(s.init)

	req := embeddingRequest{
		Model: s.cfg.Model,
		Input: []string{strings.Join(keywords, " ")},
	}

	var resp embeddingResponse
	httpResp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post("/embeddings")
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding API: %w", err)
	}
	if httpResp.StatusCode() != 200 {
		if resp.Error != nil && resp.Error.Message != "" {
			return nil, fmt.Errorf("embedding API error: %s", resp.Error.Message)
		}
		return nil, fmt.Errorf("embedding API error: status %d", httpResp.StatusCode())
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}

	vec := resp.Data[0].Embedding
	if len(vec) != s.cfg.Dimensions {
		return nil, fmt.Errorf("embedding has dimension %d, expected %d", len(vec), s.cfg.Dimensions)
	}
	return vec, nil
}
