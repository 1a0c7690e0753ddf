// Package mock provides a test double for the embeddings.Embedder interface.
//
// Use Embedder to return pre-canned vectors without a live model and to
// verify which texts were submitted for embedding.
package mock

import (
	"context"
	"sync"

	"github.com/wallbounce/wallbounce/pkg/embeddings"
)

var _ embeddings.Embedder = (*Embedder)(nil)

// Embedder is a mock implementation of embeddings.Embedder.
type Embedder struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed. If nil, a zero vector of
	// DimensionsValue length is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelValue is returned by Model.
	ModelValue string

	// EmbedCalls records the texts passed to Embed, in order.
	EmbedCalls []string
}

// Embed implements embeddings.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.EmbedCalls = append(e.EmbedCalls, text)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.EmbedErr != nil {
		return nil, e.EmbedErr
	}
	if e.EmbedResult != nil {
		return e.EmbedResult, nil
	}
	return make([]float32, e.DimensionsValue), nil
}

// Dimensions implements embeddings.Embedder.
func (e *Embedder) Dimensions() int { return e.DimensionsValue }

// Model implements embeddings.Embedder.
func (e *Embedder) Model() string { return e.ModelValue }

// Calls returns a copy of the recorded Embed inputs.
func (e *Embedder) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.EmbedCalls))
	copy(out, e.EmbedCalls)
	return out
}

// Reset clears recorded calls.
func (e *Embedder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.EmbedCalls = nil
}
