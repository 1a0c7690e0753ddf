// Package embeddings defines the Embedder interface over text-embedding
// backends.
//
// The context retriever embeds the incoming query and ranks stored snippets
// by vector distance. Implementations must be safe for concurrent use.
package embeddings

import "context"

// Embedder maps text to a dense float32 vector.
//
// All vectors returned by one Embedder instance share the dimensionality
// reported by Dimensions; vectors from different instances must not be mixed
// in the same distance computation.
type Embedder interface {
	// Embed computes the embedding vector for text. The returned slice has
	// length Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the fixed vector length produced by this embedder.
	Dimensions() int

	// Model is the backend model identifier, for logging.
	Model() string
}
