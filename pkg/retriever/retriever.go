// Package retriever defines the optional context retriever consumed by the
// orchestrator.
//
// A retriever returns ranked text snippets relevant to the incoming query;
// the orchestrator prepends them to the prompt. Retrieval failure is never
// fatal to an analysis: the orchestrator logs it and proceeds without
// context. Document ingestion and index maintenance are outside this
// package's scope.
package retriever

import "context"

// Snippet is one ranked piece of retrieved context.
type Snippet struct {
	// Text is the snippet content.
	Text string `json:"text"`

	// Source identifies where the snippet came from (document id, URL).
	Source string `json:"source,omitempty"`

	// Score is the relevance score, higher is better.
	Score float64 `json:"score"`
}

// Retriever returns the most relevant snippets for a query, best first.
// Implementations must be safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Snippet, error)
}
