// Package kb defines the knowledge-base retrieval contract (§6). This is
// an external collaborator per spec.md §1's Non-goals — only the
// interface lives here, never a retrieval implementation.
package kb

import "context"

// Result is one retrieved passage.
type Result struct {
	Text   string
	Source string
	Score  float64
}

// Retriever is consulted only on the non-speculative LLM path (§4.4.4).
type Retriever interface {
	// IsRelevant classifies whether text warrants a knowledge-base query
	// at all, so irrelevant turns skip the round trip entirely.
	IsRelevant(ctx context.Context, agentID, text string) (bool, error)
	// Query retrieves passages relevant to text for agentID.
	Query(ctx context.Context, agentID, text string) ([]Result, error)
}

// Noop is a Retriever that finds nothing relevant, used when an agent has
// no knowledge base configured.
type Noop struct{}

func (Noop) IsRelevant(context.Context, string, string) (bool, error) { return false, nil }
func (Noop) Query(context.Context, string, string) ([]Result, error)  { return nil, nil }
