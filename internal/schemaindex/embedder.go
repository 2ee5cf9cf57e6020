package schemaindex

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	chromem "github.com/philippgille/chromem-go"
)

// EmbedFunc turns text into a vector. It matches chromem-go's EmbeddingFunc
// so both backends share one embedding bridge.
type EmbedFunc = chromem.EmbeddingFunc

// NewEmbedFunc adapts a Genkit ai.Embedder to EmbedFunc. chromem-go
// normalizes vectors itself and pgvector's cosine operator is scale
// invariant, so no normalization happens here.
func NewEmbedFunc(embedder ai.Embedder) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		resp, err := embedder.Embed(ctx, &ai.EmbedRequest{
			Input: []*ai.Document{ai.DocumentFromText(text, nil)},
		})
		if err != nil {
			return nil, fmt.Errorf("embed failed: %w", err)
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
			return nil, fmt.Errorf("embedder returned no vector")
		}
		return resp.Embeddings[0].Embedding, nil
	}
}
