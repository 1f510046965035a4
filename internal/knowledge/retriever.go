package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/vnmchuo/advisor-gateway/internal/provider"
)

const EmbeddingModel = "text-embedding-3-small"

// Index is the vector store behind a Retriever. *Store implements it.
type Index interface {
	Search(ctx context.Context, embedding []float32, threshold float64, count int) ([]Document, error)
	Insert(ctx context.Context, doc Document, embedding []float32) error
}

type Retriever struct {
	embedder  provider.Embedder
	index     Index
	threshold float64
	count     int
}

func NewRetriever(embedder provider.Embedder, index Index, threshold float64, count int) *Retriever {
	return &Retriever{
		embedder:  embedder,
		index:     index,
		threshold: threshold,
		count:     count,
	}
}

// Retrieve returns formatted passages relevant to query. It is best effort:
// any failure yields an empty string and is logged.
func (r *Retriever) Retrieve(ctx context.Context, query string) string {
	q := strings.ReplaceAll(query, "\n", " ")
	if strings.TrimSpace(q) == "" {
		return ""
	}

	embedding, err := r.embedder.Embed(ctx, EmbeddingModel, q)
	if err != nil {
		slog.ErrorContext(ctx, "knowledge embedding failed", "error", err)
		return ""
	}

	docs, err := r.index.Search(ctx, embedding, r.threshold, r.count)
	if err != nil {
		slog.ErrorContext(ctx, "knowledge search failed", "error", err)
		return ""
	}
	slog.DebugContext(ctx, "knowledge retrieved", "matches", len(docs))
	return Format(docs)
}

// Ingest embeds doc's content and stores it.
func (r *Retriever) Ingest(ctx context.Context, doc Document) error {
	embedding, err := r.embedder.Embed(ctx, EmbeddingModel, strings.ReplaceAll(doc.Content, "\n", " "))
	if err != nil {
		return fmt.Errorf("embed %q: %w", doc.Title, err)
	}
	return r.index.Insert(ctx, doc, embedding)
}

// Format renders documents as the context block given to models.
func Format(docs []Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, fmt.Sprintf("[Source: %s] (%d%% Match)\n%s",
			d.Title, int(math.Round(d.Similarity*100)), d.Content))
	}
	return strings.Join(parts, "\n\n")
}
