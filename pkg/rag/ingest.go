package rag

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
)

// Ingestor turns an uploaded file into persisted, indexed chunks. Only
// text-like content is extracted; binary formats fail the document.
type Ingestor struct {
	chunker *Chunker
	index   *DocumentIndex
}

func NewIngestor(index *DocumentIndex) *Ingestor {
	return &Ingestor{chunker: NewChunker(), index: index}
}

// Ingest processes one document: pending→processing→ready, or →failed with
// the error recorded on the row. Re-ingestion replaces chunks and index
// entries, so retries are idempotent. Returns the chunk count.
func (ing *Ingestor) Ingest(ctx context.Context, docs *store.DocumentStore, documentID, path string) (int, error) {
	doc, err := docs.GetInternal(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, &protocol.NotFoundError{Entity: "document", ID: documentID}
	}

	if err := docs.SetStatus(ctx, documentID, store.DocumentProcessing, ""); err != nil {
		return 0, err
	}

	n, err := ing.process(ctx, docs, doc, path)
	if err != nil {
		if statusErr := docs.SetStatus(ctx, documentID, store.DocumentFailed, err.Error()); statusErr != nil {
			slog.Error("failed to record document failure", "document_id", documentID, "error", statusErr)
		}
		return 0, err
	}

	if err := docs.SetStatus(ctx, documentID, store.DocumentReady, ""); err != nil {
		return 0, err
	}
	return n, nil
}

func (ing *Ingestor) process(ctx context.Context, docs *store.DocumentStore, doc *store.Document, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading upload: %w", err)
	}

	texts := ing.chunker.Chunk(string(raw))
	if len(texts) == 0 {
		return 0, fmt.Errorf("document %s has no extractable text", doc.Filename)
	}

	chunks := make([]store.DocumentChunk, len(texts))
	for i, text := range texts {
		chunks[i] = store.DocumentChunk{Content: text}
	}
	if err := docs.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return 0, err
	}

	if err := ing.index.Remove(ctx, doc.ID); err != nil {
		return 0, err
	}
	for i, text := range texts {
		if err := ing.index.Add(ctx, doc, i, text); err != nil {
			return 0, err
		}
	}
	return len(texts), nil
}
