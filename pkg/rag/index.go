package rag

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/tools"
)

// DocumentIndex stores chunk embeddings in an embedded chromem-go
// collection. One collection holds every document; visibility is resolved
// at query time from chunk metadata.
type DocumentIndex struct {
	collection *chromem.Collection
}

// NewDocumentIndex creates the index. The embedding function is injected;
// chromem ships OpenAI-compatible ones and tests supply a stub.
func NewDocumentIndex(db *chromem.DB, name string, embed chromem.EmbeddingFunc) (*DocumentIndex, error) {
	collection, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating document collection: %w", err)
	}
	return &DocumentIndex{collection: collection}, nil
}

// Add indexes one chunk with the document's visibility metadata.
func (i *DocumentIndex) Add(ctx context.Context, doc *store.Document, chunkIndex int, content string) error {
	if content == "" {
		return nil
	}
	entry := chromem.Document{
		ID:      fmt.Sprintf("%s:%d", doc.ID, chunkIndex),
		Content: content,
		Metadata: map[string]string{
			"document_id":   doc.ID,
			"chunk_index":   strconv.Itoa(chunkIndex),
			"filename":      doc.Filename,
			"owner_user_id": doc.OwnerUserID,
			"workspace_id":  doc.WorkspaceID,
			"agent_id":      doc.AgentID,
		},
	}
	if err := i.collection.AddDocument(ctx, entry); err != nil {
		return fmt.Errorf("indexing chunk: %w", err)
	}
	return nil
}

// Remove drops all chunks of a document; used before re-ingestion.
func (i *DocumentIndex) Remove(ctx context.Context, documentID string) error {
	if i.collection.Count() == 0 {
		return nil
	}
	if err := i.collection.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("removing document chunks: %w", err)
	}
	return nil
}

// Search returns the most similar visible chunks. Visibility is the same as
// the scoped document reads: own documents, workspace documents, and
// system-global documents.
func (i *DocumentIndex) Search(ctx context.Context, u *auth.CurrentUser, query string, limit int) ([]tools.DocumentHit, error) {
	count := i.collection.Count()
	if count == 0 || query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	// Over-fetch, then filter by visibility. Chromem filters are exact-match
	// only; the OR across ownership states has to happen here.
	fetch := limit * 4
	if fetch > count {
		fetch = count
	}

	results, err := i.collection.Query(ctx, query, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying document index: %w", err)
	}

	hits := make([]tools.DocumentHit, 0, limit)
	for _, res := range results {
		if !visible(u, res.Metadata) {
			continue
		}
		hits = append(hits, tools.DocumentHit{
			DocumentID: res.Metadata["document_id"],
			Title:      res.Metadata["filename"],
			Snippet:    snippet(res.Content, 300),
			Score:      res.Similarity,
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func visible(u *auth.CurrentUser, meta map[string]string) bool {
	if u.IsAdmin() {
		return true
	}
	owner, workspace := meta["owner_user_id"], meta["workspace_id"]
	switch {
	case owner == "" && workspace == "":
		return true // system-global, readable by everyone
	case owner == u.ID:
		return true
	case workspace != "":
		return u.InWorkspace(workspace)
	}
	return false
}

func snippet(content string, max int) string {
	if len(content) <= max {
		return content
	}
	return content[:max] + "…"
}
