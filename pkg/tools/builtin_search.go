package tools

import (
	"context"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

const ToolSearchDocuments = "search_documents"

const defaultSearchLimit = 5

// DocumentHit is one retrieval result returned to the model.
type DocumentHit struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Snippet    string  `json:"snippet"`
	Score      float32 `json:"score"`
}

// DocumentSearcher runs a semantic search scoped to what the caller may see.
type DocumentSearcher interface {
	Search(ctx context.Context, user *auth.CurrentUser, query string, limit int) ([]DocumentHit, error)
}

type searchDocumentsArgs struct {
	Query string `json:"query" jsonschema:"title=Query,description=Natural-language search query"`
	Limit int    `json:"limit,omitempty" jsonschema:"title=Limit,description=Maximum results to return,default=5"`
}

// SearchDocumentsTool retrieves document snippets relevant to a query.
// Requires the search_documents capability.
type SearchDocumentsTool struct {
	searcher DocumentSearcher
}

func NewSearchDocumentsTool(searcher DocumentSearcher) *SearchDocumentsTool {
	return &SearchDocumentsTool{searcher: searcher}
}

func (t *SearchDocumentsTool) Name() string { return ToolSearchDocuments }

func (t *SearchDocumentsTool) Description() string {
	return "Search the user's accessible documents for passages relevant to a query. Returns document titles and matching snippets."
}

func (t *SearchDocumentsTool) Parameters() map[string]any {
	return SchemaFor[searchDocumentsArgs]()
}

func (t *SearchDocumentsTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil, &protocol.ValidationError{Field: "user", Reason: "no authenticated user in context"}
	}

	var decoded searchDocumentsArgs
	if err := decodeArgs(args, &decoded); err != nil {
		return nil, err
	}
	if decoded.Query == "" {
		return nil, &protocol.ValidationError{Field: "query", Reason: "query cannot be empty"}
	}
	if decoded.Limit <= 0 {
		decoded.Limit = defaultSearchLimit
	}

	hits, err := t.searcher.Search(ctx, user, decoded.Query, decoded.Limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return "No matching documents found.", nil
	}
	return hits, nil
}
