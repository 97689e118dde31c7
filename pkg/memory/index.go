package memory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/mantle/pkg/protocol"
)

// ScoredMessage is a retrieval hit with its cosine similarity and original
// chronological position.
type ScoredMessage struct {
	Message protocol.Message
	Score   float32
	Seq     int
}

// MessageIndex stores message embeddings per thread and retrieves the most
// similar ones for a query.
type MessageIndex interface {
	Add(ctx context.Context, threadID string, seq int, msg protocol.Message) error
	Query(ctx context.Context, threadID, text string, topK int, minScore float32) ([]ScoredMessage, error)
}

// ChromemIndex implements MessageIndex over an embedded chromem-go
// collection. One collection holds all threads; hits are filtered by
// thread_id metadata.
type ChromemIndex struct {
	collection *chromem.Collection
}

// NewChromemIndex creates an in-process vector index. The embedding function
// is injected; chromem ships OpenAI-compatible ones and tests supply a stub.
func NewChromemIndex(db *chromem.DB, name string, embed chromem.EmbeddingFunc) (*ChromemIndex, error) {
	collection, err := db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("creating vector collection: %w", err)
	}
	return &ChromemIndex{collection: collection}, nil
}

func (i *ChromemIndex) Add(ctx context.Context, threadID string, seq int, msg protocol.Message) error {
	if msg.Content == "" {
		return nil
	}
	doc := chromem.Document{
		ID:      fmt.Sprintf("%s:%d", threadID, seq),
		Content: msg.Content,
		Metadata: map[string]string{
			"thread_id": threadID,
			"role":      string(msg.Role),
			"seq":       strconv.Itoa(seq),
		},
	}
	if err := i.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing message: %w", err)
	}
	return nil
}

func (i *ChromemIndex) Query(ctx context.Context, threadID, text string, topK int, minScore float32) ([]ScoredMessage, error) {
	count := i.collection.Count()
	if count == 0 || text == "" {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := i.collection.Query(ctx, text, topK, map[string]string{"thread_id": threadID}, nil)
	if err != nil {
		return nil, fmt.Errorf("querying vector index: %w", err)
	}

	out := make([]ScoredMessage, 0, len(results))
	for _, res := range results {
		if res.Similarity < minScore {
			continue
		}
		seq, _ := strconv.Atoi(res.Metadata["seq"])
		out = append(out, ScoredMessage{
			Message: protocol.Message{
				Role:    protocol.Role(res.Metadata["role"]),
				Content: res.Content,
			},
			Score: res.Similarity,
			Seq:   seq,
		})
	}
	return out, nil
}
