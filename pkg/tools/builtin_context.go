package tools

import (
	"context"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

const ToolUpdateContext = "update_context"

// ContextMerger deep-merges a patch into the caller's persistent context.
// Implemented by the context store.
type ContextMerger interface {
	Merge(ctx context.Context, userID string, patch map[string]any) (map[string]any, error)
}

type updateContextArgs struct {
	Updates map[string]any `json:"updates" jsonschema:"title=Updates,description=Fields to merge into the user's persistent context"`
}

// UpdateContextTool lets the model persist facts about the user across
// threads. Requires the manage_context capability.
type UpdateContextTool struct {
	merger ContextMerger
}

func NewUpdateContextTool(merger ContextMerger) *UpdateContextTool {
	return &UpdateContextTool{merger: merger}
}

func (t *UpdateContextTool) Name() string { return ToolUpdateContext }

func (t *UpdateContextTool) Description() string {
	return "Store or update persistent facts about the user (preferences, goals, profile details). Nested fields are deep-merged; pass null to remove a field."
}

func (t *UpdateContextTool) Parameters() map[string]any {
	return SchemaFor[updateContextArgs]()
}

func (t *UpdateContextTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil, &protocol.ValidationError{Field: "user", Reason: "no authenticated user in context"}
	}

	var decoded updateContextArgs
	if err := decodeArgs(args, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Updates) == 0 {
		return nil, &protocol.ValidationError{Field: "updates", Reason: "updates cannot be empty"}
	}

	merged, err := t.merger.Merge(ctx, user.ID, decoded.Updates)
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": "updated", "context": merged}, nil
}
