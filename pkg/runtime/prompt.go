package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/mantle/pkg/auth"
	"github.com/kadirpekel/mantle/pkg/protocol"
	"github.com/kadirpekel/mantle/pkg/store"
	"github.com/kadirpekel/mantle/pkg/tools"
)

// SystemPrompt composes the effective system prompt for a turn: the agent's
// base prompt, the user's persistent context and any retrieved document
// snippets.
func SystemPrompt(agent *store.Agent, userCtx map[string]any, hits []tools.DocumentHit) string {
	var b strings.Builder

	if agent.SystemPrompt != "" {
		b.WriteString(strings.TrimSpace(agent.SystemPrompt))
	}

	if rendered := renderUserContext(userCtx); rendered != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## What you know about the user\n")
		b.WriteString(rendered)
	}

	if len(hits) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## Relevant documents\n")
		for _, hit := range hits {
			fmt.Fprintf(&b, "### %s\n%s\n", hit.Title, hit.Snippet)
		}
	}

	return strings.TrimSpace(b.String())
}

// renderUserContext flattens the context mapping into stable key-sorted
// lines so identical contexts render identically.
func renderUserContext(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, renderValue(m[k]))
	}
	return strings.TrimSpace(b.String())
}

func renderValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// FullPrompt renders everything an agent sees at the start of a turn for the
// caller: system prompt, user context, declared context schema and effective
// tools. Backs GET /agents/{id}/full-prompt.
func (r *Runtime) FullPrompt(ctx context.Context, u *auth.CurrentUser, agentID string) (string, error) {
	agent, err := r.stores.Agents.Get(ctx, u, agentID)
	if err != nil {
		return "", err
	}
	if agent == nil {
		return "", &protocol.NotFoundError{Entity: "agent", ID: agentID}
	}
	userCtx, err := r.stores.Contexts.Load(ctx, u.ID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(SystemPrompt(agent, userCtx, nil))

	if len(agent.ContextSchema) > 0 {
		b.WriteString("\n\n## Context schema\n")
		fields := make([]string, 0, len(agent.ContextSchema))
		for f := range agent.ContextSchema {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(&b, "- %s: %s\n", f, agent.ContextSchema[f])
		}
	}

	caps := tools.NewCapabilitySet(agent.Capabilities)
	defs := tools.FilterDefinitions(r.tools, agent.Tools, caps)
	if len(defs) > 0 {
		b.WriteString("\n\n## Tools\n")
		for _, def := range defs {
			fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		}
	}

	return strings.TrimSpace(b.String()), nil
}
