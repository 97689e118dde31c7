package tools

import (
	"github.com/kadirpekel/mantle/pkg/llms"
	"github.com/kadirpekel/mantle/pkg/protocol"
)

// Capability names attached to agents.
const (
	CapabilityManageContext   = "manage_context"
	CapabilitySearchDocuments = "search_documents"
)

// requiredCapability maps tool names to the capability an agent must hold.
// Tools absent from the map are unrestricted.
var requiredCapability = map[string]string{
	ToolUpdateContext:   CapabilityManageContext,
	ToolSearchDocuments: CapabilitySearchDocuments,
}

// RequiredCapability reports the capability a tool needs, if any.
func RequiredCapability(tool string) (string, bool) {
	cap, ok := requiredCapability[tool]
	return cap, ok
}

// CapabilitySet is an agent's declared capability set.
type CapabilitySet map[string]struct{}

func NewCapabilitySet(capabilities []string) CapabilitySet {
	set := make(CapabilitySet, len(capabilities))
	for _, c := range capabilities {
		set[c] = struct{}{}
	}
	return set
}

func (s CapabilitySet) Has(capability string) bool {
	_, ok := s[capability]
	return ok
}

// Allows reports whether the set satisfies a tool's capability requirement.
func (s CapabilitySet) Allows(tool string) bool {
	cap, gated := requiredCapability[tool]
	if !gated {
		return true
	}
	return s.Has(cap)
}

// FilterDefinitions returns provider definitions for the allowed subset of
// names, silently dropping gated tools so the model never sees them.
func FilterDefinitions(registry *Registry, names []string, caps CapabilitySet) []llms.ToolDefinition {
	out := make([]llms.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool, ok := registry.Get(name)
		if !ok {
			continue
		}
		if !caps.Allows(name) {
			continue
		}
		out = append(out, Definition(tool))
	}
	return out
}

// Require rejects a call that slipped past the pre-LLM filter. Runs before
// any side effect.
func Require(caps CapabilitySet, tool string) error {
	if caps.Allows(tool) {
		return nil
	}
	cap := requiredCapability[tool]
	return &protocol.CapabilityError{Tool: tool, Capability: cap}
}
