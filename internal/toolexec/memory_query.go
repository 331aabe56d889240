package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sessioncore/internal/convstore"
	"sessioncore/internal/llmtypes"
	"sessioncore/internal/ranker"
)

type memoryQueryArgs struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

// RegisterMemoryQuery wires the deliberate memory_query tool (spec §4.9):
// it exposes the Memory Ranker directly to the model with no exclusions
// (may surface results from the current conversation and results already
// in context). IncrementTimesRetrieved is still the at-most-once-per-
// session link guard every other retrieval path uses (convstore's
// MemoryLink is keyed on conversation+message+entity, not on the tool
// invocation), so a second deliberate query surfacing the same id within
// one session does not recount — see DESIGN.md.
func RegisterMemoryQuery(r *Registry, rk *ranker.Ranker, conv convstore.Store, entityID, conversationID string) {
	r.Register(llmtypes.ToolSchema{
		Name:        "memory_query",
		Description: "Search past conversations for relevant memories. Unlike automatic retrieval, this may surface memories already visible in the current context.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string"},
				"num_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10},
			},
			"required": []string{"query"},
		},
	}, CategoryMemory, func(ctx context.Context, input json.RawMessage) (string, bool) {
		var args memoryQueryArgs
		if err := json.Unmarshal(input, &args); err != nil {
			return "invalid arguments: " + err.Error(), true
		}
		if strings.TrimSpace(args.Query) == "" {
			return "query must not be empty", true
		}
		numResults := args.NumResults
		if numResults < 1 {
			numResults = 1
		}
		if numResults > 10 {
			numResults = 10
		}

		queries := ranker.Queries{UserQuery: args.Query, HasUserQuery: true}
		candidates := rk.Retrieve(ctx, entityID, conversationID, queries, true, nil, true)
		if len(candidates) > numResults {
			candidates = candidates[:numResults]
		}

		var b strings.Builder
		for _, c := range candidates {
			link := convstore.MemoryLink{ConversationID: conversationID, MessageID: c.ID, EntityID: entityID}
			_ = conv.IncrementTimesRetrieved(ctx, link) // best-effort: a failed link write never withholds content
			fmt.Fprintf(&b, "Memory (from %s):\n\"%s\"\n\n", c.CreatedAt.UTC().Format("2006-01-02"), c.Content)
		}
		if b.Len() == 0 {
			return "no memories found", false
		}
		return b.String(), false
	})
}
