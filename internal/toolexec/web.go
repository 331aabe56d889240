package toolexec

import (
	"context"
	"encoding/json"

	"sessioncore/internal/llmtypes"
)

// WebSearchFunc and PageFetchFunc are the opaque collaborators spec §4.8
// names ("an opaque web-search tool, an opaque page-fetch tool"): the
// core knows their calling convention but not their implementation.
type WebSearchFunc func(ctx context.Context, query string) (string, error)
type PageFetchFunc func(ctx context.Context, url string) (string, error)

type webSearchArgs struct {
	Query string `json:"query"`
}

// RegisterWebSearch wires an opaque web-search collaborator into the
// registry under the "web" category.
func RegisterWebSearch(r *Registry, fn WebSearchFunc) {
	r.Register(llmtypes.ToolSchema{
		Name:        "web_search",
		Description: "Search the web for up-to-date information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []string{"query"},
		},
	}, CategoryWeb, func(ctx context.Context, input json.RawMessage) (string, bool) {
		var args webSearchArgs
		if err := json.Unmarshal(input, &args); err != nil {
			return "invalid arguments: " + err.Error(), true
		}
		out, err := fn(ctx, args.Query)
		if err != nil {
			return err.Error(), true
		}
		return out, false
	})
}

type pageFetchArgs struct {
	URL string `json:"url"`
}

// RegisterPageFetch wires an opaque page-fetch collaborator.
func RegisterPageFetch(r *Registry, fn PageFetchFunc) {
	r.Register(llmtypes.ToolSchema{
		Name:        "page_fetch",
		Description: "Fetch and extract readable text from a web page.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required": []string{"url"},
		},
	}, CategoryWeb, func(ctx context.Context, input json.RawMessage) (string, bool) {
		var args pageFetchArgs
		if err := json.Unmarshal(input, &args); err != nil {
			return "invalid arguments: " + err.Error(), true
		}
		out, err := fn(ctx, args.URL)
		if err != nil {
			return err.Error(), true
		}
		return out, false
	})
}
