package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SearchHit is one result from a search backend.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher is the search backend collaborator. The platform wires a concrete
// backend (SearXNG, Brave, etc.) at boot.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

type webSearchParams struct {
	// Query is the search query.
	Query string `json:"query" jsonschema:"description=The search query,required"`

	// Limit caps the number of results (default 5).
	Limit int `json:"limit,omitempty" jsonschema:"description=Maximum number of results"`
}

// WebSearchTool exposes the search backend to agents, honoring the per-run
// search quota from the execution context.
type WebSearchTool struct {
	searcher Searcher
	schema   json.RawMessage
}

// NewWebSearchTool creates a web search tool over the given backend.
func NewWebSearchTool(searcher Searcher) *WebSearchTool {
	return &WebSearchTool{
		searcher: searcher,
		schema:   ReflectSchema(&webSearchParams{}),
	}
}

func (t *WebSearchTool) Name() string { return ToolWebSearch }

func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) Schema() json.RawMessage { return t.schema }

func (t *WebSearchTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	if t.searcher == nil {
		return &Result{Content: "web search is not configured", IsError: true}, nil
	}

	var p webSearchParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &Result{Content: "invalid search parameters: " + err.Error(), IsError: true}, nil
	}
	if strings.TrimSpace(p.Query) == "" {
		return &Result{Content: "query is required", IsError: true}, nil
	}
	if p.Limit <= 0 || p.Limit > 20 {
		p.Limit = 5
	}

	if ec, ok := ExecContextFrom(ctx); ok && !ec.ConsumeSearch() {
		return &Result{Content: "search quota exhausted for this run", IsError: true}, nil
	}

	hits, err := t.searcher.Search(ctx, p.Query, p.Limit)
	if err != nil {
		return nil, NewToolError(ToolWebSearch, err)
	}
	if len(hits) == 0 {
		return &Result{Content: "no results found"}, nil
	}

	var b strings.Builder
	for i, hit := range hits {
		fmt.Fprintf(&b, "%d. %s\n%s\n%s\n\n", i+1, hit.Title, hit.URL, hit.Snippet)
	}
	return &Result{Content: strings.TrimSpace(b.String())}, nil
}
