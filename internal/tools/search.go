package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
)

// maxSearchResults caps the results handed to the model per query.
const maxSearchResults = 5

type SearchInput struct {
	Query string `json:"query"`
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchOutput struct {
	Provider string         `json:"provider"`
	Results  []SearchResult `json:"results"`
	Note     string         `json:"note,omitempty"`
}

// SearchProvider is one web search backend. Available is false when the
// backend lacks its credentials.
type SearchProvider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, client *http.Client, query string) ([]SearchResult, error)
}

// ErrNoSearchProvider is returned when no provider could answer a query.
var ErrNoSearchProvider = errors.New("no search provider available")

func registerSearch(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, ToolWebSearch,
		"Search the web for current information. Returns up to five results with title, URL and snippet.",
		func(ctx *ai.ToolContext, input SearchInput) (SearchOutput, error) {
			return reg.Search(ctx, input.Query)
		},
	)
}

// runSearch asks each available provider in turn. The first provider that
// answers wins, even with zero results; errors move on to the next one.
func runSearch(ctx context.Context, client *http.Client, query string, providers []SearchProvider, logger *slog.Logger) (SearchOutput, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return SearchOutput{}, errors.New("query is required")
	}
	var errs []error
	for _, p := range providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, client, query)
		if err != nil {
			logger.Warn("search provider failed", "provider", p.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(results) > maxSearchResults {
			results = results[:maxSearchResults]
		}
		out := SearchOutput{Provider: p.Name(), Results: results}
		if len(results) == 0 {
			out.Results = []SearchResult{}
			out.Note = "no results; answer from what you already know"
		}
		logger.Debug("search answered", "provider", p.Name(), "results", len(results))
		return out, nil
	}
	if len(errs) == 0 {
		return SearchOutput{}, fmt.Errorf("%w: set api_keys.brave_search or enable duckduckgo", ErrNoSearchProvider)
	}
	return SearchOutput{}, fmt.Errorf("%w: %w", ErrNoSearchProvider, errors.Join(errs...))
}

// fetch performs req and returns at most 1 MiB of a 2xx body.
func fetch(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, shared.Truncate(strings.TrimSpace(string(snippet)), 160))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
