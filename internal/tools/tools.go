// Package tools defines the genkit tools the agent can call: web search and
// page reading, workspace files, and calls to other A2A agents.
package tools

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/brycewcole/capsule-agents-sub000/internal/config"
)

// Tool names as the model sees them.
const (
	ToolWebSearch     = "web_search"
	ToolReadURL       = "read_url"
	ToolReadFile      = "read_file"
	ToolWriteFile     = "write_file"
	ToolListDirectory = "list_directory"
	ToolEditFile      = "edit_file"
	ToolCallAgent     = "call_agent"
)

// Registry holds the enabled tool definitions.
type Registry struct {
	Providers    []SearchProvider // Ordered by preference
	WebSearch    bool
	Workspace    string
	RemoteAgents []config.RemoteAgentConfig
	MaxAgentHops int
	Client       *http.Client

	Tools  []ai.ToolRef
	logger *slog.Logger
}

// NewRegistry builds a Registry from the tools config. Brave is tried
// before DuckDuckGo unless preferredSearch names a provider to put first.
func NewRegistry(cfg config.ToolsConfig, apiKeys map[string]string, preferredSearch string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Providers:    searchProviders(apiKeys, preferredSearch),
		WebSearch:    cfg.WebSearch,
		Workspace:    cfg.Workspace,
		RemoteAgents: cfg.RemoteAgents,
		MaxAgentHops: cfg.MaxAgentHops,
		logger:       logger.With("component", "tools"),
	}
}

func searchProviders(apiKeys map[string]string, preferred string) []SearchProvider {
	providers := []SearchProvider{
		BraveSearch{APIKey: apiKeys["brave_search"]},
		DuckDuckGo{},
	}
	for i, p := range providers {
		if i > 0 && p.Name() == preferred {
			return append([]SearchProvider{p}, append(providers[:i:i], providers[i+1:]...)...)
		}
	}
	return providers
}

// RegisterAll defines the enabled tools on g. It must be called once per
// genkit instance.
func (r *Registry) RegisterAll(g *genkit.Genkit) {
	r.Tools = nil
	if r.WebSearch {
		r.Tools = append(r.Tools, registerSearch(g, r), registerReader(g, r))
	}
	if r.Workspace != "" {
		r.Tools = append(r.Tools, registerFileTools(g, r)...)
	}
	if len(r.RemoteAgents) > 0 {
		r.Tools = append(r.Tools, registerRemoteAgents(g, r))
	}

	var available []string
	for _, p := range r.Providers {
		if p.Available() {
			available = append(available, p.Name())
		}
	}
	r.logger.Info("tools registered", "tools", r.Names(), "search_providers", available)
}

// Names lists the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name())
	}
	return names
}

func (r *Registry) Search(ctx context.Context, query string) (SearchOutput, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return runSearch(ctx, client, query, r.Providers, r.logger)
}

func (r *Registry) Read(ctx context.Context, rawURL string) (ReaderOutput, error) {
	return readURL(ctx, r.Client, rawURL)
}
