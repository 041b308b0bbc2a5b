package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/tools"
)

const protocolVersion = "0.3.0"

// toolDescriptions are the card blurbs for built-in tools.
var toolDescriptions = map[string]string{
	tools.ToolWebSearch:     "Search the web and summarize results",
	tools.ToolReadURL:       "Fetch a web page and extract its readable text",
	tools.ToolReadFile:      "Read a file from the agent workspace",
	tools.ToolWriteFile:     "Write a file into the agent workspace",
	tools.ToolListDirectory: "List files in the agent workspace",
	tools.ToolEditFile:      "Edit a file in the agent workspace",
	tools.ToolCallAgent:     "Delegate a question to another A2A agent",
}

// AgentCard builds the card from config with saved name and description
// overrides applied. Tools are published as skills; the system prompt is
// never exposed.
func (s *Server) AgentCard(r *http.Request) a2a.AgentCard {
	card := s.cfg.Card
	ctx := context.Background()
	if r != nil {
		ctx = r.Context()
	}
	if info := s.agentInfo(ctx); info != nil {
		if info.Name != "" {
			card.Name = info.Name
		}
		if info.Description != "" {
			card.Description = info.Description
		}
	}
	url := card.PublicURL
	if url == "" && r != nil {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		url = scheme + "://" + r.Host + "/"
	}
	skills := make([]a2a.AgentSkill, 0, len(s.cfg.Tools))
	for _, name := range s.cfg.Tools {
		skills = append(skills, a2a.AgentSkill{
			ID:          name,
			Name:        name,
			Description: toolDescriptions[name],
			Tags:        []string{"tool"},
		})
	}
	return a2a.AgentCard{
		Name:            card.Name,
		Description:     card.Description,
		URL:             url,
		Version:         card.Version,
		ProtocolVersion: protocolVersion,
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      true,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text"},
		DefaultOutputModes: []string{"text"},
		Skills:             skills,
	}
}

// handleAgentCard handles GET /.well-known/agent.json requests.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, s.AgentCard(r))
}
