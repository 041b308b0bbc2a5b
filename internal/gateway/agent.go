package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
)

const maxAgentField = 512

// agentView is the body of GET and PUT /api/agent.
type agentView struct {
	Card      a2a.AgentCard          `json:"card"`
	Config    agentConfigView        `json:"config"`
	Overrides *persistence.AgentInfo `json:"overrides"`
}

// agentConfigView is the effective configuration after overrides. The system
// prompt is left out.
type agentConfigView struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Version         string         `json:"version"`
	ModelName       string         `json:"model_name"`
	ModelParameters map[string]any `json:"model_parameters,omitempty"`
	Tools           []string       `json:"tools"`
	MaxSteps        int            `json:"max_steps"`
}

type agentInput struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ModelName       string         `json:"model_name"`
	ModelParameters map[string]any `json:"model_parameters"`
}

func (in agentInput) validate() error {
	for field, v := range map[string]string{"name": in.Name, "description": in.Description, "model_name": in.ModelName} {
		if len(v) > maxAgentField {
			return errors.New(field + " is too long")
		}
	}
	if strings.ContainsAny(in.ModelName, " \t\n") {
		return errors.New("model_name must not contain whitespace")
	}
	return nil
}

// agentInfo returns the saved overrides, or nil when there are none.
func (s *Server) agentInfo(ctx context.Context) *persistence.AgentInfo {
	if s.cfg.Store == nil {
		return nil
	}
	info, err := s.cfg.Store.GetAgentInfo(ctx)
	if err != nil {
		if !errors.Is(err, persistence.ErrNotFound) {
			s.logger.Warn("agent info unavailable", "error", err)
		}
		return nil
	}
	return info
}

func (s *Server) agentView(r *http.Request) agentView {
	card := s.AgentCard(r)
	info := s.agentInfo(r.Context())
	view := agentView{
		Card: card,
		Config: agentConfigView{
			Name:        card.Name,
			Description: card.Description,
			Version:     card.Version,
			ModelName:   s.cfg.Model,
			Tools:       s.cfg.Tools,
			MaxSteps:    s.cfg.Card.MaxSteps,
		},
		Overrides: info,
	}
	if info != nil {
		if info.ModelName != "" {
			view.Config.ModelName = info.ModelName
		}
		view.Config.ModelParameters = info.ModelParameters
	}
	if view.Config.Tools == nil {
		view.Config.Tools = []string{}
	}
	return view
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentView(r))
}

// handleUpdateAgent replaces the saved overrides. Empty fields fall back to
// the config file; model changes apply from the next turn.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var in agentInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := in.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.cfg.Store.PutAgentInfo(r.Context(), persistence.AgentInfo{
		Name:            strings.TrimSpace(in.Name),
		Description:     strings.TrimSpace(in.Description),
		ModelName:       strings.TrimSpace(in.ModelName),
		ModelParameters: in.ModelParameters,
	}); err != nil {
		s.writeAPIError(w, err)
		return
	}
	s.logger.InfoContext(r.Context(), "agent info updated", "name", in.Name, "model", in.ModelName)
	writeJSON(w, http.StatusOK, s.agentView(r))
}
