package api

import (
	"errors"
	"net/http"

	"github.com/nugget/n8n-bridge/internal/agent"
)

// Generic user-facing message for any webhook failure. Detail goes to
// the log only.
const agentFailureMessage = "Error calling n8n webhook"

// ConversationRequest mirrors Home Assistant's conversation.process
// service data.
type ConversationRequest struct {
	// Text is forwarded as given, including empty or blank text.
	Text           *string `json:"text"`
	ConversationID string  `json:"conversation_id,omitempty"`
	Language       string  `json:"language,omitempty"`
	// AgentID selects an agent by entry id or name. It may be omitted
	// when exactly one agent is loaded.
	AgentID string `json:"agent_id,omitempty"`
}

// ConversationResponse mirrors Home Assistant's ConversationResult.
type ConversationResponse struct {
	Response       IntentResponse `json:"response"`
	ConversationID string         `json:"conversation_id"`
}

// IntentResponse is the subset of HA's intent response the bridge fills.
type IntentResponse struct {
	Speech       Speech `json:"speech"`
	ResponseType string `json:"response_type"`
	Language     string `json:"language"`
}

// Speech holds the plain-text reply.
type Speech struct {
	Plain PlainSpeech `json:"plain"`
}

// PlainSpeech is a spoken reply without SSML.
type PlainSpeech struct {
	Speech string `json:"speech"`
}

// AgentInfo describes a loaded conversation agent.
type AgentInfo struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	SupportedLanguages string `json:"supported_languages"`
}

func newConversationResponse(speech, language, conversationID string) ConversationResponse {
	return ConversationResponse{
		Response: IntentResponse{
			Speech:       Speech{Plain: PlainSpeech{Speech: speech}},
			ResponseType: "action_done",
			Language:     language,
		},
		ConversationID: conversationID,
	}
}

// handleConversationProcess runs one conversation turn.
// POST /api/conversation/process {"text": "turn on the lights"}
func (s *Server) handleConversationProcess(w http.ResponseWriter, r *http.Request) {
	var req ConversationRequest
	if err := decodeObject(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Text == nil {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}

	a, ok := s.cfg.Agents.Lookup(req.AgentID)
	if !ok {
		msg := "agent not found"
		if req.AgentID == "" {
			msg = "agent_id is required unless exactly one agent is loaded"
		}
		s.errorResponse(w, http.StatusNotFound, msg)
		return
	}

	language := req.Language
	if language == "" {
		language = "en"
	}

	res, err := a.Process(r.Context(), agent.Input{
		Text:           *req.Text,
		ConversationID: req.ConversationID,
		Language:       language,
	})
	if err != nil {
		// Process has already logged the detail.
		if errors.Is(err, agent.ErrAgentCall) {
			s.errorResponse(w, http.StatusBadGateway, agentFailureMessage)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "conversation failed")
		return
	}

	s.ok(w, newConversationResponse(res.Response, language, res.ConversationID))
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents := s.cfg.Agents.List()
	out := make([]AgentInfo, len(agents))
	for i, a := range agents {
		out[i] = AgentInfo{
			ID:                 a.ID(),
			Name:               a.Name(),
			SupportedLanguages: a.SupportedLanguages(),
		}
	}
	s.ok(w, map[string]any{"agents": out})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.cfg.Sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.ok(w, sess)
}
