package api

import (
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/tadpole/internal/agent"
	"github.com/nugget/tadpole/internal/llm"
	"github.com/nugget/tadpole/internal/tools"
)

// ConversationRequest is the body of POST /v1/conversations.
type ConversationRequest struct {
	// ServerID selects a tool server for the conversation and connects
	// to it. Empty keeps the directory's selection.
	ServerID string `json:"server_id,omitempty"`
	Context  string `json:"context,omitempty"`
}

// MessageRequest is the body of POST /v1/conversations/{id}/messages.
type MessageRequest struct {
	Content string `json:"content"`
}

// ConversationView is the JSON form of a conversation.
type ConversationView struct {
	ID        string             `json:"id"`
	State     agent.State        `json:"state"`
	ServerID  string             `json:"server_id,omitempty"`
	Connected bool               `json:"connected"`
	Tools     []tools.Descriptor `json:"tools,omitempty"`
	Messages  []llm.Message      `json:"messages,omitempty"`
}

func conversationView(o *agent.Orchestrator, full bool) ConversationView {
	v := ConversationView{
		ID:        o.ID(),
		State:     o.State(),
		ServerID:  o.ServerID(),
		Connected: o.IsConnected(),
	}
	if full {
		v.Tools = o.AvailableTools()
		v.Messages = o.Conversation().Messages()
	}
	return v
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*agent.Orchestrator, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	o, ok := s.conversations[id]
	s.mu.Unlock()
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown conversation "+id)
	}
	return o, ok
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	list := make([]ConversationView, 0, len(s.conversations))
	for _, o := range s.conversations {
		list = append(list, conversationView(o, false))
	}
	s.mu.Unlock()
	slices.SortFunc(list, func(a, b ConversationView) int { return strings.Compare(a.ID, b.ID) })

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": list}, s.logger)
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	if s.deps.NewOrchestrator == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversations are not available")
		return
	}
	var req ConversationRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	o, err := s.deps.NewOrchestrator(uuid.NewString())
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.Context != "" {
		o.SetPromptContext(req.Context)
	}
	if req.ServerID != "" {
		// A failed connect is recorded in the transcript; the
		// conversation is still usable without tools.
		if err := o.SelectServer(r.Context(), req.ServerID); err != nil {
			if code := statusFor(err); code == http.StatusNotFound || code == http.StatusBadRequest {
				o.Close()
				s.fail(w, err)
				return
			}
			s.logger.Warn("conversation server connect failed", "conversation", o.ID(), "server_id", req.ServerID, "error", err)
		}
	}

	s.mu.Lock()
	s.conversations[o.ID()] = o
	s.mu.Unlock()
	s.logger.Info("conversation created", "conversation", o.ID(), "server_id", o.ServerID())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conversationView(o, true), s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conversationView(o, true), s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.conversations, o.ID())
	s.mu.Unlock()
	o.Stop()
	o.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConversationMessage(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req MessageRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}
	if err := o.SendMessage(req.Content); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]any{"conversation_id": o.ID(), "queued": true}, s.logger)
}

func (s *Server) handleConversationStop(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	o.Stop()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, conversationView(o, false), s.logger)
}

func (s *Server) handleConversationContext(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		Context string `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	o.SetPromptContext(req.Context)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conversationView(o, true), s.logger)
}

func (s *Server) handleConversationServer(w http.ResponseWriter, r *http.Request) {
	o, ok := s.conversation(w, r)
	if !ok {
		return
	}
	var req struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := o.SelectServer(r.Context(), req.ServerID); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conversationView(o, true), s.logger)
}
