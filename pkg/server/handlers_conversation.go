package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/model"
)

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string         `json:"session_id"`
		AgentID   string         `json:"agent_id"`
		TaskID    string         `json:"task_id"`
		Branch    string         `json:"branch"`
		Title     string         `json:"title"`
		Model     string         `json:"model"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	conv, err := s.svc.CreateConversation(r.Context(), memory.CreateConversationParams{
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		Branch:    req.Branch,
		Title:     req.Title,
		Model:     req.Model,
		Metadata:  req.Metadata,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.svc.GetConversation(r.Context(), r.URL.Query().Get("branch"), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.Messages(r.Context(), r.URL.Query().Get("branch"), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	respond(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleWriteMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role       string           `json:"role"`
		Content    string           `json:"content"`
		Thinking   string           `json:"thinking"`
		ToolCalls  []model.ToolCall `json:"tool_calls"`
		Model      string           `json:"model"`
		TokenCount int              `json:"token_count"`
		SessionID  string           `json:"session_id"`
		AgentID    string           `json:"agent_id"`
		Branch     string           `json:"branch"`
		Metadata   map[string]any   `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	msg, err := s.svc.WriteMessage(r.Context(), memory.WriteMessageParams{
		ConversationID: chi.URLParam(r, "id"),
		Role:           req.Role,
		Content:        req.Content,
		Thinking:       req.Thinking,
		ToolCalls:      req.ToolCalls,
		Model:          req.Model,
		TokenCount:     req.TokenCount,
		SessionID:      req.SessionID,
		AgentID:        req.AgentID,
		Branch:         req.Branch,
		Metadata:       req.Metadata,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, msg)
}

func (s *Server) handleForkConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		AtSeq  int    `json:"at_seq"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	fork, err := s.svc.ForkConversation(r.Context(), req.Branch, chi.URLParam(r, "id"), req.AtSeq)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, fork)
}

func (s *Server) handleCherryPickConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch       string `json:"branch"`
		TargetBranch string `json:"target_branch"`
		FromSeq      int    `json:"from_seq"`
		ToSeq        int    `json:"to_seq"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	conv, err := s.svc.CherryPickConversation(r.Context(), req.Branch, chi.URLParam(r, "id"), req.TargetBranch, req.FromSeq, req.ToSeq)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, conv)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.svc.CloseConversation(r.Context(), req.Branch, chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleSemanticDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch        string `json:"branch"`
		ConversationA string `json:"conversation_a"`
		ConversationB string `json:"conversation_b"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	diff, err := s.svc.SemanticDiffConversations(r.Context(), req.Branch, req.ConversationA, req.ConversationB)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, diff)
}

func (s *Server) handleCreateReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch         string         `json:"branch"`
		ConversationID string         `json:"conversation_id"`
		ForkAt         int            `json:"fork_at"`
		Parameters     map[string]any `json:"parameters"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	replay, err := s.svc.CreateReplay(r.Context(), req.Branch, req.ConversationID, req.ForkAt, req.Parameters)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, replay)
}

func (s *Server) handleGetReplay(w http.ResponseWriter, r *http.Request) {
	replay, err := s.svc.GetReplay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, replay)
}

func (s *Server) handleReplayContext(w http.ResponseWriter, r *http.Request) {
	msgs, params, err := s.svc.ReplayContext(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"messages": msgs, "parameters": params})
}

func (s *Server) handleCompleteReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FinalMessageIDs []string `json:"final_message_ids"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.svc.CompleteReplay(r.Context(), chi.URLParam(r, "id"), req.FinalMessageIDs); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "completed"})
}
