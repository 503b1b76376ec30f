package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/memfork/memfork/pkg/memory"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Description  string   `json:"description"`
		Type         string   `json:"type"`
		Objectives   []string `json:"objectives"`
		ParentBranch string   `json:"parent_branch"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	task, err := s.svc.CreateTask(r.Context(), memory.CreateTaskParams{
		Name:         req.Name,
		Description:  req.Description,
		Type:         req.Type,
		Objectives:   req.Objectives,
		ParentBranch: req.ParentBranch,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.ListTasks(r.Context(), r.URL.Query().Get("status"), 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, task)
}

func (s *Server) handleAssignAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
		Role    string `json:"role"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	branch, err := s.svc.AssignAgent(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.Role)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, branch)
}

func (s *Server) handleCompleteAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	result, err := s.svc.CompleteAgent(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Merge           bool `json:"merge"`
		RequireVerified bool `json:"require_verified"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	result, err := s.svc.CompleteTask(r.Context(), memory.CompleteTaskParams{
		TaskID:          chi.URLParam(r, "id"),
		Merge:           req.Merge,
		RequireVerified: req.RequireVerified,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentSessionID string `json:"parent_session_id"`
		Branch          string `json:"branch"`
		TaskID          string `json:"task_id"`
		AgentID         string `json:"agent_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	sess, err := s.svc.StartSession(r.Context(), memory.StartSessionParams{
		ParentSessionID: req.ParentSessionID,
		Branch:          req.Branch,
		TaskID:          req.TaskID,
		AgentID:         req.AgentID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.svc.EndSession(r.Context(), chi.URLParam(r, "id"), req.Summary); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Branch       string `json:"branch"`
		VerifiedOnly bool   `json:"verified_only"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	bundle, err := s.svc.CreateBundle(r.Context(), req.Name, req.Branch, req.VerifiedOnly)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, bundle)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.svc.GetBundle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, bundle)
}

func (s *Server) handleImportBundle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetBranch string `json:"target_branch"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	n, err := s.svc.ImportBundle(r.Context(), chi.URLParam(r, "id"), req.TargetBranch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceBranch   string `json:"source_branch"`
		TargetBranch   string `json:"target_branch"`
		Type           string `json:"type"`
		ContextSummary string `json:"context_summary"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	handoff, err := s.svc.CreateHandoff(r.Context(), req.SourceBranch, req.TargetBranch, req.Type, req.ContextSummary)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, handoff)
}

func (s *Server) handleGetHandoff(w http.ResponseWriter, r *http.Request) {
	handoff, err := s.svc.GetHandoff(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, handoff)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		SourceBranch string   `json:"source_branch"`
		TaskTypes    []string `json:"task_types"`
		Tags         []string `json:"tags"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	tpl, err := s.svc.SaveTemplate(r.Context(), req.Name, req.SourceBranch, req.TaskTypes, req.Tags)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.svc.ListTemplates(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		respondErr(w, err)
		return
	}
	for _, t := range templates {
		t.Payload = ""
	}
	respond(w, http.StatusOK, map[string]any{"templates": templates})
}

func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	branch, err := s.svc.ApplyTemplate(r.Context(), chi.URLParam(r, "name"), req.Branch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, branch)
}

func (s *Server) handleDeprecateTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeprecateTemplate(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "deprecated"})
}
