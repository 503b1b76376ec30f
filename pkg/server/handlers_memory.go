package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/model"
)

func (s *Server) handleWriteFact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string         `json:"text"`
		Category    string         `json:"category"`
		Confidence  float64        `json:"confidence"`
		Branch      string         `json:"branch"`
		SourceType  string         `json:"source_type"`
		SourceID    string         `json:"source_id"`
		SessionID   string         `json:"session_id"`
		TaskID      string         `json:"task_id"`
		AgentID     string         `json:"agent_id"`
		Metadata    map[string]any `json:"metadata"`
		SupersedeID string         `json:"supersede_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	fact, err := s.svc.WriteFact(r.Context(), memory.WriteFactParams{
		Text:        req.Text,
		Category:    req.Category,
		Confidence:  req.Confidence,
		Branch:      req.Branch,
		SourceType:  req.SourceType,
		SourceID:    req.SourceID,
		SessionID:   req.SessionID,
		TaskID:      req.TaskID,
		AgentID:     req.AgentID,
		Metadata:    req.Metadata,
		SupersedeID: req.SupersedeID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, fact)
}

func (s *Server) handleGetFact(w http.ResponseWriter, r *http.Request) {
	fact, err := s.svc.GetFact(r.Context(), r.URL.Query().Get("branch"), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, fact)
}

func (s *Server) handleWriteObservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Type      string `json:"type"`
		ToolName  string `json:"tool_name"`
		Summary   string `json:"summary"`
		RawInput  string `json:"raw_input"`
		RawOutput string `json:"raw_output"`
		Outcome   string `json:"outcome"`
		Branch    string `json:"branch"`
		TaskID    string `json:"task_id"`
		AgentID   string `json:"agent_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	obs, err := s.svc.WriteObservation(r.Context(), memory.WriteObservationParams{
		SessionID: req.SessionID,
		Type:      req.Type,
		ToolName:  req.ToolName,
		Summary:   req.Summary,
		RawInput:  req.RawInput,
		RawOutput: req.RawOutput,
		Outcome:   req.Outcome,
		Branch:    req.Branch,
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, obs)
}

func (s *Server) handleWriteRelation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceEntity string         `json:"source_entity"`
		TargetEntity string         `json:"target_entity"`
		Type         string         `json:"type"`
		Properties   map[string]any `json:"properties"`
		Confidence   float64        `json:"confidence"`
		Branch       string         `json:"branch"`
		ValidFrom    *time.Time     `json:"valid_from"`
		ValidTo      *time.Time     `json:"valid_to"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	rel, err := s.svc.WriteRelation(r.Context(), memory.WriteRelationParams{
		SourceEntity: req.SourceEntity,
		TargetEntity: req.TargetEntity,
		Type:         req.Type,
		Properties:   req.Properties,
		Confidence:   req.Confidence,
		Branch:       req.Branch,
		ValidFrom:    req.ValidFrom,
		ValidTo:      req.ValidTo,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, rel)
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		Limit  int    `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	n, err := s.svc.BackfillEmbeddings(r.Context(), req.Branch, req.Limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"backfilled": n})
}

type searchRequest struct {
	Query         string `json:"query"`
	Branch        string `json:"branch"`
	Category      string `json:"category"`
	Limit         int    `json:"limit"`
	Mode          string `json:"mode"`
	TimeWindowSec int    `json:"time_window_seconds"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	results, err := s.svc.Search(r.Context(), memory.SearchParams{
		Query:      req.Query,
		Branch:     req.Branch,
		Category:   req.Category,
		Limit:      req.Limit,
		Mode:       req.Mode,
		TimeWindow: time.Duration(req.TimeWindowSec) * time.Second,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSearchCrossBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query    string   `json:"query"`
		Branches []string `json:"branches"`
		Limit    int      `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	results, err := s.svc.SearchCrossBranch(r.Context(), req.Query, req.Branches, req.Limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleSearchObservations(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	results, err := s.svc.SearchObservations(r.Context(), req.Query, req.Branch, req.Limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	scores, err := s.svc.Scores(r.Context(), r.URL.Query().Get("target_type"), r.URL.Query().Get("target_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if scores == nil {
		scores = []*model.Score{}
	}
	respond(w, http.StatusOK, map[string]any{"scores": scores})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context(), r.URL.Query().Get("branch"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, stats)
}
