package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/memory"
	"github.com/memfork/memfork/pkg/storage"
)

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string         `json:"name"`
		Parent      string         `json:"parent"`
		Description string         `json:"description"`
		Metadata    map[string]any `json:"metadata"`
		Entities    []string       `json:"entities"`
		Empty       bool           `json:"empty"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	branch, err := s.svc.CreateBranch(r.Context(), memory.CreateBranchParams{
		Name:        req.Name,
		Parent:      req.Parent,
		Description: req.Description,
		Metadata:    req.Metadata,
		Entities:    req.Entities,
		Empty:       req.Empty,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, branch)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = strings.Split(raw, ",")
	}
	branches, err := s.svc.ListBranches(r.Context(), statuses)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"branches": branches})
}

func (s *Server) handleArchiveBranch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.svc.ArchiveBranch(r.Context(), req.Name); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleDiffBranches(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source    string `json:"source"`
		Target    string `json:"target"`
		CountOnly bool   `json:"count_only"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	if req.CountOnly {
		counts, err := s.svc.DiffBranchCounts(r.Context(), req.Source, req.Target)
		if err != nil {
			respondErr(w, err)
			return
		}
		respond(w, http.StatusOK, map[string]any{"counts": counts})
		return
	}

	diff, err := s.svc.DiffBranches(r.Context(), req.Source, req.Target)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, diff)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source          string   `json:"source"`
		Target          string   `json:"target"`
		Strategy        string   `json:"strategy"`
		Conflict        string   `json:"conflict"`
		FactIDs         []string `json:"fact_ids"`
		ConversationIDs []string `json:"conversation_ids"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	result, err := s.svc.Merge(r.Context(), memory.MergeParams{
		Source:          req.Source,
		Target:          req.Target,
		Strategy:        req.Strategy,
		Conflict:        storage.ConflictPolicy(req.Conflict),
		FactIDs:         req.FactIDs,
		ConversationIDs: req.ConversationIDs,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleMergeHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.MergeHistory(r.Context(), r.URL.Query().Get("branch"), 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"merges": records})
}

func (s *Server) handleMergeGate(w http.ResponseWriter, r *http.Request) {
	branch := r.URL.Query().Get("branch")
	if branch == "" {
		respondErr(w, errkind.Invalid("branch", "branch is required"))
		return
	}
	requireVerified := r.URL.Query().Get("require_verified") != "false"

	ok, counts, err := s.svc.CanMerge(r.Context(), branch, requireVerified)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"can_merge": ok, "counts": counts})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level     string `json:"level"`
		Branch    string `json:"branch"`
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		TaskID    string `json:"task_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}

	result, err := s.svc.Consolidate(r.Context(), memory.ConsolidateParams{
		Level:     req.Level,
		Branch:    req.Branch,
		SessionID: req.SessionID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleConsolidationHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.ConsolidationHistory(r.Context(), r.URL.Query().Get("branch"), 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"consolidations": records})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		FactID string `json:"fact_id"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	result, err := s.svc.VerifyFact(r.Context(), req.Branch, req.FactID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleBatchVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	results, err := s.svc.BatchVerify(r.Context(), req.Branch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleManualVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string `json:"branch"`
		FactID string `json:"fact_id"`
		Status string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	if err := s.svc.ManualVerify(r.Context(), req.Branch, req.FactID, req.Status); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch     string `json:"branch"`
		Label      string `json:"label"`
		NativePath string `json:"native_path"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	snap, err := s.svc.CreateSnapshot(r.Context(), memory.CreateSnapshotParams{
		Branch:     req.Branch,
		Label:      req.Label,
		NativePath: req.NativePath,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	// The payload can be large; the registry row identifies it.
	snap.Payload = ""
	respond(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.ListSnapshots(r.Context(), r.URL.Query().Get("branch"), 100)
	if err != nil {
		respondErr(w, err)
		return
	}
	for _, snap := range snaps {
		snap.Payload = ""
	}
	respond(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RestoreSnapshot(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "restored"})
}

func (s *Server) handleTimeTravel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Branch string    `json:"branch"`
		At     time.Time `json:"at"`
		Query  string    `json:"query"`
		Limit  int       `json:"limit"`
	}
	if err := decode(r, &req); err != nil {
		respondErr(w, err)
		return
	}
	result, err := s.svc.TimeTravel(r.Context(), memory.TimeTravelParams{
		Branch: req.Branch,
		At:     req.At,
		Query:  req.Query,
		Limit:  req.Limit,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}
