package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/memfork/memfork/pkg/errkind"
	"github.com/memfork/memfork/pkg/model"
	"github.com/memfork/memfork/pkg/storage"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskCompleted = "completed"
)

var slugCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// taskSlug derives the branch segment from a task name.
func taskSlug(name string) string {
	slug := slugCleaner.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(slug, "-")
}

// CreateTaskParams configures a task.
type CreateTaskParams struct {
	Name         string
	Description  string
	Type         string
	Objectives   []string
	ParentBranch string // defaults to root
}

// CreateTask creates a task and its task branch (task/<slug>) forked from
// the parent branch.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*model.Task, error) {
	if p.Name == "" {
		return nil, errkind.Invalid("name", "task name must not be empty")
	}
	slug := taskSlug(p.Name)
	if slug == "" {
		return nil, errkind.Invalid("name", "task name yields an empty slug")
	}
	if p.ParentBranch == "" {
		p.ParentBranch = s.root
	}

	branchName := "task/" + slug
	branch, err := s.CreateBranch(ctx, CreateBranchParams{
		Name:        branchName,
		Parent:      p.ParentBranch,
		Description: fmt.Sprintf("task branch for %q", p.Name),
		Metadata:    map[string]any{"purpose": "task"},
	})
	if err != nil {
		return nil, err
	}

	objectives := make([]model.Objective, len(p.Objectives))
	for i, desc := range p.Objectives {
		objectives[i] = model.Objective{Description: desc, Status: model.ObjectiveTodo}
	}

	now := s.now()
	task := &model.Task{
		ID:           uuid.NewString(),
		Name:         p.Name,
		Description:  p.Description,
		Type:         p.Type,
		Objectives:   objectives,
		ParentBranch: p.ParentBranch,
		Branch:       branch.Name,
		Status:       TaskActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask fetches a task.
func (s *Service) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks lists tasks, optionally by status.
func (s *Service) ListTasks(ctx context.Context, status string, limit int) ([]*model.Task, error) {
	return s.store.ListTasks(ctx, status, limit)
}

// AssignAgent creates the agent's sub-branch (task/<slug>/<agent>) under
// the task branch and claims the first unclaimed todo objective, if any,
// for the agent. The role is recorded in the branch metadata only.
func (s *Service) AssignAgent(ctx context.Context, taskID, agentID, role string) (*model.Branch, error) {
	if agentID == "" {
		return nil, errkind.Invalid("agent_id", "agent id must not be empty")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskActive {
		return nil, errkind.Newf(errkind.KindPreconditionFailed, "task %q is not active", taskID)
	}

	branch, err := s.CreateBranch(ctx, CreateBranchParams{
		Name:        task.Branch + "/" + taskSlug(agentID),
		Parent:      task.Branch,
		Description: fmt.Sprintf("agent %s on task %s", agentID, task.Name),
		Metadata:    map[string]any{"purpose": "agent", "agent_id": agentID, "role": role},
	})
	if err != nil {
		return nil, err
	}

	claimed := false
	for i := range task.Objectives {
		if task.Objectives[i].Status == model.ObjectiveTodo && task.Objectives[i].AgentID == "" {
			task.Objectives[i].Status = model.ObjectiveActive
			task.Objectives[i].AgentID = agentID
			claimed = true
			break
		}
	}
	if claimed {
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}
	return branch, nil
}

// CompleteAgent runs agent-level consolidation on the agent's sub-branch
// and marks the agent's objectives done.
func (s *Service) CompleteAgent(ctx context.Context, taskID, agentID string) (*ConsolidateResult, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	agentBranch := task.Branch + "/" + taskSlug(agentID)
	result, err := s.Consolidate(ctx, ConsolidateParams{
		Level:   LevelAgent,
		Branch:  agentBranch,
		AgentID: agentID,
	})
	if err != nil {
		return nil, err
	}

	changed := false
	for i := range task.Objectives {
		if task.Objectives[i].AgentID == agentID && task.Objectives[i].Status == model.ObjectiveActive {
			task.Objectives[i].Status = model.ObjectiveDone
			changed = true
		}
	}
	if changed {
		if err := s.store.UpdateTask(ctx, task); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// CompleteTaskParams configures task completion.
type CompleteTaskParams struct {
	TaskID string

	// Merge promotes the task branch into its parent after consolidation.
	Merge bool

	// RequireVerified enforces the merge gate strictly: every fact must
	// be verified, not merely non-invalidated.
	RequireVerified bool
}

// CompleteTaskResult reports the completion.
type CompleteTaskResult struct {
	Task          *model.Task        `json:"task"`
	Consolidation *ConsolidateResult `json:"consolidation"`
	Merge         *MergeResult       `json:"merge,omitempty"`
	Gate          *GateCounts        `json:"gate,omitempty"`
}

// CompleteTask runs task-level consolidation and, when requested, merges
// the task branch into its parent. The merge gate is consulted first; a
// failing gate aborts the merge with PreconditionFailed.
func (s *Service) CompleteTask(ctx context.Context, p CompleteTaskParams) (*CompleteTaskResult, error) {
	task, err := s.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status == TaskCompleted {
		return nil, errkind.Newf(errkind.KindPreconditionFailed, "task %q already completed", p.TaskID)
	}

	consolidation, err := s.Consolidate(ctx, ConsolidateParams{
		Level:  LevelTask,
		Branch: task.Branch,
		TaskID: task.ID,
	})
	if err != nil {
		return nil, err
	}

	result := &CompleteTaskResult{Task: task, Consolidation: consolidation}

	if p.Merge {
		ok, counts, err := s.CanMerge(ctx, task.Branch, p.RequireVerified)
		if err != nil {
			return nil, err
		}
		result.Gate = &counts
		if !ok {
			return nil, errkind.Newf(errkind.KindPreconditionFailed,
				"merge gate rejected %s: %d unverified, %d invalidated",
				task.Branch, counts.Unverified, counts.Invalidated)
		}
		merge, err := s.Merge(ctx, MergeParams{
			Source:   task.Branch,
			Target:   task.ParentBranch,
			Strategy: StrategyAuto,
		})
		if err != nil {
			return nil, err
		}
		result.Merge = merge
	}

	task.Status = TaskCompleted
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	result.Task = task
	return result, nil
}

// ---------------------------------------------------------------------------
// session lifecycle

// StartSessionParams configures a session.
type StartSessionParams struct {
	ParentSessionID string
	Branch          string
	TaskID          string
	AgentID         string
}

// StartSession opens a session on a branch.
func (s *Service) StartSession(ctx context.Context, p StartSessionParams) (*model.Session, error) {
	branch, err := s.resolveWriteBranch(ctx, p.Branch)
	if err != nil {
		return nil, err
	}

	sess := &model.Session{
		ID:              uuid.NewString(),
		ParentSessionID: p.ParentSessionID,
		Branch:          branch,
		TaskID:          p.TaskID,
		AgentID:         p.AgentID,
		Status:          "active",
		StartedAt:       s.now(),
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession fetches a session.
func (s *Service) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// EndSession closes a session with a summary.
func (s *Service) EndSession(ctx context.Context, id, summary string) error {
	return s.store.EndSession(ctx, id, summary)
}

// ---------------------------------------------------------------------------
// analytics

// BranchStats summarizes one branch.
type BranchStats struct {
	Branch         string         `json:"branch"`
	EntityCounts   map[string]int `json:"entity_counts"`
	Verification   map[string]int `json:"verification"`
	Categories     map[string]int `json:"categories"`
	MeanConfidence float64        `json:"mean_confidence"`
}

// Stats computes per-entity row counts and fact histograms for a branch.
func (s *Service) Stats(ctx context.Context, branch string) (*BranchStats, error) {
	branch, err := s.resolveReadBranch(ctx, branch)
	if err != nil {
		return nil, err
	}

	stats := &BranchStats{
		Branch:       branch,
		EntityCounts: make(map[string]int),
		Verification: make(map[string]int),
		Categories:   make(map[string]int),
	}

	for _, entity := range model.BranchEntities {
		table := s.table(entity, branch)
		ok, err := s.store.TableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		n, err := s.store.RowCount(ctx, table)
		if err != nil {
			return nil, err
		}
		stats.EntityCounts[entity] = n
	}

	facts, err := s.store.ListFacts(ctx, s.table(model.EntityFacts, branch), storage.FactFilter{Status: model.FactActive})
	if err != nil {
		return nil, err
	}
	sum := 0.0
	for _, f := range facts {
		stats.Verification[f.VerificationStatus()]++
		stats.Categories[f.Category]++
		sum += f.Confidence
	}
	if len(facts) > 0 {
		stats.MeanConfidence = sum / float64(len(facts))
	}
	return stats, nil
}
