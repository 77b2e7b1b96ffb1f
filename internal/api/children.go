package api

import (
	"context"
	"net/http"

	"github.com/nerrad567/homedash-core/internal/automation"
)

// Triggers, conditions, and actions share one handler shape: the parent
// comes from {id}, the child from {childId}, and ownership is enforced by
// the repository. Create and update resolve the parent and the child
// before the body is decoded, so a missing parent or a foreign child is a
// 404 whatever the payload looks like.

func listChildren[T any](s *Server, w http.ResponseWriter, r *http.Request, key string,
	list func(context.Context, int64) ([]T, error)) {
	automationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	items, err := list(r.Context(), automationID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{key: items, "count": len(items)})
}

func getChild[T any](s *Server, w http.ResponseWriter, r *http.Request,
	get func(context.Context, int64, int64) (*T, error)) {
	automationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "childId")
	if !ok {
		return
	}
	item, err := get(r.Context(), automationID, id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func createChild[T, In any](s *Server, w http.ResponseWriter, r *http.Request,
	create func(context.Context, int64, In) (*T, error)) {
	automationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.repo.RequireParent(r.Context(), automationID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var in In
	if !decodeBody(w, r, &in) {
		return
	}
	item, err := create(r.Context(), automationID, in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func updateChild[T, In any](s *Server, w http.ResponseWriter, r *http.Request,
	resolve func(context.Context, int64, int64) error,
	update func(context.Context, int64, int64, In) (*T, error)) {
	automationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "childId")
	if !ok {
		return
	}
	if err := resolve(r.Context(), automationID, id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	var in In
	if !decodeBody(w, r, &in) {
		return
	}
	item, err := update(r.Context(), automationID, id, in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func deleteChild(s *Server, w http.ResponseWriter, r *http.Request,
	del func(context.Context, int64, int64) error) {
	automationID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	id, ok := pathID(w, r, "childId")
	if !ok {
		return
	}
	if err := del(r.Context(), automationID, id); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Triggers ───────────────────────────────────────────────────────

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	listChildren(s, w, r, "triggers", s.repo.ListTriggers)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	getChild(s, w, r, s.repo.GetTrigger)
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	createChild[automation.Trigger, automation.TriggerInput](s, w, r, s.repo.CreateTrigger)
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	updateChild[automation.Trigger, automation.TriggerInput](s, w, r, s.repo.RequireTrigger, s.repo.UpdateTrigger)
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	deleteChild(s, w, r, s.repo.DeleteTrigger)
}

// ─── Conditions ─────────────────────────────────────────────────────

func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	listChildren(s, w, r, "conditions", s.repo.ListConditions)
}

func (s *Server) handleGetCondition(w http.ResponseWriter, r *http.Request) {
	getChild(s, w, r, s.repo.GetCondition)
}

func (s *Server) handleCreateCondition(w http.ResponseWriter, r *http.Request) {
	createChild[automation.Condition, automation.TriggerInput](s, w, r, s.repo.CreateCondition)
}

func (s *Server) handleUpdateCondition(w http.ResponseWriter, r *http.Request) {
	updateChild[automation.Condition, automation.TriggerInput](s, w, r, s.repo.RequireCondition, s.repo.UpdateCondition)
}

func (s *Server) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	deleteChild(s, w, r, s.repo.DeleteCondition)
}

// ─── Actions ────────────────────────────────────────────────────────

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	listChildren(s, w, r, "actions", s.repo.ListActions)
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	getChild(s, w, r, s.repo.GetAction)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	createChild[automation.Action, automation.ActionInput](s, w, r, s.repo.CreateAction)
}

func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	updateChild[automation.Action, automation.ActionInput](s, w, r, s.repo.RequireAction, s.repo.UpdateAction)
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	deleteChild(s, w, r, s.repo.DeleteAction)
}
