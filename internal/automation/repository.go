package automation

import (
	"context"
	"strconv"
)

// Observer is told about every committed change to an automation so the
// evaluator's working set tracks storage. Apply receives the reloaded
// aggregate; both calls complete before the mutating call returns.
type Observer interface {
	Apply(ctx context.Context, a *Automation)
	Remove(ctx context.Context, id int64)
}

// AuditSink records mutations. It must not fail the caller.
type AuditSink interface {
	Record(ctx context.Context, action, entityType, entityID string, details map[string]any)
}

type noopObserver struct{}

func (noopObserver) Apply(context.Context, *Automation) {}
func (noopObserver) Remove(context.Context, int64)      {}

type noopAudit struct{}

func (noopAudit) Record(context.Context, string, string, string, map[string]any) {}

// Entity types used in audit records.
const (
	entityAutomation = "automation"
	entityTrigger    = "trigger"
	entityCondition  = "condition"
	entityAction     = "action"
)

// Run history page sizes.
const (
	defaultRunLimit = 20
	maxRunLimit     = 100
)

// Repository is the CRUD façade over a Store. It validates input, checks
// parent existence and child ownership, and keeps the evaluator in sync.
//
// Nested operations resolve the parent before looking at the payload, so a
// missing automation is always PARENT_NOT_FOUND even when the body is also
// invalid.
type Repository struct {
	store          Store
	defaultEnabled bool
	observer       Observer
	audit          AuditSink
	logger         Logger
}

// NewRepository creates a Repository. defaultEnabled applies when a create
// body omits enabled.
func NewRepository(store Store, defaultEnabled bool) *Repository {
	return &Repository{
		store:          store,
		defaultEnabled: defaultEnabled,
		observer:       noopObserver{},
		audit:          noopAudit{},
		logger:         noopLogger{},
	}
}

// SetObserver registers the evaluator to notify on changes.
func (r *Repository) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	r.observer = o
}

// SetAuditSink registers where mutations are recorded.
func (r *Repository) SetAuditSink(a AuditSink) {
	if a == nil {
		a = noopAudit{}
	}
	r.audit = a
}

// SetLogger sets the logger for the repository.
func (r *Repository) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// ─── Automations ────────────────────────────────────────────────────

// ValidateAutomationInput checks a create body, including nested children,
// and returns the automation to insert.
func (r *Repository) ValidateAutomationInput(in AutomationInput) (*Automation, error) {
	if in.Name == nil {
		return nil, validationError(CodeInvalidName, "name is required")
	}
	name, err := ValidateName(*in.Name)
	if err != nil {
		return nil, err
	}
	a := &Automation{
		Name:       name,
		Enabled:    r.defaultEnabled,
		Tags:       []string{},
		Triggers:   []Trigger{},
		Conditions: []Condition{},
		Actions:    []Action{},
	}
	if in.Enabled != nil {
		a.Enabled = *in.Enabled
	}
	if in.Tags != nil {
		if a.Tags, err = NormalizeTags(*in.Tags); err != nil {
			return nil, err
		}
	}
	for i, t := range in.Triggers {
		spec, err := ValidateTriggerCreate(t)
		if err != nil {
			return nil, indexed(err, "triggers", i)
		}
		a.Triggers = append(a.Triggers, Trigger{Spec: spec})
	}
	for i, c := range in.Conditions {
		spec, err := ValidateTriggerCreate(c)
		if err != nil {
			return nil, indexed(err, "conditions", i)
		}
		a.Conditions = append(a.Conditions, Condition{Spec: spec})
	}
	for i, act := range in.Actions {
		spec, err := ValidateActionCreate(act)
		if err != nil {
			return nil, indexed(err, "actions", i)
		}
		a.Actions = append(a.Actions, Action{Spec: spec})
	}
	return a, nil
}

// indexed points a nested validation error at its position in the body.
func indexed(err error, field string, i int) error {
	e := AsError(err)
	cpy := *e
	cpy.Details = map[string]any{"field": field, "index": i}
	for k, v := range e.Details {
		cpy.Details[k] = v
	}
	return &cpy
}

// Create validates and stores a new automation with any nested children.
func (r *Repository) Create(ctx context.Context, in AutomationInput) (*Automation, error) {
	a, err := r.ValidateAutomationInput(in)
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateAutomation(ctx, a); err != nil {
		return nil, internalError("creating automation", err)
	}

	r.logger.Info("automation created", "automation_id", a.ID, "name", a.Name, "enabled", a.Enabled)
	r.audit.Record(ctx, "create", entityAutomation, idString(a.ID), map[string]any{"name": a.Name})
	r.observer.Apply(ctx, a.DeepCopy())
	return a, nil
}

// Get returns the full aggregate.
func (r *Repository) Get(ctx context.Context, id int64) (*Automation, error) {
	a, err := r.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, internalError("loading automation", err)
	}
	return a, nil
}

// List returns automations matching filter, each with its children.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Automation, error) {
	list, err := r.store.ListAutomations(ctx, filter)
	if err != nil {
		return nil, internalError("listing automations", err)
	}
	return list, nil
}

// Update applies a partial patch to name, enabled, and tags. Nested
// children in the patch are ignored; they have their own endpoints. Only
// the fields present in the patch are written.
func (r *Repository) Update(ctx context.Context, id int64, patch AutomationInput) (*Automation, error) {
	if err := r.requireAutomation(ctx, id, ErrAutomationNotFound); err != nil {
		return nil, err
	}

	var p AutomationPatch
	if patch.Name != nil {
		name, err := ValidateName(*patch.Name)
		if err != nil {
			return nil, err
		}
		p.Name = &name
	}
	if patch.Tags != nil {
		tags, err := NormalizeTags(*patch.Tags)
		if err != nil {
			return nil, err
		}
		p.Tags = &tags
	}
	p.Enabled = patch.Enabled

	if err := r.store.UpdateAutomation(ctx, id, p); err != nil {
		return nil, internalError("updating automation", err)
	}
	r.audit.Record(ctx, "update", entityAutomation, idString(id), nil)
	return r.reload(ctx, id)
}

// Delete removes an automation and its children and returns what was removed.
func (r *Repository) Delete(ctx context.Context, id int64) (*Automation, error) {
	a, err := r.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, internalError("loading automation", err)
	}
	if err := r.store.DeleteAutomation(ctx, id); err != nil {
		return nil, internalError("deleting automation", err)
	}

	r.logger.Info("automation deleted", "automation_id", id)
	r.audit.Record(ctx, "delete", entityAutomation, idString(id), map[string]any{"name": a.Name})
	r.observer.Remove(ctx, id)
	return a, nil
}

// ListRuns returns recent execution history for an automation, newest first.
// limit defaults to 20 and is capped at 100.
func (r *Repository) ListRuns(ctx context.Context, automationID int64, limit int) ([]Run, error) {
	if err := r.requireAutomation(ctx, automationID, ErrAutomationNotFound); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultRunLimit
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	runs, err := r.store.ListRuns(ctx, automationID, limit)
	if err != nil {
		return nil, internalError("listing runs", err)
	}
	return runs, nil
}

// reload fetches the committed aggregate and hands it to the observer.
func (r *Repository) reload(ctx context.Context, id int64) (*Automation, error) {
	a, err := r.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, internalError("reloading automation", err)
	}
	r.observer.Apply(ctx, a.DeepCopy())
	return a, nil
}

// requireAutomation fails with missing when id does not exist.
func (r *Repository) requireAutomation(ctx context.Context, id int64, missing *Error) error {
	ok, err := r.store.AutomationExists(ctx, id)
	if err != nil {
		return internalError("checking automation", err)
	}
	if !ok {
		return missing
	}
	return nil
}

// RequireParent fails with PARENT_NOT_FOUND when automationID does not
// exist. Callers use it to resolve the parent before reading a child body.
func (r *Repository) RequireParent(ctx context.Context, automationID int64) error {
	return r.requireAutomation(ctx, automationID, ErrParentNotFound)
}

// afterChildChange audits a child mutation and re-arms the parent.
func (r *Repository) afterChildChange(ctx context.Context, action, entityType string, automationID, childID int64) {
	r.audit.Record(ctx, action, entityType, idString(childID), map[string]any{"automationId": automationID})
	if _, err := r.reload(ctx, automationID); err != nil {
		r.logger.Warn("failed to refresh automation after child change",
			"automation_id", automationID, "error", err)
	}
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ─── Triggers ───────────────────────────────────────────────────────

// ListTriggers returns the triggers of an automation.
func (r *Repository) ListTriggers(ctx context.Context, automationID int64) ([]Trigger, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	list, err := r.store.ListTriggers(ctx, automationID)
	if err != nil {
		return nil, internalError("listing triggers", err)
	}
	return list, nil
}

// GetTrigger returns one trigger owned by automationID.
func (r *Repository) GetTrigger(ctx context.Context, automationID, id int64) (*Trigger, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	return r.ownedTrigger(ctx, automationID, id)
}

// CreateTrigger validates in and attaches it to automationID.
func (r *Repository) CreateTrigger(ctx context.Context, automationID int64, in TriggerInput) (*Trigger, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	spec, err := ValidateTriggerCreate(in)
	if err != nil {
		return nil, err
	}
	t := &Trigger{AutomationID: automationID, Spec: spec}
	if err := r.store.CreateTrigger(ctx, t); err != nil {
		return nil, internalError("creating trigger", err)
	}
	r.afterChildChange(ctx, "create", entityTrigger, automationID, t.ID)
	return t, nil
}

// UpdateTrigger merges in onto the stored trigger and validates the result.
func (r *Repository) UpdateTrigger(ctx context.Context, automationID, id int64, in TriggerInput) (*Trigger, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	t, err := r.ownedTrigger(ctx, automationID, id)
	if err != nil {
		return nil, err
	}
	if t.Spec, err = ValidateTriggerUpdate(t.Spec, in); err != nil {
		return nil, err
	}
	if err := r.store.UpdateTrigger(ctx, t); err != nil {
		return nil, internalError("updating trigger", err)
	}
	r.afterChildChange(ctx, "update", entityTrigger, automationID, id)
	return t, nil
}

// DeleteTrigger removes a trigger owned by automationID.
func (r *Repository) DeleteTrigger(ctx context.Context, automationID, id int64) error {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return err
	}
	if _, err := r.ownedTrigger(ctx, automationID, id); err != nil {
		return err
	}
	if err := r.store.DeleteTrigger(ctx, automationID, id); err != nil {
		return internalError("deleting trigger", err)
	}
	r.afterChildChange(ctx, "delete", entityTrigger, automationID, id)
	return nil
}

// RequireTrigger resolves the parent and checks that the trigger belongs to it.
func (r *Repository) RequireTrigger(ctx context.Context, automationID, id int64) error {
	if err := r.RequireParent(ctx, automationID); err != nil {
		return err
	}
	_, err := r.ownedTrigger(ctx, automationID, id)
	return err
}

func (r *Repository) ownedTrigger(ctx context.Context, automationID, id int64) (*Trigger, error) {
	t, err := r.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, internalError("loading trigger", err)
	}
	if t.AutomationID != automationID {
		return nil, notOwnedError(entityTrigger, id, automationID)
	}
	return t, nil
}

// ─── Conditions ─────────────────────────────────────────────────────

// ListConditions returns the conditions of an automation.
func (r *Repository) ListConditions(ctx context.Context, automationID int64) ([]Condition, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	list, err := r.store.ListConditions(ctx, automationID)
	if err != nil {
		return nil, internalError("listing conditions", err)
	}
	return list, nil
}

// GetCondition returns one condition owned by automationID.
func (r *Repository) GetCondition(ctx context.Context, automationID, id int64) (*Condition, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	return r.ownedCondition(ctx, automationID, id)
}

// CreateCondition validates in and attaches it to automationID.
func (r *Repository) CreateCondition(ctx context.Context, automationID int64, in TriggerInput) (*Condition, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	spec, err := ValidateTriggerCreate(in)
	if err != nil {
		return nil, err
	}
	c := &Condition{AutomationID: automationID, Spec: spec}
	if err := r.store.CreateCondition(ctx, c); err != nil {
		return nil, internalError("creating condition", err)
	}
	r.afterChildChange(ctx, "create", entityCondition, automationID, c.ID)
	return c, nil
}

// UpdateCondition merges in onto the stored condition and validates the result.
func (r *Repository) UpdateCondition(ctx context.Context, automationID, id int64, in TriggerInput) (*Condition, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	c, err := r.ownedCondition(ctx, automationID, id)
	if err != nil {
		return nil, err
	}
	if c.Spec, err = ValidateTriggerUpdate(c.Spec, in); err != nil {
		return nil, err
	}
	if err := r.store.UpdateCondition(ctx, c); err != nil {
		return nil, internalError("updating condition", err)
	}
	r.afterChildChange(ctx, "update", entityCondition, automationID, id)
	return c, nil
}

// DeleteCondition removes a condition owned by automationID.
func (r *Repository) DeleteCondition(ctx context.Context, automationID, id int64) error {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return err
	}
	if _, err := r.ownedCondition(ctx, automationID, id); err != nil {
		return err
	}
	if err := r.store.DeleteCondition(ctx, automationID, id); err != nil {
		return internalError("deleting condition", err)
	}
	r.afterChildChange(ctx, "delete", entityCondition, automationID, id)
	return nil
}

// RequireCondition resolves the parent and checks that the condition belongs to it.
func (r *Repository) RequireCondition(ctx context.Context, automationID, id int64) error {
	if err := r.RequireParent(ctx, automationID); err != nil {
		return err
	}
	_, err := r.ownedCondition(ctx, automationID, id)
	return err
}

func (r *Repository) ownedCondition(ctx context.Context, automationID, id int64) (*Condition, error) {
	c, err := r.store.GetCondition(ctx, id)
	if err != nil {
		return nil, internalError("loading condition", err)
	}
	if c.AutomationID != automationID {
		return nil, notOwnedError(entityCondition, id, automationID)
	}
	return c, nil
}

// ─── Actions ────────────────────────────────────────────────────────

// ListActions returns the actions of an automation in dispatch order.
func (r *Repository) ListActions(ctx context.Context, automationID int64) ([]Action, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	list, err := r.store.ListActions(ctx, automationID)
	if err != nil {
		return nil, internalError("listing actions", err)
	}
	return list, nil
}

// GetAction returns one action owned by automationID.
func (r *Repository) GetAction(ctx context.Context, automationID, id int64) (*Action, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	return r.ownedAction(ctx, automationID, id)
}

// CreateAction validates in and appends it to automationID's actions.
func (r *Repository) CreateAction(ctx context.Context, automationID int64, in ActionInput) (*Action, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	spec, err := ValidateActionCreate(in)
	if err != nil {
		return nil, err
	}
	a := &Action{AutomationID: automationID, Spec: spec}
	if err := r.store.CreateAction(ctx, a); err != nil {
		return nil, internalError("creating action", err)
	}
	r.afterChildChange(ctx, "create", entityAction, automationID, a.ID)
	return a, nil
}

// UpdateAction merges in onto the stored action and validates the result.
func (r *Repository) UpdateAction(ctx context.Context, automationID, id int64, in ActionInput) (*Action, error) {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return nil, err
	}
	a, err := r.ownedAction(ctx, automationID, id)
	if err != nil {
		return nil, err
	}
	if a.Spec, err = ValidateActionUpdate(a.Spec, in); err != nil {
		return nil, err
	}
	if err := r.store.UpdateAction(ctx, a); err != nil {
		return nil, internalError("updating action", err)
	}
	r.afterChildChange(ctx, "update", entityAction, automationID, id)
	return a, nil
}

// DeleteAction removes an action owned by automationID.
func (r *Repository) DeleteAction(ctx context.Context, automationID, id int64) error {
	if err := r.requireAutomation(ctx, automationID, ErrParentNotFound); err != nil {
		return err
	}
	if _, err := r.ownedAction(ctx, automationID, id); err != nil {
		return err
	}
	if err := r.store.DeleteAction(ctx, automationID, id); err != nil {
		return internalError("deleting action", err)
	}
	r.afterChildChange(ctx, "delete", entityAction, automationID, id)
	return nil
}

// RequireAction resolves the parent and checks that the action belongs to it.
func (r *Repository) RequireAction(ctx context.Context, automationID, id int64) error {
	if err := r.RequireParent(ctx, automationID); err != nil {
		return err
	}
	_, err := r.ownedAction(ctx, automationID, id)
	return err
}

func (r *Repository) ownedAction(ctx context.Context, automationID, id int64) (*Action, error) {
	a, err := r.store.GetAction(ctx, id)
	if err != nil {
		return nil, internalError("loading action", err)
	}
	if a.AutomationID != automationID {
		return nil, notOwnedError(entityAction, id, automationID)
	}
	return a, nil
}
