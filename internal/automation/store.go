package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store is the persistence port for automations and their children.
// Implementations return the package's not-found presets for missing rows
// and ErrParentNotFound when a child's automation is gone at insert time.
type Store interface {
	CreateAutomation(ctx context.Context, a *Automation) error
	GetAutomation(ctx context.Context, id int64) (*Automation, error)
	ListAutomations(ctx context.Context, filter ListFilter) ([]Automation, error)
	UpdateAutomation(ctx context.Context, id int64, patch AutomationPatch) error
	DeleteAutomation(ctx context.Context, id int64) error
	ToggleAutomation(ctx context.Context, id int64) (enabled bool, err error)
	AutomationExists(ctx context.Context, id int64) (bool, error)

	ListTriggers(ctx context.Context, automationID int64) ([]Trigger, error)
	GetTrigger(ctx context.Context, id int64) (*Trigger, error)
	CreateTrigger(ctx context.Context, t *Trigger) error
	UpdateTrigger(ctx context.Context, t *Trigger) error
	DeleteTrigger(ctx context.Context, automationID, id int64) error

	ListConditions(ctx context.Context, automationID int64) ([]Condition, error)
	GetCondition(ctx context.Context, id int64) (*Condition, error)
	CreateCondition(ctx context.Context, c *Condition) error
	UpdateCondition(ctx context.Context, c *Condition) error
	DeleteCondition(ctx context.Context, automationID, id int64) error

	ListActions(ctx context.Context, automationID int64) ([]Action, error)
	GetAction(ctx context.Context, id int64) (*Action, error)
	CreateAction(ctx context.Context, a *Action) error
	UpdateAction(ctx context.Context, a *Action) error
	DeleteAction(ctx context.Context, automationID, id int64) error

	CreateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, automationID int64, limit int) ([]Run, error)
}

// AutomationPatch names the columns an update writes. Nil fields keep the
// stored value, so a rename never races a concurrent toggle.
type AutomationPatch struct {
	Name    *string
	Enabled *bool
	Tags    *[]string
}

// ListFilter narrows ListAutomations. Zero values match everything.
type ListFilter struct {
	Enabled *bool
	Tag     string
	Search  string // case-insensitive substring of the name
}

const (
	automationColumns = `id, name, enabled, tags, created_at, updated_at`
	gateColumns       = `id, automation_id, type, entity_id, attribute, state, time, offset_minutes, topic, payload, created_at, updated_at`
	actionColumns     = `id, automation_id, type, service, entity_id, data, topic, payload, scene_id, created_at, updated_at`
	runColumns        = `id, automation_id, trigger_id, source, status, conditions_met, actions_total,
			actions_succeeded, actions_failed, failures, triggered_at, duration_ms`

	tableTriggers   = "triggers"
	tableConditions = "conditions"
)

// SQLiteStore implements Store on SQLite. Foreign keys must be enabled on
// the connection for deletes to cascade.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a SQLite-backed store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// ─── Automations ────────────────────────────────────────────────────

// CreateAutomation inserts a and any children it carries in one
// transaction, filling in IDs and timestamps.
func (s *SQLiteStore) CreateAutomation(ctx context.Context, a *Automation) error {
	tags, err := encodeTags(a.Tags)
	if err != nil {
		return err
	}
	now := s.timestamp()
	a.CreatedAt, a.UpdatedAt = now, now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx,
		`INSERT INTO automations (name, enabled, tags, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.Name, boolToInt(a.Enabled), tags, formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting automation: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("reading automation id: %w", err)
	}

	for i := range a.Triggers {
		t := &a.Triggers[i]
		t.AutomationID, t.CreatedAt, t.UpdatedAt = a.ID, now, now
		if t.ID, err = insertGate(ctx, tx, tableTriggers, a.ID, t.Spec, now); err != nil {
			return err
		}
	}
	for i := range a.Conditions {
		c := &a.Conditions[i]
		c.AutomationID, c.CreatedAt, c.UpdatedAt = a.ID, now, now
		if c.ID, err = insertGate(ctx, tx, tableConditions, a.ID, c.Spec, now); err != nil {
			return err
		}
	}
	for i := range a.Actions {
		act := &a.Actions[i]
		act.AutomationID, act.CreatedAt, act.UpdatedAt = a.ID, now, now
		if act.ID, err = insertAction(ctx, tx, a.ID, act.Spec, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing automation: %w", err)
	}
	return nil
}

// GetAutomation loads the full aggregate.
func (s *SQLiteStore) GetAutomation(ctx context.Context, id int64) (*Automation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = ?`, id)
	a, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("querying automation: %w", err)
	}

	if a.Triggers, err = s.ListTriggers(ctx, id); err != nil {
		return nil, err
	}
	if a.Conditions, err = s.ListConditions(ctx, id); err != nil {
		return nil, err
	}
	if a.Actions, err = s.ListActions(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAutomations returns aggregates ordered by ID. Children are loaded
// with one query per table.
func (s *SQLiteStore) ListAutomations(ctx context.Context, filter ListFilter) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations`
	var args []any
	if filter.Enabled != nil {
		query += ` WHERE enabled = ?`
		args = append(args, boolToInt(*filter.Enabled))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning automation: %w", err)
		}
		if filter.Tag != "" && !containsString(a.Tags, filter.Tag) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(a.Name), search) {
			continue
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}
	if len(out) == 0 {
		return []Automation{}, nil
	}
	return out, s.attachChildren(ctx, out)
}

func (s *SQLiteStore) attachChildren(ctx context.Context, automations []Automation) error {
	index := make(map[int64]*Automation, len(automations))
	for i := range automations {
		index[automations[i].ID] = &automations[i]
	}

	triggers, err := s.queryGates(ctx, tableTriggers, `SELECT `+gateColumns+` FROM triggers ORDER BY automation_id, id`)
	if err != nil {
		return err
	}
	for _, g := range triggers {
		if a := index[g.AutomationID]; a != nil {
			a.Triggers = append(a.Triggers, Trigger(g))
		}
	}

	conditions, err := s.queryGates(ctx, tableConditions, `SELECT `+gateColumns+` FROM conditions ORDER BY automation_id, id`)
	if err != nil {
		return err
	}
	for _, g := range conditions {
		if a := index[g.AutomationID]; a != nil {
			a.Conditions = append(a.Conditions, Condition(g))
		}
	}

	actions, err := s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions ORDER BY automation_id, id`)
	if err != nil {
		return err
	}
	for _, act := range actions {
		if a := index[act.AutomationID]; a != nil {
			a.Actions = append(a.Actions, act)
		}
	}
	return nil
}

// UpdateAutomation writes name, enabled, and tags.
func (s *SQLiteStore) UpdateAutomation(ctx context.Context, id int64, patch AutomationPatch) error {
	var name, enabled, tags any
	if patch.Name != nil {
		name = *patch.Name
	}
	if patch.Enabled != nil {
		enabled = boolToInt(*patch.Enabled)
	}
	if patch.Tags != nil {
		encoded, err := encodeTags(*patch.Tags)
		if err != nil {
			return err
		}
		tags = encoded
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE automations
		 SET name = COALESCE(?, name), enabled = COALESCE(?, enabled), tags = COALESCE(?, tags), updated_at = ?
		 WHERE id = ?`,
		name, enabled, tags, formatTime(s.timestamp()), id,
	)
	if err != nil {
		return fmt.Errorf("updating automation: %w", err)
	}
	return requireAffected(res, ErrAutomationNotFound)
}

// DeleteAutomation removes the automation; its children cascade.
func (s *SQLiteStore) DeleteAutomation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}
	return requireAffected(res, ErrAutomationNotFound)
}

// ToggleAutomation flips enabled in a single statement and returns the new value.
func (s *SQLiteStore) ToggleAutomation(ctx context.Context, id int64) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`UPDATE automations SET enabled = 1 - enabled, updated_at = ? WHERE id = ? RETURNING enabled`,
		formatTime(s.timestamp()), id,
	).Scan(&enabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrAutomationNotFound
		}
		return false, fmt.Errorf("toggling automation: %w", err)
	}
	return enabled == 1, nil
}

// AutomationExists reports whether id names an automation.
func (s *SQLiteStore) AutomationExists(ctx context.Context, id int64) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM automations WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking automation: %w", err)
	}
	return exists == 1, nil
}

// ─── Triggers and conditions ────────────────────────────────────────

// gate is the shared row shape of triggers and conditions.
type gate struct {
	ID           int64
	AutomationID int64
	Spec         TriggerSpec
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *SQLiteStore) ListTriggers(ctx context.Context, automationID int64) ([]Trigger, error) {
	gates, err := s.listGates(ctx, tableTriggers, automationID)
	if err != nil {
		return nil, err
	}
	out := make([]Trigger, len(gates))
	for i, g := range gates {
		out[i] = Trigger(g)
	}
	return out, nil
}

func (s *SQLiteStore) GetTrigger(ctx context.Context, id int64) (*Trigger, error) {
	g, err := s.getGate(ctx, tableTriggers, id, ErrTriggerNotFound)
	if err != nil {
		return nil, err
	}
	t := Trigger(*g)
	return &t, nil
}

func (s *SQLiteStore) CreateTrigger(ctx context.Context, t *Trigger) error {
	now := s.timestamp()
	id, err := insertGate(ctx, s.db, tableTriggers, t.AutomationID, t.Spec, now)
	if err != nil {
		return err
	}
	t.ID, t.CreatedAt, t.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteStore) UpdateTrigger(ctx context.Context, t *Trigger) error {
	now := s.timestamp()
	if err := s.updateGate(ctx, tableTriggers, t.ID, t.AutomationID, t.Spec, now, ErrTriggerNotFound); err != nil {
		return err
	}
	t.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteTrigger(ctx context.Context, automationID, id int64) error {
	return s.deleteChild(ctx, tableTriggers, automationID, id, ErrTriggerNotFound)
}

func (s *SQLiteStore) ListConditions(ctx context.Context, automationID int64) ([]Condition, error) {
	gates, err := s.listGates(ctx, tableConditions, automationID)
	if err != nil {
		return nil, err
	}
	out := make([]Condition, len(gates))
	for i, g := range gates {
		out[i] = Condition(g)
	}
	return out, nil
}

func (s *SQLiteStore) GetCondition(ctx context.Context, id int64) (*Condition, error) {
	g, err := s.getGate(ctx, tableConditions, id, ErrConditionNotFound)
	if err != nil {
		return nil, err
	}
	c := Condition(*g)
	return &c, nil
}

func (s *SQLiteStore) CreateCondition(ctx context.Context, c *Condition) error {
	now := s.timestamp()
	id, err := insertGate(ctx, s.db, tableConditions, c.AutomationID, c.Spec, now)
	if err != nil {
		return err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteStore) UpdateCondition(ctx context.Context, c *Condition) error {
	now := s.timestamp()
	if err := s.updateGate(ctx, tableConditions, c.ID, c.AutomationID, c.Spec, now, ErrConditionNotFound); err != nil {
		return err
	}
	c.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteCondition(ctx context.Context, automationID, id int64) error {
	return s.deleteChild(ctx, tableConditions, automationID, id, ErrConditionNotFound)
}

func (s *SQLiteStore) listGates(ctx context.Context, table string, automationID int64) ([]gate, error) {
	return s.queryGates(ctx, table,
		`SELECT `+gateColumns+` FROM `+table+` WHERE automation_id = ? ORDER BY id`, automationID)
}

func (s *SQLiteStore) getGate(ctx context.Context, table string, id int64, notFound *Error) (*gate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM `+table+` WHERE id = ?`, id)
	g, err := scanGate(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	return g, nil
}

func (s *SQLiteStore) queryGates(ctx context.Context, table, query string, args ...any) ([]gate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := []gate{}
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// insertGate inserts only while the parent exists, so a concurrent
// automation delete surfaces as ErrParentNotFound instead of an orphan.
func insertGate(ctx context.Context, db execer, table string, automationID int64, spec TriggerSpec, now time.Time) (int64, error) {
	f := spec.Fields()
	res, err := db.ExecContext(ctx,
		`INSERT INTO `+table+` (automation_id, type, entity_id, attribute, state, time, offset_minutes, topic, payload, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM automations WHERE id = ?)`,
		automationID, string(f.Type),
		nullableString(f.EntityID), nullableString(f.Attribute), nullableString(f.State),
		nullableString(f.Time), nullableInt(f.Offset),
		nullableString(f.Topic), nullableString(f.Payload),
		formatTime(now), formatTime(now),
		automationID,
	)
	return insertedID(res, err, table)
}

func (s *SQLiteStore) updateGate(ctx context.Context, table string, id, automationID int64, spec TriggerSpec, now time.Time, notFound *Error) error {
	f := spec.Fields()
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET type = ?, entity_id = ?, attribute = ?, state = ?, time = ?,
			offset_minutes = ?, topic = ?, payload = ?, updated_at = ?
		WHERE id = ? AND automation_id = ?`,
		string(f.Type),
		nullableString(f.EntityID), nullableString(f.Attribute), nullableString(f.State),
		nullableString(f.Time), nullableInt(f.Offset),
		nullableString(f.Topic), nullableString(f.Payload),
		formatTime(now), id, automationID,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}
	return requireAffected(res, notFound)
}

func (s *SQLiteStore) deleteChild(ctx context.Context, table string, automationID, id int64, notFound *Error) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ? AND automation_id = ?`, id, automationID)
	if err != nil {
		return fmt.Errorf("deleting from %s: %w", table, err)
	}
	return requireAffected(res, notFound)
}

// ─── Actions ────────────────────────────────────────────────────────

// ListActions returns an automation's actions in dispatch order.
func (s *SQLiteStore) ListActions(ctx context.Context, automationID int64) ([]Action, error) {
	return s.queryActions(ctx, `SELECT `+actionColumns+` FROM actions WHERE automation_id = ? ORDER BY id`, automationID)
}

func (s *SQLiteStore) GetAction(ctx context.Context, id int64) (*Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, fmt.Errorf("querying action: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) CreateAction(ctx context.Context, a *Action) error {
	now := s.timestamp()
	id, err := insertAction(ctx, s.db, a.AutomationID, a.Spec, now)
	if err != nil {
		return err
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, now, now
	return nil
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, a *Action) error {
	f := a.Spec.Fields()
	data, err := marshalData(f.Data)
	if err != nil {
		return err
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET type = ?, service = ?, entity_id = ?, data = ?, topic = ?, payload = ?,
			scene_id = ?, updated_at = ?
		WHERE id = ? AND automation_id = ?`,
		string(f.Type), nullableString(f.Service), nullableString(f.EntityID), data,
		nullableString(f.Topic), nullableString(f.Payload), nullableString(f.SceneID),
		formatTime(now), a.ID, a.AutomationID,
	)
	if err != nil {
		return fmt.Errorf("updating action: %w", err)
	}
	if err := requireAffected(res, ErrActionNotFound); err != nil {
		return err
	}
	a.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) DeleteAction(ctx context.Context, automationID, id int64) error {
	return s.deleteChild(ctx, "actions", automationID, id, ErrActionNotFound)
}

func insertAction(ctx context.Context, db execer, automationID int64, spec ActionSpec, now time.Time) (int64, error) {
	f := spec.Fields()
	data, err := marshalData(f.Data)
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO actions (automation_id, type, service, entity_id, data, topic, payload, scene_id, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM automations WHERE id = ?)`,
		automationID, string(f.Type),
		nullableString(f.Service), nullableString(f.EntityID), data,
		nullableString(f.Topic), nullableString(f.Payload), nullableString(f.SceneID),
		formatTime(now), formatTime(now),
		automationID,
	)
	return insertedID(res, err, "actions")
}

func (s *SQLiteStore) queryActions(ctx context.Context, query string, args ...any) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying actions: %w", err)
	}
	defer rows.Close()

	out := []Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning action: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating actions: %w", err)
	}
	return out, nil
}

// ─── Runs ───────────────────────────────────────────────────────────

// CreateRun records one firing.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	failures, err := marshalFailures(run.Failures)
	if err != nil {
		return fmt.Errorf("marshalling failures: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AutomationID, nullableInt64(run.TriggerID), string(run.Source), string(run.Status),
		boolToInt(run.ConditionsMet), run.ActionsTotal, run.ActionsSucceeded, run.ActionsFailed,
		failures, formatTime(run.TriggeredAt), run.DurationMS,
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrAutomationNotFound
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs for an automation, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, automationID int64, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM automation_runs WHERE automation_id = ?
		ORDER BY triggered_at DESC, rowid DESC LIMIT ?`,
		automationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	out := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return out, nil
}

// ─── Scanning ───────────────────────────────────────────────────────

func scanAutomation(scanner rowScanner) (*Automation, error) {
	var a Automation
	var enabled int
	var tags, createdAt, updatedAt string
	if err := scanner.Scan(&a.ID, &a.Name, &enabled, &tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.Enabled = enabled == 1
	a.Tags = decodeTags(tags)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.Triggers, a.Conditions, a.Actions = []Trigger{}, []Condition{}, []Action{}
	return &a, nil
}

func scanGate(scanner rowScanner) (*gate, error) {
	var g gate
	var typ, createdAt, updatedAt string
	var entityID, attribute, state, at, topic, payload sql.NullString
	var offset sql.NullInt64
	if err := scanner.Scan(&g.ID, &g.AutomationID, &typ, &entityID, &attribute, &state, &at,
		&offset, &topic, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	f := TriggerFields{
		Type:      TriggerType(typ),
		EntityID:  stringPtr(entityID),
		Attribute: stringPtr(attribute),
		State:     stringPtr(state),
		Time:      stringPtr(at),
		Topic:     stringPtr(topic),
		Payload:   stringPtr(payload),
	}
	if offset.Valid {
		v := int(offset.Int64)
		f.Offset = &v
	}
	spec, err := buildTriggerSpec(f)
	if err != nil {
		return nil, fmt.Errorf("stored row %d is invalid: %w", g.ID, err)
	}
	g.Spec = spec
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

func scanAction(scanner rowScanner) (*Action, error) {
	var a Action
	var typ, createdAt, updatedAt string
	var service, entityID, data, topic, payload, sceneID sql.NullString
	if err := scanner.Scan(&a.ID, &a.AutomationID, &typ, &service, &entityID, &data,
		&topic, &payload, &sceneID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	f := ActionFields{
		Type:     ActionType(typ),
		Service:  stringPtr(service),
		EntityID: stringPtr(entityID),
		Topic:    stringPtr(topic),
		Payload:  stringPtr(payload),
		SceneID:  stringPtr(sceneID),
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &f.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling data for action %d: %w", a.ID, err)
		}
	}
	spec, err := buildActionSpec(f)
	if err != nil {
		return nil, fmt.Errorf("stored action %d is invalid: %w", a.ID, err)
	}
	a.Spec = spec
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func scanRun(scanner rowScanner) (*Run, error) {
	var r Run
	var triggerID sql.NullInt64
	var source, status, triggeredAt string
	var conditionsMet int
	var failures sql.NullString
	if err := scanner.Scan(&r.ID, &r.AutomationID, &triggerID, &source, &status, &conditionsMet,
		&r.ActionsTotal, &r.ActionsSucceeded, &r.ActionsFailed, &failures, &triggeredAt, &r.DurationMS); err != nil {
		return nil, err
	}
	if triggerID.Valid {
		id := triggerID.Int64
		r.TriggerID = &id
	}
	r.Source = RunSource(source)
	r.Status = RunStatus(status)
	r.ConditionsMet = conditionsMet == 1
	r.TriggeredAt = parseTime(triggeredAt)
	if failures.Valid && failures.String != "" {
		if err := json.Unmarshal([]byte(failures.String), &r.Failures); err != nil {
			return nil, fmt.Errorf("unmarshalling failures: %w", err)
		}
	}
	return &r, nil
}

// ─── SQL helpers ────────────────────────────────────────────────────

// encodeTags stores tags as a JSON array string.
func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	return string(b), nil
}

// decodeTags never fails: a corrupt column reads as no tags.
func decodeTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

func marshalData(data map[string]any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshalling data: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalFailures(failures []ActionFailure) (sql.NullString, error) {
	if len(failures) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(failures)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func insertedID(res sql.Result, err error, table string) (int64, error) {
	if err != nil {
		if isForeignKeyError(err) {
			return 0, ErrParentNotFound
		}
		return 0, fmt.Errorf("inserting into %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return 0, ErrParentNotFound
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading %s id: %w", table, err)
	}
	return id, nil
}

func requireAffected(res sql.Result, notFound *Error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isForeignKeyError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintForeignKey
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
