package automation

import (
	"encoding/json"
	"time"
)

// Automation is a named, toggleable rule with its triggers, conditions,
// and actions. Children are ordered by ID.
type Automation struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Enabled    bool        `json:"enabled"`
	Tags       []string    `json:"tags"`
	Triggers   []Trigger   `json:"triggers"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// TriggerType names a trigger or condition variant.
type TriggerType string

const (
	TypeEntityState   TriggerType = "entity_state"
	TypeTime          TriggerType = "time"
	TypeSunriseSunset TriggerType = "sunrise_sunset"
	TypeMQTT          TriggerType = "mqtt"
	TypeZWave         TriggerType = "zwave"
)

// TriggerTypes returns the closed set of trigger and condition types.
func TriggerTypes() []TriggerType {
	return []TriggerType{TypeEntityState, TypeTime, TypeSunriseSunset, TypeMQTT, TypeZWave}
}

// ActionType names an action variant.
type ActionType string

const (
	ActionServiceCall ActionType = "service_call"
	ActionMQTT        ActionType = "mqtt"
	ActionScene       ActionType = "scene"
	ActionLocalDevice ActionType = "local_device"
)

// ActionTypes returns the closed set of action types.
func ActionTypes() []ActionType {
	return []ActionType{ActionServiceCall, ActionMQTT, ActionScene, ActionLocalDevice}
}

// SolarEvent selects sunrise or sunset for a sunrise_sunset trigger.
type SolarEvent string

const (
	Sunrise SolarEvent = "sunrise"
	Sunset  SolarEvent = "sunset"
)

// ─── Trigger and condition variants ─────────────────────────────────

// TriggerSpec is the validated body of a trigger or condition. Each
// variant carries exactly the fields its type uses; construct them
// through the Validate* functions.
type TriggerSpec interface {
	Type() TriggerType
	Fields() TriggerFields
	isTriggerSpec()
}

// EntityStateSpec matches a backend entity's state or one of its attributes.
type EntityStateSpec struct {
	EntityID  string
	Attribute *string
	State     *string
}

// TimeSpec matches a wall-clock minute, "HH:MM" in the site timezone.
type TimeSpec struct {
	At string
}

// SolarSpec matches sunrise or sunset shifted by Offset minutes.
type SolarSpec struct {
	Event  SolarEvent
	Offset int
}

// MQTTSpec matches a message on Topic, optionally with an exact payload.
type MQTTSpec struct {
	Topic   string
	Payload *string
}

// ZWaveSpec matches a Z-Wave node event for EntityID.
type ZWaveSpec struct {
	EntityID  string
	Attribute *string
	State     *string
}

func (EntityStateSpec) Type() TriggerType { return TypeEntityState }
func (TimeSpec) Type() TriggerType        { return TypeTime }
func (SolarSpec) Type() TriggerType       { return TypeSunriseSunset }
func (MQTTSpec) Type() TriggerType        { return TypeMQTT }
func (ZWaveSpec) Type() TriggerType       { return TypeZWave }

func (EntityStateSpec) isTriggerSpec() {}
func (TimeSpec) isTriggerSpec()        {}
func (SolarSpec) isTriggerSpec()       {}
func (MQTTSpec) isTriggerSpec()        {}
func (ZWaveSpec) isTriggerSpec()       {}

func (s EntityStateSpec) Fields() TriggerFields {
	return TriggerFields{Type: TypeEntityState, EntityID: &s.EntityID, Attribute: s.Attribute, State: s.State}
}

func (s TimeSpec) Fields() TriggerFields {
	return TriggerFields{Type: TypeTime, Time: &s.At}
}

func (s SolarSpec) Fields() TriggerFields {
	event := string(s.Event)
	return TriggerFields{Type: TypeSunriseSunset, State: &event, Offset: &s.Offset}
}

func (s MQTTSpec) Fields() TriggerFields {
	return TriggerFields{Type: TypeMQTT, Topic: &s.Topic, Payload: s.Payload}
}

func (s ZWaveSpec) Fields() TriggerFields {
	return TriggerFields{Type: TypeZWave, EntityID: &s.EntityID, Attribute: s.Attribute, State: s.State}
}

// TriggerFields is the flat wire and storage shape shared by triggers and
// conditions. Unused fields are nil.
type TriggerFields struct {
	Type      TriggerType `json:"type"`
	EntityID  *string     `json:"entityId,omitempty"`
	Attribute *string     `json:"attribute,omitempty"`
	State     *string     `json:"state,omitempty"`
	Time      *string     `json:"time,omitempty"`
	Offset    *int        `json:"offset,omitempty"`
	Topic     *string     `json:"topic,omitempty"`
	Payload   *string     `json:"payload,omitempty"`
}

// Trigger starts evaluation of its automation.
type Trigger struct {
	ID           int64
	AutomationID int64
	Spec         TriggerSpec
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Condition gates an automation's actions. It uses the trigger variants,
// evaluated against current state instead of an incoming event.
type Condition struct {
	ID           int64
	AutomationID int64
	Spec         TriggerSpec
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type gateJSON struct {
	ID           int64 `json:"id"`
	AutomationID int64 `json:"automationId"`
	TriggerFields
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MarshalJSON flattens the variant into the trigger's top-level object.
func (t Trigger) MarshalJSON() ([]byte, error) {
	return json.Marshal(gateJSON{t.ID, t.AutomationID, specFields(t.Spec), t.CreatedAt, t.UpdatedAt})
}

// MarshalJSON flattens the variant into the condition's top-level object.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(gateJSON{c.ID, c.AutomationID, specFields(c.Spec), c.CreatedAt, c.UpdatedAt})
}

// UnmarshalJSON rebuilds the variant from the flat object, applying the
// same rules as API input.
func (t *Trigger) UnmarshalJSON(b []byte) error {
	var g gateJSON
	if err := json.Unmarshal(b, &g); err != nil {
		return err
	}
	spec, err := buildTriggerSpec(g.TriggerFields)
	if err != nil {
		return err
	}
	*t = Trigger{ID: g.ID, AutomationID: g.AutomationID, Spec: spec, CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt}
	return nil
}

// UnmarshalJSON rebuilds the variant from the flat object.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var t Trigger
	if err := t.UnmarshalJSON(b); err != nil {
		return err
	}
	*c = Condition(t)
	return nil
}

func specFields(s TriggerSpec) TriggerFields {
	if s == nil {
		return TriggerFields{}
	}
	return s.Fields()
}

// ─── Action variants ────────────────────────────────────────────────

// ActionSpec is the validated body of an action.
type ActionSpec interface {
	Type() ActionType
	Fields() ActionFields
	isActionSpec()
}

// ServiceCallAction calls a backend service on an entity. Service is either
// "domain.service" or a bare service whose domain is the entity's.
type ServiceCallAction struct {
	Service  string
	EntityID string
	Data     map[string]any
}

// MQTTPublishAction publishes through the backend's mqtt.publish service.
type MQTTPublishAction struct {
	Topic   string
	Payload *string
}

// SceneAction activates a backend scene.
type SceneAction struct {
	SceneID string
}

// LocalDeviceAction commands a device outside the backend.
type LocalDeviceAction struct {
	EntityID string
	Service  *string
	Data     map[string]any
}

func (ServiceCallAction) Type() ActionType { return ActionServiceCall }
func (MQTTPublishAction) Type() ActionType { return ActionMQTT }
func (SceneAction) Type() ActionType       { return ActionScene }
func (LocalDeviceAction) Type() ActionType { return ActionLocalDevice }

func (ServiceCallAction) isActionSpec() {}
func (MQTTPublishAction) isActionSpec() {}
func (SceneAction) isActionSpec()       {}
func (LocalDeviceAction) isActionSpec() {}

func (a ServiceCallAction) Fields() ActionFields {
	return ActionFields{Type: ActionServiceCall, Service: &a.Service, EntityID: &a.EntityID, Data: a.Data}
}

func (a MQTTPublishAction) Fields() ActionFields {
	return ActionFields{Type: ActionMQTT, Topic: &a.Topic, Payload: a.Payload}
}

func (a SceneAction) Fields() ActionFields {
	return ActionFields{Type: ActionScene, SceneID: &a.SceneID}
}

func (a LocalDeviceAction) Fields() ActionFields {
	return ActionFields{Type: ActionLocalDevice, EntityID: &a.EntityID, Service: a.Service, Data: a.Data}
}

// ActionFields is the flat wire and storage shape of an action.
type ActionFields struct {
	Type     ActionType     `json:"type"`
	Service  *string        `json:"service,omitempty"`
	EntityID *string        `json:"entityId,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Topic    *string        `json:"topic,omitempty"`
	Payload  *string        `json:"payload,omitempty"`
	SceneID  *string        `json:"sceneId,omitempty"`
}

// Action is one side effect of an automation, dispatched in ID order.
type Action struct {
	ID           int64
	AutomationID int64
	Spec         ActionSpec
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MarshalJSON flattens the variant into the action's top-level object.
func (a Action) MarshalJSON() ([]byte, error) {
	var fields ActionFields
	if a.Spec != nil {
		fields = a.Spec.Fields()
	}
	return json.Marshal(struct {
		ID           int64 `json:"id"`
		AutomationID int64 `json:"automationId"`
		ActionFields
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}{a.ID, a.AutomationID, fields, a.CreatedAt, a.UpdatedAt})
}

// UnmarshalJSON rebuilds the variant from the flat object.
func (a *Action) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID           int64 `json:"id"`
		AutomationID int64 `json:"automationId"`
		ActionFields
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	spec, err := buildActionSpec(raw.ActionFields)
	if err != nil {
		return err
	}
	*a = Action{ID: raw.ID, AutomationID: raw.AutomationID, Spec: spec, CreatedAt: raw.CreatedAt, UpdatedAt: raw.UpdatedAt}
	return nil
}

// ─── Execution history ──────────────────────────────────────────────

// RunSource records what started a firing.
type RunSource string

const (
	SourceEvent  RunSource = "event"
	SourceTick   RunSource = "tick"
	SourceManual RunSource = "manual"
)

// RunStatus is the outcome of one firing.
type RunStatus string

const (
	RunCompleted RunStatus = "completed" // all actions succeeded
	RunPartial   RunStatus = "partial"   // some actions failed
	RunFailed    RunStatus = "failed"    // every action failed
	RunSkipped   RunStatus = "skipped"   // a condition did not hold
)

// Run records one firing of an automation.
type Run struct {
	ID               string          `json:"id"`
	AutomationID     int64           `json:"automationId"`
	TriggerID        *int64          `json:"triggerId,omitempty"`
	Source           RunSource       `json:"source"`
	Status           RunStatus       `json:"status"`
	ConditionsMet    bool            `json:"conditionsMet"`
	ActionsTotal     int             `json:"actionsTotal"`
	ActionsSucceeded int             `json:"actionsSucceeded"`
	ActionsFailed    int             `json:"actionsFailed"`
	Failures         []ActionFailure `json:"failures,omitempty"`
	TriggeredAt      time.Time       `json:"triggeredAt"`
	DurationMS       int64           `json:"durationMs"`
}

// ActionFailure records one failed action within a run.
type ActionFailure struct {
	ActionID    int64      `json:"actionId"`
	ActionIndex int        `json:"actionIndex"`
	Type        ActionType `json:"type"`
	Code        string     `json:"code"`
	Message     string     `json:"message"`
}

// ─── Copying ────────────────────────────────────────────────────────

// DeepCopy returns an independent copy. Specs are values, but their
// pointer fields and data maps are cloned so a cached copy cannot be
// changed through a caller's copy.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}
	cpy := *a
	if a.Tags != nil {
		cpy.Tags = append([]string(nil), a.Tags...)
	}
	if a.Triggers != nil {
		cpy.Triggers = make([]Trigger, len(a.Triggers))
		for i, t := range a.Triggers {
			cpy.Triggers[i] = t
			cpy.Triggers[i].Spec = cloneTriggerSpec(t.Spec)
		}
	}
	if a.Conditions != nil {
		cpy.Conditions = make([]Condition, len(a.Conditions))
		for i, c := range a.Conditions {
			cpy.Conditions[i] = c
			cpy.Conditions[i].Spec = cloneTriggerSpec(c.Spec)
		}
	}
	if a.Actions != nil {
		cpy.Actions = make([]Action, len(a.Actions))
		for i, act := range a.Actions {
			cpy.Actions[i] = act
			cpy.Actions[i].Spec = cloneActionSpec(act.Spec)
		}
	}
	return &cpy
}

func cloneTriggerSpec(s TriggerSpec) TriggerSpec {
	switch v := s.(type) {
	case EntityStateSpec:
		v.Attribute, v.State = cloneStringPtr(v.Attribute), cloneStringPtr(v.State)
		return v
	case ZWaveSpec:
		v.Attribute, v.State = cloneStringPtr(v.Attribute), cloneStringPtr(v.State)
		return v
	case MQTTSpec:
		v.Payload = cloneStringPtr(v.Payload)
		return v
	default:
		return s
	}
}

func cloneActionSpec(s ActionSpec) ActionSpec {
	switch v := s.(type) {
	case ServiceCallAction:
		v.Data = deepCopyMap(v.Data)
		return v
	case LocalDeviceAction:
		v.Service = cloneStringPtr(v.Service)
		v.Data = deepCopyMap(v.Data)
		return v
	case MQTTPublishAction:
		v.Payload = cloneStringPtr(v.Payload)
		return v
	default:
		return s
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
