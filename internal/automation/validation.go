package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Validation limits.
const (
	maxNameLength = 100
	maxTags       = 20
	maxTagLength  = 50
	maxOffset     = 1440 // minutes in a day
	timePattern   = `^([01]\d|2[0-3]):[0-5]\d$`
)

var timeRegex = regexp.MustCompile(timePattern)

// ─── Automations ────────────────────────────────────────────────────

// ValidateName trims name and checks it is non-empty and not too long.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", validationError(CodeInvalidName, "name cannot be empty")
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", validationError(CodeInvalidName, "name exceeds %d characters", maxNameLength)
	}
	return trimmed, nil
}

// NormalizeTags trims tags, drops blanks and duplicates, and keeps order.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > maxTagLength {
			return nil, validationError(CodeInvalidTags, "tag %q exceeds %d characters", t, maxTagLength)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) > maxTags {
		return nil, validationError(CodeInvalidTags, "at most %d tags are allowed", maxTags)
	}
	return out, nil
}

// ─── Triggers and conditions ────────────────────────────────────────

// ValidateTriggerCreate checks a new trigger or condition body and returns
// its variant.
func ValidateTriggerCreate(in TriggerInput) (TriggerSpec, error) {
	if in.Type == nil || strings.TrimSpace(*in.Type) == "" {
		return nil, invalidTriggerType("")
	}
	return buildTriggerSpec(applyTriggerInput(TriggerFields{}, in))
}

// ValidateTriggerUpdate merges a partial body onto current and checks the
// result as a whole. A required field sent blank fails as missing.
func ValidateTriggerUpdate(current TriggerSpec, in TriggerInput) (TriggerSpec, error) {
	base := TriggerFields{}
	if current != nil {
		base = current.Fields()
	}
	if in.Type != nil && strings.TrimSpace(*in.Type) == "" {
		return nil, invalidTriggerType("")
	}
	return buildTriggerSpec(applyTriggerInput(base, in))
}

// applyTriggerInput overlays present input fields on f. Present but blank
// strings clear the field.
func applyTriggerInput(f TriggerFields, in TriggerInput) TriggerFields {
	if in.Type != nil {
		f.Type = TriggerType(strings.TrimSpace(*in.Type))
	}
	overlay(&f.EntityID, in.EntityID)
	overlay(&f.Attribute, in.Attribute)
	overlay(&f.State, in.State)
	overlay(&f.Time, in.Time)
	overlay(&f.Topic, in.Topic)
	overlay(&f.Payload, in.Payload)
	if in.Offset != nil {
		if in.Offset.Blank {
			f.Offset = nil
		} else {
			v := in.Offset.Value
			f.Offset = &v
		}
	}
	return f
}

// buildTriggerSpec is the single constructor for trigger variants. Fields
// the type does not use are dropped.
func buildTriggerSpec(f TriggerFields) (TriggerSpec, error) {
	switch f.Type {
	case TypeEntityState, TypeZWave:
		if f.EntityID == nil {
			return nil, validationError(CodeMissingEntityID, "entityId is required for %s triggers", f.Type)
		}
		if f.Type == TypeZWave {
			return ZWaveSpec{EntityID: *f.EntityID, Attribute: f.Attribute, State: f.State}, nil
		}
		return EntityStateSpec{EntityID: *f.EntityID, Attribute: f.Attribute, State: f.State}, nil

	case TypeTime:
		if f.Time == nil {
			return nil, validationError(CodeMissingTime, "time is required for time triggers")
		}
		if !timeRegex.MatchString(*f.Time) {
			return nil, validationError(CodeInvalidTimeFormat, "time must be HH:MM (00:00-23:59), got %q", *f.Time)
		}
		return TimeSpec{At: *f.Time}, nil

	case TypeSunriseSunset:
		spec := SolarSpec{Event: Sunrise}
		if f.Offset != nil {
			if *f.Offset < -maxOffset || *f.Offset > maxOffset {
				return nil, validationError(CodeInvalidOffset, "offset must be between -%d and %d minutes", maxOffset, maxOffset)
			}
			spec.Offset = *f.Offset
		}
		if f.State != nil {
			switch ev := SolarEvent(strings.ToLower(*f.State)); ev {
			case Sunrise, Sunset:
				spec.Event = ev
			default:
				return nil, validationError(CodeInvalidSolarEvent, "state must be sunrise or sunset for sunrise_sunset triggers")
			}
		}
		return spec, nil

	case TypeMQTT:
		if f.Topic == nil {
			return nil, validationError(CodeMissingTopic, "topic is required for mqtt triggers")
		}
		return MQTTSpec{Topic: *f.Topic, Payload: f.Payload}, nil

	default:
		return nil, invalidTriggerType(string(f.Type))
	}
}

func invalidTriggerType(got string) *Error {
	allowed := TriggerTypes()
	names := make([]string, len(allowed))
	for i, t := range allowed {
		names[i] = string(t)
	}
	e := validationError(CodeInvalidType, "type must be one of: %s", strings.Join(names, ", "))
	if got == "" {
		e.Message = "type is required; " + e.Message
	}
	e.Details = map[string]any{"allowed": names}
	return e
}

// ─── Actions ────────────────────────────────────────────────────────

// ValidateActionCreate checks a new action body and returns its variant.
func ValidateActionCreate(in ActionInput) (ActionSpec, error) {
	if in.Type == nil || strings.TrimSpace(*in.Type) == "" {
		return nil, invalidActionType("")
	}
	f, err := applyActionInput(ActionFields{}, in)
	if err != nil {
		return nil, err
	}
	return buildActionSpec(f)
}

// ValidateActionUpdate merges a partial body onto current and checks the
// result as a whole.
func ValidateActionUpdate(current ActionSpec, in ActionInput) (ActionSpec, error) {
	base := ActionFields{}
	if current != nil {
		base = current.Fields()
	}
	if in.Type != nil && strings.TrimSpace(*in.Type) == "" {
		return nil, invalidActionType("")
	}
	f, err := applyActionInput(base, in)
	if err != nil {
		return nil, err
	}
	return buildActionSpec(f)
}

func applyActionInput(f ActionFields, in ActionInput) (ActionFields, error) {
	if in.Type != nil {
		f.Type = ActionType(strings.TrimSpace(*in.Type))
	}
	overlay(&f.Service, in.Service)
	overlay(&f.EntityID, in.EntityID)
	overlay(&f.Topic, in.Topic)
	overlay(&f.Payload, in.Payload)
	if in.SceneID != nil {
		s := string(*in.SceneID)
		overlay(&f.SceneID, &s)
	}
	if len(in.Data) > 0 {
		data, err := ParseData(in.Data)
		if err != nil {
			return f, err
		}
		f.Data = data
	}
	return f, nil
}

func buildActionSpec(f ActionFields) (ActionSpec, error) {
	switch f.Type {
	case ActionServiceCall:
		if f.Service == nil {
			return nil, validationError(CodeMissingService, "service is required for service_call actions")
		}
		if f.EntityID == nil {
			return nil, validationError(CodeMissingEntityID, "entityId is required for service_call actions")
		}
		return ServiceCallAction{Service: *f.Service, EntityID: *f.EntityID, Data: f.Data}, nil

	case ActionMQTT:
		if f.Topic == nil {
			return nil, validationError(CodeMissingTopic, "topic is required for mqtt actions")
		}
		return MQTTPublishAction{Topic: *f.Topic, Payload: f.Payload}, nil

	case ActionScene:
		if f.SceneID == nil {
			return nil, validationError(CodeMissingSceneID, "sceneId is required for scene actions")
		}
		return SceneAction{SceneID: *f.SceneID}, nil

	case ActionLocalDevice:
		if f.EntityID == nil {
			return nil, validationError(CodeMissingEntityID, "entityId is required for local_device actions")
		}
		return LocalDeviceAction{EntityID: *f.EntityID, Service: f.Service, Data: f.Data}, nil

	default:
		return nil, invalidActionType(string(f.Type))
	}
}

func invalidActionType(got string) *Error {
	allowed := ActionTypes()
	names := make([]string, len(allowed))
	for i, t := range allowed {
		names[i] = string(t)
	}
	e := validationError(CodeInvalidType, "type must be one of: %s", strings.Join(names, ", "))
	if got == "" {
		e.Message = "type is required; " + e.Message
	}
	e.Details = map[string]any{"allowed": names}
	return e
}

// ParseData decodes an action's data. It accepts a JSON object or a string
// containing one. JSON null and blank strings yield nil, which clears the
// field on update.
func ParseData(raw json.RawMessage) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, validationError(CodeInvalidData, "data is not valid JSON")
	}

	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, validationError(CodeInvalidData, "data string is not valid JSON: %v", err)
		}
	}

	switch obj := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return obj, nil
	default:
		return nil, validationError(CodeInvalidData, "data must be a JSON object, got %s", jsonKind(obj))
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// overlay copies a present input string onto dst, trimmed. Blank clears dst.
func overlay(dst **string, in *string) {
	if in == nil {
		return
	}
	v := strings.TrimSpace(*in)
	if v == "" {
		*dst = nil
		return
	}
	*dst = &v
}

// GenerateID creates a new UUID for a run.
func GenerateID() string {
	return uuid.New().String()
}
