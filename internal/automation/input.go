package automation

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// AutomationInput is a create or patch body for an automation. Nil fields
// are absent. Nested children are only honoured on create.
type AutomationInput struct {
	Name       *string        `json:"name"`
	Enabled    *bool          `json:"enabled"`
	Tags       *[]string      `json:"tags"`
	Triggers   []TriggerInput `json:"triggers,omitempty"`
	Conditions []TriggerInput `json:"conditions,omitempty"`
	Actions    []ActionInput  `json:"actions,omitempty"`
}

// TriggerInput is a create or patch body for a trigger or condition.
// Nil fields are absent from the request.
type TriggerInput struct {
	Type      *string  `json:"type"`
	EntityID  *string  `json:"entityId"`
	Attribute *string  `json:"attribute"`
	State     *string  `json:"state"`
	Time      *string  `json:"time"`
	Offset    *FlexInt `json:"offset"`
	Topic     *string  `json:"topic"`
	Payload   *string  `json:"payload"`
}

// ActionInput is a create or patch body for an action. Data may be a JSON
// object or a string holding one; JSON null clears it on update.
type ActionInput struct {
	Type     *string         `json:"type"`
	Service  *string         `json:"service"`
	EntityID *string         `json:"entityId"`
	Data     json.RawMessage `json:"data"`
	Topic    *string         `json:"topic"`
	Payload  *string         `json:"payload"`
	SceneID  *FlexString     `json:"sceneId"`
}

// FlexInt accepts a JSON number or a numeric string. Anything else decodes
// to zero; a blank string is reported through Blank.
type FlexInt struct {
	Value int
	Blank bool
}

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	*f = FlexInt{}
	b = bytes.TrimSpace(b)

	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil //nolint:nilerr // unparsable optional numerics become 0
		}
		s = strings.TrimSpace(s)
		if s == "" {
			f.Blank = true
			return nil
		}
	} else {
		s = string(b)
	}

	if n, err := strconv.Atoi(s); err == nil {
		f.Value = n
		return nil
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		f.Value = clampInt(v)
	}
	return nil
}

func clampInt(v float64) int {
	switch {
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	default:
		return int(v)
	}
}

// FlexString accepts a JSON string or number and keeps its text.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}
