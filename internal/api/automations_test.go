package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/nerrad567/homedash-core/internal/automation"
)

// createAutomation posts body and returns the created automation.
func (e *testEnv) createAutomation(t *testing.T, body string) automation.Automation {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/automations", body, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	return decode[automation.Automation](t, w)
}

func automationPath(id int64) string {
	return fmt.Sprintf("/api/v1/automations/%d", id)
}

const morningScene = `{
	"name": "  Morning  ",
	"tags": ["morning", " morning ", "lights"],
	"triggers": [{"type": "time", "time": "06:30"}],
	"conditions": [{"type": "entity_state", "entityId": "input_boolean.workday", "state": "on"}],
	"actions": [{"type": "scene", "sceneId": 7}]
}`

// ─── Automations ────────────────────────────────────────────────────────────

func TestCreateAutomation(t *testing.T) {
	env := newTestEnv(t, nil)

	a := env.createAutomation(t, morningScene)
	if a.ID == 0 {
		t.Error("ID = 0, want assigned")
	}
	if a.Name != "Morning" {
		t.Errorf("Name = %q, want trimmed", a.Name)
	}
	if !a.Enabled {
		t.Error("Enabled = false, want default true")
	}
	if len(a.Tags) != 2 {
		t.Errorf("Tags = %v, want deduplicated", a.Tags)
	}
	if len(a.Triggers) != 1 || len(a.Conditions) != 1 || len(a.Actions) != 1 {
		t.Fatalf("children = %d/%d/%d, want 1/1/1", len(a.Triggers), len(a.Conditions), len(a.Actions))
	}
	if got, ok := a.Actions[0].Spec.(automation.SceneAction); !ok || got.SceneID != "7" {
		t.Errorf("action spec = %#v, want scene 7", a.Actions[0].Spec)
	}
}

func TestCreateAutomation_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing name", `{}`, automation.CodeInvalidName},
		{"blank name", `{"name": "   "}`, automation.CodeInvalidName},
		{"bad trigger type", `{"name": "x", "triggers": [{"type": "cron"}]}`, automation.CodeInvalidType},
		{"bad time", `{"name": "x", "triggers": [{"type": "time", "time": "24:00"}]}`, automation.CodeInvalidTimeFormat},
		{"offset out of range", `{"name": "x", "triggers": [{"type": "sunrise_sunset", "offset": 1441}]}`, automation.CodeInvalidOffset},
		{"service call without service", `{"name": "x", "actions": [{"type": "service_call", "entityId": "light.k"}]}`, automation.CodeMissingService},
		{"data not an object", `{"name": "x", "actions": [{"type": "service_call", "service": "light.turn_on", "entityId": "light.k", "data": [1]}]}`, automation.CodeInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/automations", tt.body, "")
			expectError(t, w, http.StatusBadRequest, tt.code)
		})
	}

	list, err := env.repo.List(context.Background(), automation.ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 0 {
		t.Errorf("stored %d automations after rejected creates, want 0", len(list))
	}
}

func TestCreateAutomation_InvalidTypeDetails(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/automations",
		`{"name": "x", "triggers": [{"type": "time", "time": "06:30"}, {"type": "cron"}]}`, "")
	e := expectError(t, w, http.StatusBadRequest, automation.CodeInvalidType)

	allowed, ok := e.Details["allowed"].([]any)
	if !ok || len(allowed) != len(automation.TriggerTypes()) {
		t.Errorf("details.allowed = %v", e.Details["allowed"])
	}
	if e.Details["field"] != "triggers" || e.Details["index"] != float64(1) {
		t.Errorf("details = %v, want field triggers index 1", e.Details)
	}
}

func TestCreateAutomation_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/automations", `{"name":`, "")
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidJSON)
}

func TestListAutomations_Filters(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createAutomation(t, `{"name": "Porch light", "tags": ["outside"]}`)
	env.createAutomation(t, `{"name": "Kitchen", "enabled": false}`)

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?enabled=true", 1},
		{"?enabled=false", 1},
		{"?tag=outside", 1},
		{"?search=PORCH", 1},
		{"?search=garage", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/automations"+tt.query, "", "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d", w.Code)
			}
			resp := decode[struct {
				Automations []automation.Automation `json:"automations"`
				Count       int                     `json:"count"`
			}](t, w)
			if resp.Count != tt.want || len(resp.Automations) != tt.want {
				t.Errorf("count = %d (%d items), want %d", resp.Count, len(resp.Automations), tt.want)
			}
		})
	}

	w := env.do(t, http.MethodGet, "/api/v1/automations?enabled=maybe", "", "")
	expectError(t, w, http.StatusBadRequest, ErrCodeInvalidQuery)
}

func TestGetAutomation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, morningScene)

	w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/automations/%d", a.ID), "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[automation.Automation](t, w); got.Name != "Morning" || len(got.Triggers) != 1 {
		t.Errorf("got %+v", got)
	}

	w = env.do(t, http.MethodGet, "/api/v1/automations/999", "", "")
	expectError(t, w, http.StatusNotFound, automation.CodeAutomationNotFound)

	for _, bad := range []string{"abc", "0", "-3"} {
		w = env.do(t, http.MethodGet, "/api/v1/automations/"+bad, "", "")
		expectError(t, w, http.StatusBadRequest, ErrCodeInvalidID)
	}
}

func TestUpdateAutomation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, morningScene)
	path := fmt.Sprintf("/api/v1/automations/%d", a.ID)

	w := env.do(t, http.MethodPut, path, `{"name": "Wake up", "enabled": false, "triggers": []}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	got := decode[automation.Automation](t, w)
	if got.Name != "Wake up" || got.Enabled {
		t.Errorf("updated = %+v", got)
	}
	if len(got.Triggers) != 1 {
		t.Errorf("triggers = %d, want nested children ignored on update", len(got.Triggers))
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v, want untouched", got.Tags)
	}

	w = env.do(t, http.MethodPut, path, `{"name": ""}`, "")
	expectError(t, w, http.StatusBadRequest, automation.CodeInvalidName)

	w = env.do(t, http.MethodPut, "/api/v1/automations/999", `{"name": "x"}`, "")
	expectError(t, w, http.StatusNotFound, automation.CodeAutomationNotFound)
}

func TestDeleteAutomation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, morningScene)
	path := fmt.Sprintf("/api/v1/automations/%d", a.ID)

	w := env.do(t, http.MethodDelete, path, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[struct {
		Message    string                `json:"message"`
		Automation automation.Automation `json:"automation"`
	}](t, w)
	if resp.Automation.ID != a.ID || len(resp.Automation.Actions) != 1 {
		t.Errorf("deleted = %+v", resp.Automation)
	}

	expectError(t, env.do(t, http.MethodGet, path, "", ""), http.StatusNotFound, automation.CodeAutomationNotFound)
	expectError(t, env.do(t, http.MethodDelete, path, "", ""), http.StatusNotFound, automation.CodeAutomationNotFound)
	expectError(t, env.do(t, http.MethodGet, path+"/triggers", "", ""), http.StatusNotFound, automation.CodeParentNotFound)
}

// ─── Toggle ─────────────────────────────────────────────────────────────────

func TestToggleAutomation(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, `{"name": "Porch"}`)
	path := fmt.Sprintf("/api/v1/automations/%d/toggle", a.ID)

	type toggleResponse struct {
		Message         string                `json:"message"`
		PreviousEnabled bool                  `json:"previousEnabled"`
		NewEnabled      bool                  `json:"newEnabled"`
		Automation      automation.Automation `json:"automation"`
	}

	w := env.do(t, http.MethodPut, path, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	first := decode[toggleResponse](t, w)
	if !first.PreviousEnabled || first.NewEnabled || first.Automation.Enabled {
		t.Errorf("first toggle = %+v", first)
	}
	if first.Message != `automation "Porch" disabled` {
		t.Errorf("Message = %q", first.Message)
	}

	second := decode[toggleResponse](t, env.do(t, http.MethodPut, path, "", ""))
	if second.PreviousEnabled != first.NewEnabled || second.NewEnabled != first.PreviousEnabled {
		t.Errorf("second toggle = %+v, want inverse of first", second)
	}
	if !second.Automation.Enabled {
		t.Error("double toggle did not restore enabled")
	}

	expectError(t, env.do(t, http.MethodPut, "/api/v1/automations/999/toggle", "", ""),
		http.StatusNotFound, automation.CodeAutomationNotFound)
}

// ─── Runs and status ────────────────────────────────────────────────────────

func TestRunAutomation(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/v1/automations/4/run", "", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["accepted"] != true || resp["automationId"] != float64(4) {
		t.Errorf("response = %v", resp)
	}
	if got := env.engine.getTriggered(); len(got) != 1 || got[0] != 4 {
		t.Errorf("triggered = %v, want [4]", got)
	}

	env.engine.reject = true
	resp = decode[map[string]any](t, env.do(t, http.MethodPost, "/api/v1/automations/4/run", "", ""))
	if resp["accepted"] != false {
		t.Errorf("accepted = %v, want false under backpressure", resp["accepted"])
	}
}

func TestRunAutomation_Errors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing", automation.ErrAutomationNotFound, http.StatusNotFound, automation.CodeAutomationNotFound},
		{
			"disabled",
			&automation.Error{Class: automation.ErrValidation, Code: automation.CodeAutomationDisabled, Message: "automation is disabled"},
			http.StatusBadRequest,
			automation.CodeAutomationDisabled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.engine.err = tt.err
			expectError(t, env.do(t, http.MethodPost, "/api/v1/automations/1/run", "", ""), tt.status, tt.code)
		})
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, morningScene)

	base := time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC)
	for i := range 3 {
		run := &automation.Run{
			ID:           fmt.Sprintf("run-%d", i),
			AutomationID: a.ID,
			Source:       automation.SourceTick,
			Status:       automation.RunCompleted,
			TriggeredAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := env.store.CreateRun(context.Background(), run); err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}
	}

	path := fmt.Sprintf("/api/v1/automations/%d/runs", a.ID)
	resp := decode[struct {
		Runs  []automation.Run `json:"runs"`
		Count int              `json:"count"`
	}](t, env.do(t, http.MethodGet, path, "", ""))
	if resp.Count != 3 || resp.Runs[0].ID != "run-2" {
		t.Errorf("runs = %+v, want 3 newest first", resp.Runs)
	}

	resp = decode[struct {
		Runs  []automation.Run `json:"runs"`
		Count int              `json:"count"`
	}](t, env.do(t, http.MethodGet, path+"?limit=2", "", ""))
	if resp.Count != 2 {
		t.Errorf("count with limit=2 = %d", resp.Count)
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/automations/999/runs", "", ""),
		http.StatusNotFound, automation.CodeAutomationNotFound)
}

func TestAutomationStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.statuses = []automation.MachineStatus{
		{AutomationID: 1, State: automation.StateArmed, Runs: 3},
		{AutomationID: 2, State: automation.StateDisabled},
	}

	w := env.do(t, http.MethodGet, "/api/v1/automations/1/status", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if st := decode[automation.MachineStatus](t, w); st.State != automation.StateArmed || st.Runs != 3 {
		t.Errorf("status = %+v", st)
	}

	expectError(t, env.do(t, http.MethodGet, "/api/v1/automations/9/status", "", ""),
		http.StatusNotFound, automation.CodeAutomationNotFound)

	all := decode[struct {
		Statuses []automation.MachineStatus `json:"statuses"`
		Count    int                        `json:"count"`
	}](t, env.do(t, http.MethodGet, "/api/v1/automations/status", "", ""))
	if all.Count != 2 {
		t.Errorf("statuses count = %d, want 2", all.Count)
	}
}

// ─── Children ───────────────────────────────────────────────────────────────

func TestTriggerCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, `{"name": "Porch"}`)
	base := fmt.Sprintf("/api/v1/automations/%d/triggers", a.ID)

	w := env.do(t, http.MethodPost, base, `{"type": "sunrise_sunset", "state": "SUNSET", "offset": "-15"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[map[string]any](t, w)
	if created["type"] != "sunrise_sunset" || created["state"] != "sunset" || created["offset"] != float64(-15) {
		t.Errorf("created = %v", created)
	}
	id := int64(created["id"].(float64))
	item := fmt.Sprintf("%s/%d", base, id)

	w = env.do(t, http.MethodPut, item, `{"type": "time", "time": "07:15"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	updated := decode[map[string]any](t, w)
	if updated["type"] != "time" || updated["time"] != "07:15" {
		t.Errorf("updated = %v", updated)
	}
	if _, ok := updated["offset"]; ok {
		t.Errorf("updated keeps offset from previous type: %v", updated)
	}

	list := decode[map[string]any](t, env.do(t, http.MethodGet, base, "", ""))
	if list["count"] != float64(1) {
		t.Errorf("list = %v", list)
	}

	if w := env.do(t, http.MethodDelete, item, "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	expectError(t, env.do(t, http.MethodGet, item, "", ""), http.StatusNotFound, automation.CodeTriggerNotFound)
}

func TestChildren_NotOwned(t *testing.T) {
	env := newTestEnv(t, nil)
	owner := env.createAutomation(t, morningScene)
	other := env.createAutomation(t, `{"name": "Other"}`)

	paths := []string{
		fmt.Sprintf("/api/v1/automations/%d/triggers/%d", other.ID, owner.Triggers[0].ID),
		fmt.Sprintf("/api/v1/automations/%d/conditions/%d", other.ID, owner.Conditions[0].ID),
		fmt.Sprintf("/api/v1/automations/%d/actions/%d", other.ID, owner.Actions[0].ID),
	}
	for _, p := range paths {
		t.Run(p, func(t *testing.T) {
			expectError(t, env.do(t, http.MethodGet, p, "", ""), http.StatusNotFound, automation.CodeChildNotOwned)
			expectError(t, env.do(t, http.MethodDelete, p, "", ""), http.StatusNotFound, automation.CodeChildNotOwned)
			// Ownership is checked before the body is read.
			for _, body := range []string{`{"time": 630}`, `{"type": "time", "entityId": 5}`, `not json`, `{"type": "bogus"}`} {
				expectError(t, env.do(t, http.MethodPut, p, body, ""), http.StatusNotFound, automation.CodeChildNotOwned)
			}
		})
	}

	got, err := env.repo.Get(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Triggers) != 1 || len(got.Conditions) != 1 || len(got.Actions) != 1 {
		t.Error("cross-automation delete removed a child")
	}
}

func TestChildren_ParentNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		path string
		body string
	}{
		{"/api/v1/automations/77/triggers", `{"type": "time", "time": "06:30"}`},
		{"/api/v1/automations/77/triggers", `{"type": "time", "entityId": 5}`},
		{"/api/v1/automations/77/triggers", `{"time": 630`},
		{"/api/v1/automations/77/conditions", `{"type": "bogus"}`},
		{"/api/v1/automations/77/conditions", `{"type": ["state"]}`},
		{"/api/v1/automations/77/actions", `{"type": "scene", "sceneId": "7"}`},
		{"/api/v1/automations/77/actions", `{"type": "scene", "sceneId": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.path+" "+tt.body, func(t *testing.T) {
			expectError(t, env.do(t, http.MethodPost, tt.path, tt.body, ""), http.StatusNotFound, automation.CodeParentNotFound)
			expectError(t, env.do(t, http.MethodPut, tt.path+"/1", tt.body, ""), http.StatusNotFound, automation.CodeParentNotFound)
		})
	}
}

func TestChildren_BodyCheckedAfterParent(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, morningScene)
	base := fmt.Sprintf("/api/v1/automations/%d/triggers", a.ID)

	expectError(t, env.do(t, http.MethodPost, base, `{"type": "time", "entityId": 5}`, ""),
		http.StatusBadRequest, ErrCodeInvalidJSON)
	expectError(t, env.do(t, http.MethodPut, fmt.Sprintf("%s/%d", base, a.Triggers[0].ID), `{"time": 630}`, ""),
		http.StatusBadRequest, ErrCodeInvalidJSON)
	expectError(t, env.do(t, http.MethodPut, base+"/9999", `{"time": 630}`, ""),
		http.StatusNotFound, automation.CodeTriggerNotFound)
}

func TestConditionCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, `{"name": "Porch"}`)
	base := fmt.Sprintf("/api/v1/automations/%d/conditions", a.ID)

	w := env.do(t, http.MethodPost, base, `{"type": "mqtt", "topic": "home/mode", "payload": "away"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[map[string]any](t, w)
	item := fmt.Sprintf("%s/%d", base, int64(created["id"].(float64)))

	w = env.do(t, http.MethodPut, item, `{"topic": ""}`, "")
	expectError(t, w, http.StatusBadRequest, automation.CodeMissingTopic)

	w = env.do(t, http.MethodPut, item, `{"payload": "home"}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]any](t, w); got["payload"] != "home" || got["topic"] != "home/mode" {
		t.Errorf("updated = %v", got)
	}

	if w := env.do(t, http.MethodDelete, item, "", ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestActionCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.createAutomation(t, `{"name": "Porch"}`)
	base := fmt.Sprintf("/api/v1/automations/%d/actions", a.ID)

	w := env.do(t, http.MethodPost, base,
		`{"type": "service_call", "service": "light.turn_on", "entityId": "light.porch", "data": "{\"brightness\": 40}"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	created := decode[map[string]any](t, w)
	data, _ := created["data"].(map[string]any)
	if data["brightness"] != float64(40) {
		t.Errorf("data = %v, want parsed object", created["data"])
	}
	item := fmt.Sprintf("%s/%d", base, int64(created["id"].(float64)))

	w = env.do(t, http.MethodPut, item, `{"type": "mqtt"}`, "")
	expectError(t, w, http.StatusBadRequest, automation.CodeMissingTopic)

	w = env.do(t, http.MethodPut, item, `{"data": null}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", w.Code, w.Body.String())
	}
	if got := decode[map[string]any](t, w); got["data"] != nil {
		t.Errorf("data = %v, want cleared", got["data"])
	}

	list := decode[map[string]any](t, env.do(t, http.MethodGet, base, "", ""))
	if list["count"] != float64(1) {
		t.Errorf("list = %v", list)
	}
}
