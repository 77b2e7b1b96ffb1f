package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/homedash-core/internal/infrastructure/database"
	"github.com/nerrad567/homedash-core/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestSQLiteRepository_CreateAndList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*AuditLog{
		{Action: "create", EntityType: "automation", EntityID: "1", Source: SourceAPI, CreatedAt: base},
		{Action: "toggle", EntityType: "automation", EntityID: "1", Source: SourceAPI, CreatedAt: base.Add(time.Minute),
			Details: map[string]any{"enabled": true}},
		{Action: "delete", EntityType: "trigger", EntityID: "9", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if e.ID == "" {
			t.Error("Create() did not assign an ID")
		}
	}

	res, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 || len(res.Logs) != 3 {
		t.Fatalf("List() total = %d, len = %d, want 3", res.Total, len(res.Logs))
	}
	if res.Logs[0].Action != "delete" {
		t.Errorf("first log action = %q, want newest (delete)", res.Logs[0].Action)
	}
	if res.Logs[0].Source != SourceSystem {
		t.Errorf("default source = %q, want %q", res.Logs[0].Source, SourceSystem)
	}
	if res.Limit != defaultLimit {
		t.Errorf("Limit = %d, want %d", res.Limit, defaultLimit)
	}
	if got := res.Logs[1].Details["enabled"]; got != true {
		t.Errorf("details.enabled = %v, want true", got)
	}
}

func TestSQLiteRepository_ListFilters(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	for _, e := range []*AuditLog{
		{Action: "create", EntityType: "automation", EntityID: "1"},
		{Action: "create", EntityType: "action", EntityID: "4"},
		{Action: "update", EntityType: "automation", EntityID: "2"},
	} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by action", Filter{Action: "create"}, 2},
		{"by entity type", Filter{EntityType: "automation"}, 2},
		{"by entity", Filter{EntityType: "automation", EntityID: "2"}, 1},
		{"no match", Filter{Action: "toggle"}, 0},
		{"page", Filter{Limit: 1, Offset: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(res.Logs) != tt.want {
				t.Errorf("len(Logs) = %d, want %d", len(res.Logs), tt.want)
			}
		})
	}
}

func TestSQLiteRepository_ListClampsLimit(t *testing.T) {
	repo := setupRepo(t)
	res, err := repo.List(context.Background(), Filter{Limit: 1000, Offset: -5})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("Limit, Offset = %d, %d, want %d, 0", res.Limit, res.Offset, maxLimit)
	}
	if res.Logs == nil {
		t.Error("Logs should be an empty slice, not nil")
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Create(context.Context, *AuditLog) error { return errors.New("disk full") }

type captureLogger struct{ warned []string }

func (c *captureLogger) Warn(msg string, _ ...any) { c.warned = append(c.warned, msg) }

func TestRecorder_Record(t *testing.T) {
	repo := setupRepo(t)
	rec := NewRecorder(repo, nil)

	ctx := WithUser(WithSource(context.Background(), SourceAPI), "alice")
	rec.Record(ctx, "toggle", "automation", "3", map[string]any{"enabled": false})

	res, err := repo.List(context.Background(), Filter{EntityID: "3"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(res.Logs) != 1 {
		t.Fatalf("len(Logs) = %d, want 1", len(res.Logs))
	}
	got := res.Logs[0]
	if got.Source != SourceAPI || got.UserID != "alice" {
		t.Errorf("Source, UserID = %q, %q, want api, alice", got.Source, got.UserID)
	}
}

func TestRecorder_SwallowsErrors(t *testing.T) {
	logger := &captureLogger{}
	rec := NewRecorder(failingRepo{}, logger)

	rec.Record(context.Background(), "delete", "automation", "1", nil)

	if len(logger.warned) != 1 {
		t.Errorf("warnings = %v, want one", logger.warned)
	}
}

func TestSourceFrom_Default(t *testing.T) {
	if got := SourceFrom(context.Background()); got != SourceSystem {
		t.Errorf("SourceFrom() = %q, want %q", got, SourceSystem)
	}
	if got := UserFrom(context.Background()); got != "" {
		t.Errorf("UserFrom() = %q, want empty", got)
	}
}
