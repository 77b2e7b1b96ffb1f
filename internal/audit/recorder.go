package audit

import (
	"context"
)

// Audit sources.
const (
	SourceAPI    = "api"
	SourceEngine = "engine"
	SourceSystem = "system"
)

type contextKey int

const (
	sourceKey contextKey = iota
	userKey
)

// WithSource tags ctx with the surface a mutation arrived through.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey, source)
}

// WithUser tags ctx with the authenticated subject behind a mutation.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// SourceFrom returns the source tagged on ctx, or SourceSystem.
func SourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey).(string); ok && s != "" {
		return s
	}
	return SourceSystem
}

// UserFrom returns the user tagged on ctx, or "".
func UserFrom(ctx context.Context) string {
	u, _ := ctx.Value(userKey).(string)
	return u
}

// Logger is the logging interface used by the Recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder writes audit entries without failing the caller. Audit is a
// side record; a write error is logged and dropped.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a Recorder over repo. logger may be nil.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// Record stores one entry, taking source and user from ctx.
func (r *Recorder) Record(ctx context.Context, action, entityType, entityID string, details map[string]any) {
	entry := &AuditLog{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     UserFrom(ctx),
		Source:     SourceFrom(ctx),
		Details:    details,
	}
	if err := r.repo.Create(ctx, entry); err != nil && r.logger != nil {
		r.logger.Warn("failed to write audit log",
			"action", action,
			"entity_type", entityType,
			"entity_id", entityID,
			"error", err,
		)
	}
}
