// Package audit provides fire-and-forget sinks for admin and user mutation
// events. Sink failures are logged and swallowed; they never roll back the
// ledger or lease operation that triggered them.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditSink receives one event per admin-triggered mutation.
type AuditSink interface {
	Record(ctx context.Context, actorID, action, resource, resourceID string, metadata map[string]any)
}

// ActivitySink receives one event per user-triggered mutation.
type ActivitySink interface {
	Record(ctx context.Context, userID, eventType, action string, details map[string]any)
}

// PostgresAudit writes audit rows to its own table, outside the engine's
// transactions.
type PostgresAudit struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresAudit(pool *pgxpool.Pool, log *slog.Logger) *PostgresAudit {
	return &PostgresAudit{pool: pool, log: log}
}

func (s *PostgresAudit) Record(ctx context.Context, actorID, action, resource, resourceID string, metadata map[string]any) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, action, resource, resource_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, actorID, action, resource, resourceID, encodeJSON(metadata))
	if err != nil {
		s.log.Warn("audit record dropped", "action", action, "resource", resource, "error", err)
	}
}

// PostgresActivity writes user activity rows.
type PostgresActivity struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresActivity(pool *pgxpool.Pool, log *slog.Logger) *PostgresActivity {
	return &PostgresActivity{pool: pool, log: log}
}

func (s *PostgresActivity) Record(ctx context.Context, userID, eventType, action string, details map[string]any) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_logs (user_id, type, action, details)
		VALUES ($1, $2, $3, $4)
	`, userID, eventType, action, encodeJSON(details))
	if err != nil {
		s.log.Warn("activity record dropped", "action", action, "user_id", userID, "error", err)
	}
}

func encodeJSON(m map[string]any) []byte {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// Event is a captured sink call, used by the in-memory sinks.
type Event struct {
	ActorID  string
	Type     string
	Action   string
	Resource string
	ID       string
	Data     map[string]any
}

// MemorySink records events in memory; it serves tests and local runs
// without Postgres.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Record(_ context.Context, actorID, action, resource, resourceID string, metadata map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{ActorID: actorID, Action: action, Resource: resource, ID: resourceID, Data: metadata})
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// MemoryActivity is the user-event counterpart of MemorySink.
type MemoryActivity struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryActivity() *MemoryActivity { return &MemoryActivity{} }

func (s *MemoryActivity) Record(_ context.Context, userID, eventType, action string, details map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{ActorID: userID, Type: eventType, Action: action, Data: details})
}

func (s *MemoryActivity) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
