package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SettlementStore persists settlement records and their step history so
// aborted transfers can be reconciled by hand.
type SettlementStore interface {
	Save(ctx context.Context, state SettlementState) error
	GetByID(ctx context.Context, id string) (SettlementState, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]SettlementState, error)
	ListUnresolved(ctx context.Context) ([]SettlementState, error)
}

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists the audit trail.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
