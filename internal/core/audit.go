package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited.
type AuditAction string

const (
	ActionSnapshotCreate AuditAction = "snapshot_create"
	ActionSnapshotDelete AuditAction = "snapshot_delete"
	ActionSnapshotPrune  AuditAction = "snapshot_prune"
	ActionRestore        AuditAction = "restore"
	ActionTreeRepair     AuditAction = "tree_repair"
)

// AuditSeverity represents the severity level of an audit entry.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID           string        `json:"id"`
	Action       AuditAction   `json:"action"`
	Severity     AuditSeverity `json:"severity"`
	Target       string        `json:"target,omitempty"` // snapshot name or table
	OperationID  string        `json:"operationId,omitempty"`
	Status       string        `json:"status"`
	RowsAffected int           `json:"rowsAffected,omitempty"`
	IPAddress    string        `json:"ipAddress,omitempty"`
	UserAgent    string        `json:"userAgent,omitempty"`
	Error        string        `json:"error,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// AuditLogParams contains parameters for creating an audit log entry.
type AuditLogParams struct {
	Action       AuditAction
	Target       string
	OperationID  string
	Status       string
	RowsAffected int
	Err          error
	Duration     time.Duration
}

// determineSeverity returns the appropriate severity for an action.
// An applied restore replaces table contents wholesale.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionRestore:
		return SeverityCritical
	case ActionTreeRepair, ActionSnapshotDelete:
		return SeverityHigh
	case ActionSnapshotPrune:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// DefaultAuditCapacity is how many entries the in-process audit log keeps.
const DefaultAuditCapacity = 500

// AuditLog keeps the most recent entries in memory, newest last.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	cap     int
	now     func() time.Time
}

// NewAuditLog creates a log holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	return &AuditLog{cap: capacity, now: time.Now}
}

// Record appends an entry, taking the caller's address from ctx.
func (l *AuditLog) Record(ctx context.Context, params AuditLogParams) AuditEntry {
	caller := CallerFrom(ctx)
	entry := AuditEntry{
		ID:           uuid.NewString(),
		Action:       params.Action,
		Severity:     determineSeverity(params.Action),
		Target:       params.Target,
		OperationID:  params.OperationID,
		Status:       params.Status,
		RowsAffected: params.RowsAffected,
		IPAddress:    caller.IP,
		UserAgent:    caller.UserAgent,
		Duration:     params.Duration,
		CreatedAt:    l.now(),
	}
	if params.Err != nil {
		entry.Error = params.Err.Error()
		if entry.Status == "" {
			entry.Status = "failed"
		}
	}
	if entry.Status == "" {
		entry.Status = "ok"
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if over := len(l.entries) - l.cap; over > 0 {
		l.entries = append(l.entries[:0:0], l.entries[over:]...)
	}
	l.mu.Unlock()
	return entry
}

// AuditLogFilter narrows Entries.
type AuditLogFilter struct {
	Action AuditAction
	Target string
	Limit  int
}

// Entries returns matching entries, newest first.
func (l *AuditLog) Entries(filter AuditLogFilter) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditEntry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Target != "" && e.Target != filter.Target {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}
