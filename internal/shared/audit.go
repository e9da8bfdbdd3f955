package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	BusinessID int64
	ActorID    int64
	Action     string
	Entity     string
	EntityID   string
	Meta       map[string]any
	At         time.Time
}

// Execer is the subset of pgx used to write audit rows. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger writing through db.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry outside of any caller transaction.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	return l.RecordWith(ctx, l.db, log)
}

// RecordWith persists the log entry using the supplied executor, typically the
// transaction whose effects the record describes.
func (l *AuditLogger) RecordWith(ctx context.Context, db Execer, log AuditLog) error {
	if db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.BusinessID == 0 {
		return errors.New("audit log requires business_id")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = db.Exec(ctx, `INSERT INTO audit_logs (business_id, actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`, log.BusinessID, nullActor(log.ActorID), log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}

func nullActor(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
