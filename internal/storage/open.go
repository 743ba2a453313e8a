package storage

import (
	"context"
	"errors"
	"strings"

	"chatcore/pkg/logx"
)

// Store is the persistence API used by the chat core and the audit emitter.
type Store interface {
	// PutRecord stores data under (kind, key), replacing any previous value.
	PutRecord(ctx context.Context, kind, key string, data []byte) error
	// GetRecord returns ErrNotFound when nothing is stored under (kind, key).
	GetRecord(ctx context.Context, kind, key string) ([]byte, error)
	AppendAudit(ctx context.Context, r AuditRecord) error
	// RecentAudit returns up to limit records, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func validKey(kind, key string) bool {
	return strings.TrimSpace(kind) != "" && strings.TrimSpace(key) != ""
}
