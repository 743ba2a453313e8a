package audit

import (
	"context"
	"encoding/json"
	"errors"

	"chatcore/internal/storage"
	"chatcore/pkg/logx"
)

// Sink persists or forwards audit events. Write may be called from several
// workers at once.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// LogSink writes events to the structured log; high and critical events
// log at warn.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Write(_ context.Context, e Event) error {
	fields := []logx.Field{
		logx.String("action", e.Action),
		logx.String("severity", string(e.Severity)),
		logx.Time("at", e.At),
	}
	if e.UserID != "" {
		fields = append(fields, logx.User(e.UserID))
	}
	if e.RoomID != "" {
		fields = append(fields, logx.Room(e.RoomID))
	}
	if e.IPAddress != "" {
		fields = append(fields, logx.String("ip", e.IPAddress))
	}
	if len(e.Details) > 0 {
		fields = append(fields, logx.Any("details", e.Details))
	}
	if e.Severity.AtLeast(SeverityHigh) {
		s.Log.Warn("audit event", fields...)
	} else {
		s.Log.Info("audit event", fields...)
	}
	return nil
}

// StoreSink appends events to the audit table of a store.
type StoreSink struct {
	Store storage.Store
}

func (s StoreSink) Write(ctx context.Context, e Event) error {
	if s.Store == nil {
		return storage.ErrDisabled
	}
	var details json.RawMessage
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return err
		}
		details = b
	}
	return s.Store.AppendAudit(ctx, storage.AuditRecord{
		At:        e.At,
		Action:    e.Action,
		Severity:  string(e.Severity),
		UserID:    e.UserID,
		RoomID:    e.RoomID,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		Details:   details,
	})
}

// MinSeverity forwards only events at or above min.
func MinSeverity(min Severity, next Sink) Sink {
	return SinkFunc(func(ctx context.Context, e Event) error {
		if !e.Severity.AtLeast(min) {
			return nil
		}
		return next.Write(ctx, e)
	})
}

// Multi writes to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return SinkFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, s := range live {
			if err := s.Write(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
