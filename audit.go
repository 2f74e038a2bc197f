package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// AuditSink records create/delete/not-found/error events. Writes are best
// effort: a failing sink never fails the request that produced the event.
type AuditSink interface {
	Created(ctx context.Context, entity string, data any)
	Deleted(ctx context.Context, entity string, params any)
	NotFound(ctx context.Context, entity, action string, params any)
	Error(ctx context.Context, entity, action string, err error, fields logrus.Fields)
}

// auditLog appends audit events as JSON lines.
type auditLog struct {
	log  *logrus.Logger
	file *os.File
}

// newAuditLog writes events to path (appending) and to console. Either may be
// empty/nil.
func newAuditLog(path string, console io.Writer) (*auditLog, error) {
	var writers []io.Writer
	var file *os.File
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		file = f
		writers = append(writers, f)
	}
	if console != nil {
		writers = append(writers, console)
	}

	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	l.SetLevel(logrus.InfoLevel)
	switch len(writers) {
	case 0:
		l.SetOutput(io.Discard)
	case 1:
		l.SetOutput(writers[0])
	default:
		l.SetOutput(io.MultiWriter(writers...))
	}
	return &auditLog{log: l, file: file}, nil
}

func (a *auditLog) entry(ctx context.Context, event, entity string) *logrus.Entry {
	fields := logrus.Fields{
		"event":  event,
		"entity": entity,
		"user":   actorOf(ctx),
	}
	if traceID := traceIDFrom(ctx); traceID != "" {
		fields["trace_id"] = traceID
	}
	return a.log.WithContext(ctx).WithFields(fields)
}

func (a *auditLog) Created(ctx context.Context, entity string, data any) {
	a.entry(ctx, "created", entity).WithField("data", data).Info(entity + " created")
}

func (a *auditLog) Deleted(ctx context.Context, entity string, params any) {
	a.entry(ctx, "deleted", entity).WithField("params", params).Info(entity + " deleted")
}

func (a *auditLog) NotFound(ctx context.Context, entity, action string, params any) {
	a.entry(ctx, "not_found", entity).
		WithFields(logrus.Fields{"action": action, "params": params}).
		Warn(entity + " not found for " + action)
}

func (a *auditLog) Error(ctx context.Context, entity, action string, err error, fields logrus.Fields) {
	a.entry(ctx, "error", entity).
		WithFields(fields).
		WithField("action", action).
		WithError(err).
		Error("Error " + action + " " + entity)
}

func (a *auditLog) Close() error {
	if a.file == nil {
		return nil
	}
	return a.file.Close()
}
