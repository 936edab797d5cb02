package service

import (
	"context"
	"time"

	"filevault/internal/domain"
)

// AuditEvent одно событие на каждый вызов движка
type AuditEvent struct {
	Operation string
	Key       domain.FileKey
	Version   int64
	Items     int
	Err       error
	Duration  time.Duration
}

// Auditor получатель событий аудита. Ошибки получателя не влияют на результат операции
type Auditor interface {
	Record(ctx context.Context, event AuditEvent)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}
