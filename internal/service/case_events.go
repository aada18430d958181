package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
)

const (
	caseSummaryCacheKey     = "cases:summary"
	caseSummaryCachePattern = "cases:*"
)

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// caseEventPublisher fans committed lifecycle changes out to the audit trail, metrics and cache.
type caseEventPublisher struct {
	audit   auditLogger
	metrics *MetricsService
	cache   *CacheService
	logger  *zap.Logger
	source  string
}

func (p *caseEventPublisher) publish(ctx context.Context, events []CaseEvent) {
	if p == nil || len(events) == 0 {
		return
	}
	for _, event := range events {
		if event.From != event.To {
			p.metrics.RecordCaseTransition(event.From, event.To)
		}
		p.logger.Info("case changed",
			zap.String("action", event.Action),
			zap.String("case_id", event.CaseID),
			zap.String("student_id", event.StudentID),
			zap.String("from", string(event.From)),
			zap.String("to", string(event.To)),
		)
		p.emitAudit(ctx, event)
	}
	if err := p.cache.Invalidate(ctx, caseSummaryCachePattern); err != nil {
		p.logger.Warn("failed to invalidate case cache", zap.Error(err))
	}
}

func (p *caseEventPublisher) emitAudit(ctx context.Context, event CaseEvent) {
	if p.audit == nil {
		return
	}
	caseID := event.CaseID
	log := &models.AuditLog{
		Action:     event.Action,
		Resource:   "discipline_case",
		ResourceID: &caseID,
		OldValues:  marshalAuditValue(event.Before),
		NewValues:  marshalAuditValue(event.After),
		IPAddress:  "system",
		UserAgent:  p.source,
	}
	if event.ActorID != "" {
		actor := event.ActorID
		log.UserID = &actor
	}
	if err := p.audit.CreateAuditLog(ctx, log); err != nil {
		p.logger.Warn("failed to persist audit log", zap.String("case_id", caseID), zap.Error(err))
	}
}

func marshalAuditValue(value interface{}) []byte {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case *models.DisciplineCase:
		if v == nil {
			return nil
		}
	case *models.ViolationEvent:
		if v == nil {
			return nil
		}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return payload
}
