package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
)

type violationTypeRepository interface {
	List(ctx context.Context, filter models.ViolationTypeFilter) ([]models.ViolationType, error)
	FindByID(ctx context.Context, id string) (*models.ViolationType, error)
	Create(ctx context.Context, vt *models.ViolationType) error
	Update(ctx context.Context, vt *models.ViolationType) error
	Deactivate(ctx context.Context, id string) error
}

type catalogChangeListener interface {
	ViolationTypeChanged(ctx context.Context, typeID string) (int, error)
}

// ViolationTypeService manages the violation catalog.
// Point values are not snapshotted. A rescored type is pushed to the listener so affected students are reconciled.
type ViolationTypeService struct {
	repo      violationTypeRepository
	audit     auditLogger
	listener  catalogChangeListener
	validator *validator.Validate
	logger    *zap.Logger
}

// NewViolationTypeService constructs the service. listener may be nil.
func NewViolationTypeService(repo violationTypeRepository, audit auditLogger, listener catalogChangeListener, validate *validator.Validate, logger *zap.Logger) *ViolationTypeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ViolationTypeService{repo: repo, audit: audit, listener: listener, validator: validate, logger: logger}
	_ = svc.validator.RegisterValidation("frequency_category", func(fl validator.FieldLevel) bool {
		switch models.FrequencyCategory(fl.Field().String()) {
		case models.FrequencyNone, models.FrequencyAttendance, models.FrequencyDressCode:
			return true
		default:
			return false
		}
	})
	return svc
}

// ViolationTypeRequest is the create/update payload.
type ViolationTypeRequest struct {
	Name              string `json:"name" validate:"required,max=150"`
	Description       string `json:"description" validate:"max=1000"`
	Points            int    `json:"points" validate:"gte=0,lte=1000"`
	FrequencyCategory string `json:"frequency_category" validate:"frequency_category"`
	Active            *bool  `json:"active"`
}

// List returns catalog entries.
func (s *ViolationTypeService) List(ctx context.Context, filter models.ViolationTypeFilter) ([]models.ViolationType, error) {
	types, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list violation types")
	}
	return types, nil
}

// Get returns one catalog entry.
func (s *ViolationTypeService) Get(ctx context.Context, id string) (*models.ViolationType, error) {
	vt, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrUnknownViolationType, "violation type not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load violation type")
	}
	return vt, nil
}

// Create adds a catalog entry.
func (s *ViolationTypeService) Create(ctx context.Context, req ViolationTypeRequest, actor models.Actor) (*models.ViolationType, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	vt := &models.ViolationType{
		Name:              strings.TrimSpace(req.Name),
		Description:       strings.TrimSpace(req.Description),
		Points:            req.Points,
		FrequencyCategory: models.FrequencyCategory(req.FrequencyCategory),
		Active:            req.Active == nil || *req.Active,
	}
	if err := s.repo.Create(ctx, vt); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create violation type")
	}
	s.emitAudit(ctx, actor, vt.ID, nil, vt)
	return vt, nil
}

// Update modifies a catalog entry.
func (s *ViolationTypeService) Update(ctx context.Context, id string, req ViolationTypeRequest, actor models.Actor) (*models.ViolationType, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload")
	}
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *existing
	existing.Name = strings.TrimSpace(req.Name)
	existing.Description = strings.TrimSpace(req.Description)
	existing.Points = req.Points
	existing.FrequencyCategory = models.FrequencyCategory(req.FrequencyCategory)
	if req.Active != nil {
		existing.Active = *req.Active
	}
	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update violation type")
	}
	if before.Points != existing.Points || before.FrequencyCategory != existing.FrequencyCategory {
		s.logger.Info("violation type rescored",
			zap.String("violation_type_id", id),
			zap.Int("old_points", before.Points),
			zap.Int("new_points", existing.Points),
			zap.String("frequency_category", string(existing.FrequencyCategory)),
		)
		s.notifyRescored(ctx, id)
	}
	s.emitAudit(ctx, actor, id, &before, existing)
	return existing, nil
}

// Deactivate hides a type from new recordings. Existing events keep counting.
func (s *ViolationTypeService) Deactivate(ctx context.Context, id string, actor models.Actor) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate violation type")
	}
	after := *existing
	after.Active = false
	s.emitAudit(ctx, actor, id, existing, &after)
	return nil
}

func (s *ViolationTypeService) notifyRescored(ctx context.Context, id string) {
	if s.listener == nil {
		return
	}
	if _, err := s.listener.ViolationTypeChanged(ctx, id); err != nil {
		s.logger.Warn("failed to schedule reconciliation for rescored type", zap.String("violation_type_id", id), zap.Error(err))
	}
}

func (s *ViolationTypeService) emitAudit(ctx context.Context, actor models.Actor, id string, before, after *models.ViolationType) {
	if s.audit == nil {
		return
	}
	log := &models.AuditLog{
		Action:     models.AuditActionCatalogChange,
		Resource:   "violation_type",
		ResourceID: &id,
		IPAddress:  "system",
		UserAgent:  "violation-type-service",
	}
	if before != nil {
		log.OldValues = marshalAuditValue(before)
	}
	if after != nil {
		log.NewValues = marshalAuditValue(after)
	}
	if actor.UserID != "" {
		userID := actor.UserID
		log.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to persist audit log", zap.Error(err))
	}
}
