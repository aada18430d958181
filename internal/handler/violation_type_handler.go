package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-discipline-api/internal/models"
	"github.com/noah-isme/sma-discipline-api/internal/service"
	appErrors "github.com/noah-isme/sma-discipline-api/pkg/errors"
	"github.com/noah-isme/sma-discipline-api/pkg/response"
)

type violationTypeService interface {
	List(ctx context.Context, filter models.ViolationTypeFilter) ([]models.ViolationType, error)
	Get(ctx context.Context, id string) (*models.ViolationType, error)
	Create(ctx context.Context, req service.ViolationTypeRequest, actor models.Actor) (*models.ViolationType, error)
	Update(ctx context.Context, id string, req service.ViolationTypeRequest, actor models.Actor) (*models.ViolationType, error)
	Deactivate(ctx context.Context, id string, actor models.Actor) error
}

// ViolationTypeHandler exposes the violation catalog.
type ViolationTypeHandler struct {
	service violationTypeService
}

// NewViolationTypeHandler builds a new handler.
func NewViolationTypeHandler(svc violationTypeService) *ViolationTypeHandler {
	return &ViolationTypeHandler{service: svc}
}

// List godoc
// @Summary List violation types
// @Tags Violation Types
// @Produce json
// @Param active query bool false "Filter by active flag"
// @Param q query string false "Name search"
// @Success 200 {object} response.Envelope
// @Router /violation-types [get]
func (h *ViolationTypeHandler) List(c *gin.Context) {
	active, err := optionalBool(c.Query("active"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "active must be a boolean"))
		return
	}
	items, err := h.service.List(c.Request.Context(), models.ViolationTypeFilter{
		Active: active,
		Search: strings.TrimSpace(c.Query("q")),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Get godoc
// @Summary Get violation type
// @Tags Violation Types
// @Produce json
// @Param id path string true "Violation type ID"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /violation-types/{id} [get]
func (h *ViolationTypeHandler) Get(c *gin.Context) {
	vt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, vt, nil)
}

// Create godoc
// @Summary Create violation type
// @Tags Violation Types
// @Accept json
// @Produce json
// @Param payload body service.ViolationTypeRequest true "Violation type payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /violation-types [post]
func (h *ViolationTypeHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.ViolationTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	vt, err := h.service.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, vt)
}

// Update godoc
// @Summary Update violation type
// @Description Changing points or frequency category re-reconciles affected students in the background
// @Tags Violation Types
// @Accept json
// @Produce json
// @Param id path string true "Violation type ID"
// @Param payload body service.ViolationTypeRequest true "Violation type payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /violation-types/{id} [put]
func (h *ViolationTypeHandler) Update(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req service.ViolationTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, invalidPayload(err))
		return
	}
	vt, err := h.service.Update(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, vt, nil)
}

// Deactivate godoc
// @Summary Deactivate violation type
// @Description Existing violations keep counting; the type can no longer be recorded
// @Tags Violation Types
// @Param id path string true "Violation type ID"
// @Success 204
// @Router /violation-types/{id} [delete]
func (h *ViolationTypeHandler) Deactivate(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
