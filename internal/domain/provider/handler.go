package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/domain/recommendation"
	"github.com/carelink/carelink/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	match := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleScheduler))
	match.POST("/recommendations/providers", h.FindMatches)
	match.GET("/capabilities/:id", h.GetCapability)
	match.POST("/assignments", h.CommitAssignment)
	match.POST("/assignments/release", h.Release)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/capabilities", h.UpsertCapability)
}

func (h *Handler) FindMatches(c echo.Context) error {
	var req ServiceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	rec, err := h.svc.FindMatches(ctx, req, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetCapability(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pc, err := h.svc.GetCapability(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pc)
}

func (h *Handler) UpsertCapability(c echo.Context) error {
	var pc ProviderCapability
	if err := c.Bind(&pc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&pc); err != nil {
		return err
	}
	if err := h.svc.UpsertCapability(c.Request().Context(), &pc); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pc)
}

func (h *Handler) CommitAssignment(c echo.Context) error {
	var req AssignmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	req.DecidedBy = auth.UserIDFromContext(ctx)
	a, err := h.svc.CommitAssignment(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Release(c echo.Context) error {
	var req ReleaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	if err := h.svc.Release(c.Request().Context(), req); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	var capErr *CapacityError
	switch {
	case errors.As(err, &capErr):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":     ErrCapacityExhausted.Error(),
			"available": capErr.Available,
			"requested": capErr.Requested,
			"retryable": true,
		})
	case errors.Is(err, ErrLedgerContention), errors.Is(err, ErrDuplicatePair):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, recommendation.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, recommendation.ErrOutcomeRecorded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, recommendation.ErrInvalidRequest),
		errors.Is(err, recommendation.ErrInvalidOutcome),
		errors.Is(err, recommendation.ErrUnknownCandidate):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "matching timed out")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
