package recommendation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/pkg/pagination"
)

type Handler struct {
	logger *Logger
}

func NewHandler(logger *Logger) *Handler {
	return &Handler{logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole(auth.RoleCoordinator, auth.RoleScheduler)
	g := api.Group("", role)
	g.GET("/recommendations", h.ListBySubject)
	g.GET("/recommendations/:id", h.Get)
	g.POST("/recommendations/:id/outcome", h.RecordOutcome)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	l, err := h.logger.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) ListBySubject(c echo.Context) error {
	subjectID, err := uuid.Parse(c.QueryParam("subject_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.logger.ListBySubject(c.Request().Context(), subjectID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// RecordOutcome stores the decision. The decider is always the authenticated
// user, never a value from the body.
func (h *Handler) RecordOutcome(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var o Outcome
	if err := c.Bind(&o); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&o); err != nil {
		return err
	}
	o.DecidedBy = auth.UserIDFromContext(c.Request().Context())
	l, err := h.logger.RecordOutcome(c.Request().Context(), id, o)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, l)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrOutcomeRecorded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrUnknownCandidate), errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
