package bundle

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carelink/carelink/internal/domain/recommendation"
	"github.com/carelink/carelink/internal/domain/rules"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCoordinator, auth.RoleScheduler, auth.RoleClinicalAdmin))
	read.GET("/bundle-templates", h.ListTemplates)
	read.GET("/bundle-templates/:code", h.GetCurrent)
	read.GET("/bundle-templates/:code/versions", h.ListVersions)

	author := api.Group("", auth.RequireRole(auth.RoleClinicalAdmin))
	author.POST("/bundle-templates", h.CreateTemplate)
	author.POST("/bundle-templates/:code/versions", h.ReviseTemplate)
	author.POST("/rules/validate", h.ValidateCondition)

	rank := api.Group("", auth.RequireRole(auth.RoleCoordinator))
	rank.POST("/recommendations/templates", h.RecommendTemplates)
}

func (h *Handler) RecommendTemplates(c echo.Context) error {
	var req RankRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	req.RequestedBy = auth.UserIDFromContext(ctx)
	rec, err := h.svc.RecommendTemplates(ctx, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) CreateTemplate(c echo.Context) error {
	var t BundleTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&t); err != nil {
		return err
	}
	t.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.CreateTemplate(c.Request().Context(), &t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ReviseTemplate(c echo.Context) error {
	var t BundleTemplate
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	code := c.Param("code")
	t.Code = code
	if err := c.Validate(&t); err != nil {
		return err
	}
	t.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.ReviseTemplate(c.Request().Context(), code, &t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetCurrent(c echo.Context) error {
	t, err := h.svc.GetCurrent(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListVersions(c echo.Context) error {
	items, err := h.svc.ListVersions(c.Request().Context(), c.Param("code"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListTemplates(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTemplates(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type validateRequest struct {
	Condition rules.Condition `json:"condition"`
}

type validateResponse struct {
	Valid  bool     `json:"valid"`
	Depth  int      `json:"depth,omitempty"`
	Fields []string `json:"fields,omitempty"`
	Path   string   `json:"path,omitempty"`
	Field  string   `json:"field,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ValidateCondition lets authors check a tree before saving it. A malformed
// tree is a normal answer, so it comes back with 200 and valid=false.
func (h *Handler) ValidateCondition(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ValidateCondition(req.Condition); err != nil {
		var cfgErr *rules.ConfigurationError
		if !errors.As(err, &cfgErr) {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, validateResponse{Path: cfgErr.Path, Field: cfgErr.Field, Reason: cfgErr.Reason})
	}
	return c.JSON(http.StatusOK, validateResponse{
		Valid:  true,
		Depth:  rules.Depth(req.Condition),
		Fields: rules.Fields(req.Condition),
	})
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateCode), errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, rules.ErrInvalidConfiguration),
		errors.Is(err, ErrNoAttributes),
		errors.Is(err, recommendation.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case rules.IsEvaluationFault(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "ranking timed out")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
