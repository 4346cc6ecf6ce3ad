package rpa

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hannamed/ma-api/internal/domain/patient"
)

// TokenHeader carries the shared secret every node sends.
const TokenHeader = "X-RPA-Token"

// RequireNodeToken rejects requests whose X-RPA-Token does not match token.
// An empty token disables the check.
func RequireNodeToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			got := c.Request().Header.Get(TokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid node token")
			}
			return next(c)
		}
	}
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/register", h.Register)
	g.GET("/:uuid/config", h.GetConfig)
	g.POST("/:uuid/heartbeat", h.Heartbeat)
	g.POST("/error", h.ReportError)
	g.POST("/ingest", h.Ingest)
}

type registerRequest struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "uuid is required")
	}
	reg, err := h.svc.Register(c.Request().Context(), req.UUID, req.Hostname)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to register node")
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) GetConfig(c echo.Context) error {
	cfg, err := h.svc.Config(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, cfg)
}

func (h *Handler) Heartbeat(c echo.Context) error {
	if err := h.svc.Heartbeat(c.Request().Context(), c.Param("uuid")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ReportError(c echo.Context) error {
	var r ErrorReport
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if r.Error == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "error is required")
	}
	if err := h.svc.ReportError(c.Request().Context(), &r); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": r.ID.String()})
}

func (h *Handler) Ingest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Ingest(c.Request().Context(), &req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNodeNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNodeUnassigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, patient.ErrUnknownEMR),
		errors.Is(err, ErrUnknownDataType),
		errors.Is(err, ErrInvalidPayload):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
