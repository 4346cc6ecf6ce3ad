package chat

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hannamed/ma-api/internal/domain/doctor"
	"github.com/hannamed/ma-api/internal/platform/auth"
	"github.com/hannamed/ma-api/pkg/pagination"
)

// Handler is the HTTP fallback for clients without a WebSocket.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/chat")
	g.GET("/session", h.GetSession)
	g.POST("/messages", h.PostMessage)
}

func doctorID(c echo.Context) (int64, error) {
	id, ok := auth.DoctorIDFromContext(c.Request().Context())
	if !ok {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "missing doctor identity")
	}
	return id, nil
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := doctorID(c)
	if err != nil {
		return err
	}
	pg, err := pagination.FromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	page, err := h.svc.GetSession(c.Request().Context(), id, pg.Limit, pg.Cursor)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load session")
	}
	return c.JSON(http.StatusOK, page)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// PostMessage accepts a message and answers 202 with the stored USER
// message; the reply is generated in the background.
func (h *Handler) PostMessage(c echo.Context) error {
	id, err := doctorID(c)
	if err != nil {
		return err
	}
	var req postMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := h.svc.SubmitDetached(c.Request().Context(), id, req.Content)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, map[string]any{"message": msg})
	case errors.Is(err, ErrEmptyContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTurnInFlight):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, doctor.ErrNotFound):
		return echo.NewHTTPError(http.StatusForbidden, "doctor account is not active")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to submit message")
	}
}
