package link

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/link/internal/domain/emrclient"
	"github.com/ehr/link/internal/platform/lease"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts the link routes on g. requireClient gates every
// route that starts a link, completes one or reveals tokens; /status is
// gated only when statusRequiresAuth is set.
func (h *Handler) RegisterRoutes(g *echo.Group, requireClient echo.MiddlewareFunc, statusRequiresAuth bool) {
	g.GET("/link/:patientId", h.StartLink, requireClient)
	g.GET("/callback", h.Callback, requireClient)
	g.POST("/refresh/:patientId", h.Refresh, requireClient)
	g.GET("/token/:patientId", h.AccessToken, requireClient)

	if statusRequiresAuth {
		g.GET("/status/:patientId", h.Status, requireClient)
	} else {
		g.GET("/status/:patientId", h.Status)
	}
}

// StartLink handles GET /link/:patientId.
func (h *Handler) StartLink(c echo.Context) error {
	redirect, err := h.mgr.StartLink(c.Request().Context(), c.Param("patientId"), clientID(c))
	if err != nil {
		return httpError(err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

// Callback handles GET /callback?state=&code=.
func (h *Handler) Callback(c echo.Context) error {
	if providerErr := c.QueryParam("error"); providerErr != "" {
		return echo.NewHTTPError(http.StatusBadRequest, "provider returned "+providerErr)
	}
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "state and code are required")
	}

	res, err := h.mgr.CompleteLink(c.Request().Context(), state, code, clientID(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Status handles GET /status/:patientId.
func (h *Handler) Status(c echo.Context) error {
	view, err := h.mgr.Status(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

// Refresh handles POST /refresh/:patientId.
func (h *Handler) Refresh(c echo.Context) error {
	patientID := c.Param("patientId")
	if err := h.mgr.ManualRefresh(c.Request().Context(), patientID, clientID(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "refreshed",
		"patientId": patientID,
	})
}

// AccessToken handles GET /token/:patientId.
func (h *Handler) AccessToken(c echo.Context) error {
	patientID := c.Param("patientId")
	tok, err := h.mgr.GetValidAccessToken(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, map[string]string{
		"patientId":   patientID,
		"accessToken": tok,
	})
}

func clientID(c echo.Context) string {
	if client := emrclient.FromContext(c.Request().Context()); client != nil {
		return client.ClientID
	}
	return ""
}

// httpError maps manager errors to HTTP responses.
func httpError(err error) error {
	var status int
	var msg string
	switch {
	case errors.Is(err, ErrInvalidPatientID):
		status, msg = http.StatusBadRequest, "patient id is required"
	case errors.Is(err, ErrMissingVerifier):
		status, msg = http.StatusBadRequest, "no pending link for this state; restart the link flow"
	case errors.Is(err, ErrNotLinked):
		status, msg = http.StatusNotFound, "patient not linked"
	case errors.Is(err, ErrNoRefreshToken):
		status, msg = http.StatusUnauthorized, "no refresh token stored; re-link required"
	case errors.Is(err, ErrRefreshFailed):
		status, msg = http.StatusUnauthorized, "provider rejected the refresh token; re-link required"
	case errors.Is(err, ErrExchangeFailed):
		status, msg = http.StatusInternalServerError, "authorization code exchange failed"
	case errors.Is(err, ErrDecryption):
		status, msg = http.StatusInternalServerError, "stored token could not be decrypted"
	case errors.Is(err, lease.ErrNotAcquired):
		status, msg = http.StatusServiceUnavailable, "link busy; retry"
	default:
		status, msg = http.StatusInternalServerError, "internal error"
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}
