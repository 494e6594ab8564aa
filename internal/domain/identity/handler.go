package identity

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard/internal/platform/session"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the patient routes on an /api group that already
// runs the session middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients", h.ListPatients)
	api.POST("/patients/medicationstatements", h.AddMedicationStatement)
	api.POST("/patients/medicatstatements", h.AddMedicationStatement)
	api.GET("/patients/:id", h.GetPatient)
	api.GET("/patients/:id/allergies", h.records(RecordAllergies))
	api.GET("/patients/:id/conditions", h.records(RecordConditions))
	api.GET("/patients/:id/immunizations", h.records(RecordImmunizations))
	api.GET("/patients/:id/medications", h.records(RecordMedications))
	api.GET("/practitioners", h.ListPractitioners)
}

func (h *Handler) ListPatients(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	resp, err := h.svc.ListPatients(c.Request().Context(), creds, c.QueryParams())
	return respond(c, http.StatusOK, resp, err)
}

func (h *Handler) GetPatient(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	resp, err := h.svc.GetPatient(c.Request().Context(), creds, c.Param("id"))
	return respond(c, http.StatusOK, resp, err)
}

func (h *Handler) records(kind Record) echo.HandlerFunc {
	return func(c echo.Context) error {
		creds, ok := session.FromContext(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		resp, err := h.svc.PatientRecords(c.Request().Context(), creds, c.Param("id"), kind)
		return respond(c, http.StatusOK, resp, err)
	}
}

func (h *Handler) ListPractitioners(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	resp, err := h.svc.ListPractitioners(c.Request().Context(), creds, c.QueryParam("name"))
	return respond(c, http.StatusOK, resp, err)
}

func (h *Handler) AddMedicationStatement(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing or invalid payload")
	}
	resp, err := h.svc.AddMedicationStatement(c.Request().Context(), creds, raw)
	return respond(c, http.StatusCreated, resp, err)
}

// respond writes a successful upstream body with status, or maps err.
func respond(c echo.Context, status int, resp *upstream.Response, err error) error {
	if err != nil {
		var se *upstream.StatusError
		switch {
		case errors.Is(err, ErrInvalidRequest):
			msg := strings.TrimPrefix(err.Error(), ErrInvalidRequest.Error()+": ")
			return echo.NewHTTPError(http.StatusBadRequest, msg)
		case errors.As(err, &se):
			return c.JSON(se.StatusCode, upstream.ErrorBody(se.Body))
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error").SetInternal(err)
		}
	}
	if len(resp.Body) > 0 && !json.Valid(resp.Body) {
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error")
	}
	return c.Blob(status, echo.MIMEApplicationJSON, resp.Body)
}
