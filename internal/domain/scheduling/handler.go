package scheduling

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/dashboard/internal/platform/session"
	"github.com/ehr/dashboard/internal/platform/upstream"
	"github.com/ehr/dashboard/pkg/pagination"
)

const msgConflict = "No availability - conflict detected"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the appointment routes on an /api group that already
// runs the session middleware.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments", h.ListAppointments)
	api.POST("/appointments", h.CreateAppointment)
	api.PUT("/appointments/:id", h.UpdateAppointment)
	api.DELETE("/appointments/:id", h.CancelAppointment)
	api.GET("/appointments/:id/availability", h.Availability)
	api.GET("/providers/:id/availability", h.Availability)
	api.GET("/booking-decisions", h.ListDecisions)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	return h.submit(c, ModeCreate, "")
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	return h.submit(c, ModeUpdate, c.Param("id"))
}

func (h *Handler) submit(c echo.Context, mode Mode, id string) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}

	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	res, err := h.svc.SubmitPayload(c.Request().Context(), raw, id, mode, creds)
	if err != nil {
		return submitError(c, err)
	}
	return writeResult(c, res)
}

// submitError relays upstream failures byte for byte.
func submitError(c echo.Context, err error) error {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, invalidMessage(err))
	case errors.Is(err, ErrNoAvailability):
		return echo.NewHTTPError(http.StatusConflict, msgConflict)
	case errors.As(err, &ue):
		return writeResult(c, &Result{StatusCode: ue.StatusCode, Body: ue.Body, ContentType: ue.ContentType})
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error").SetInternal(err)
	}
}

// readError wraps upstream failures as {"error": <upstream body>}.
func readError(c echo.Context, err error) error {
	var ue *UpstreamError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, invalidMessage(err))
	case errors.As(err, &ue):
		return c.JSON(ue.StatusCode, upstream.ErrorBody(ue.Body))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error").SetInternal(err)
	}
}

func invalidMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), ErrInvalidRequest.Error()+": ")
	return "Invalid payload: " + msg
}

func writeResult(c echo.Context, res *Result) error {
	ct := res.ContentType
	if ct == "" {
		ct = echo.MIMEApplicationJSON
	}
	return c.Blob(res.StatusCode, ct, res.Body)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	if err := h.svc.Cancel(c.Request().Context(), c.Param("id"), creds); err != nil {
		return readError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Appointment canceled"})
}

func (h *Handler) ListAppointments(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	f := AppointmentFilter{
		PatientID:      c.QueryParam("patient"),
		PractitionerID: c.QueryParam("provider"),
		Date:           c.QueryParam("date"),
	}
	res, err := h.svc.ListAppointments(c.Request().Context(), f, creds)
	if err != nil {
		return readError(c, err)
	}
	return writeResult(c, res)
}

// Availability lists a provider's free slots for ?date=YYYY-MM-DD.
func (h *Handler) Availability(c echo.Context) error {
	creds, ok := session.FromContext(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	date := c.QueryParam("date")
	if date == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing date parameter")
	}
	day, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid date parameter")
	}

	res, err := h.svc.FreeSlots(c.Request().Context(), c.Param("id"), day, creds)
	if err != nil {
		return readError(c, err)
	}
	return writeResult(c, res)
}

func (h *Handler) ListDecisions(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.Decisions(c.Request().Context(), c.QueryParam("practitioner"), p.Limit, p.Offset)
	if err != nil {
		if errors.Is(err, ErrJournalDisabled) {
			return echo.NewHTTPError(http.StatusNotFound, "Decision journal is disabled")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Internal server error").SetInternal(err)
	}
	if items == nil {
		items = []*Decision{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}
