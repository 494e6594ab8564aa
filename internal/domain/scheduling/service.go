package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/platform/fhir"
	"github.com/ehr/dashboard/internal/platform/middleware"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

// AppointmentClient is the slice of the upstream API the service uses.
type AppointmentClient interface {
	SlotQuerier
	CreateAppointment(ctx context.Context, creds upstream.Credentials, payload []byte) (*upstream.Response, error)
	UpdateAppointment(ctx context.Context, creds upstream.Credentials, id string, payload []byte) (*upstream.Response, error)
	DeleteAppointment(ctx context.Context, creds upstream.Credentials, id string) (*upstream.Response, error)
	SearchAppointments(ctx context.Context, creds upstream.Credentials, query url.Values) (*upstream.Response, error)
	FreeSlotsOnDay(ctx context.Context, creds upstream.Credentials, practitionerID string, day time.Time) (*upstream.Response, error)
}

// Service validates appointment submissions, checks availability and
// forwards mutations upstream. It keeps no state between calls.
type Service struct {
	client    AppointmentClient
	prober    *Prober
	journal   DecisionRepository
	publisher Publisher
	metrics   DecisionRecorder
	logger    zerolog.Logger
}

// DecisionRecorder counts submissions, typically as a metric.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, mode, outcome, action string)
}

// Option configures optional collaborators.
type Option func(*Service)

// WithJournal records every submission decision.
func WithJournal(r DecisionRepository) Option {
	return func(s *Service) { s.journal = r }
}

// WithMetrics counts every submission decision.
func WithMetrics(m DecisionRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublisher announces successful mutations.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(client AppointmentClient, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		client: client,
		prober: NewProber(client, logger),
		logger: logger.With().Str("component", "booking").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs one create or update through validation, the availability
// check and the upstream mutation. Errors are ErrInvalidRequest,
// ErrNoAvailability, *UpstreamError or ErrInternal.
func (s *Service) Submit(ctx context.Context, req *AppointmentRequest, mode Mode, creds upstream.Credentials) (*Result, error) {
	d := &Decision{
		Mode:          mode.String(),
		AppointmentID: req.ID,
		WindowStart:   req.Start,
		WindowEnd:     req.End,
		RequestID:     middleware.RequestIDFromContext(ctx),
	}

	if err := req.Validate(mode); err != nil {
		d.Action = ActionInvalid
		s.record(ctx, d)
		return nil, err
	}

	if req.HasWindow() {
		if p, ok := req.FirstPractitioner(); ok {
			d.PractitionerID = p.ID
			probe := s.prober.Probe(ctx, p.ID, *req.Start, *req.End, creds)
			d.Outcome = probe.Outcome.String()

			switch probe.Outcome {
			case OutcomeConflict:
				s.logger.Info().
					Str("request_id", d.RequestID).
					Str("practitioner_id", p.ID).
					Time("window_start", *req.Start).
					Time("window_end", *req.End).
					Msg("no free slot covers the requested window")
				d.Action = ActionRejected
				s.record(ctx, d)
				return nil, ErrNoAvailability
			case OutcomeIndeterminate:
				s.logger.Warn().
					Err(probe.Err).
					Str("request_id", d.RequestID).
					Str("practitioner_id", p.ID).
					Time("window_start", *req.Start).
					Time("window_end", *req.End).
					Msg("availability check failed, proceeding anyway")
			}
		}
	}
	resp, err := s.mutate(ctx, req, mode, creds)
	if err != nil {
		d.Action = ActionFailed
		s.record(ctx, d)
		s.logger.Error().Err(err).Str("request_id", d.RequestID).Str("mode", d.Mode).Msg("upstream mutation failed")
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	d.UpstreamStatus = resp.StatusCode

	if !resp.OK() {
		d.Action = ActionFailed
		s.record(ctx, d)
		s.logger.Error().
			Str("request_id", d.RequestID).
			Str("mode", d.Mode).
			Int("upstream_status", resp.StatusCode).
			Str("diagnostics", fhir.OutcomeDiagnostics(resp.Body)).
			Msg("upstream rejected appointment")
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType}
	}

	if len(resp.Body) > 0 && !json.Valid(resp.Body) {
		d.Action = ActionFailed
		s.record(ctx, d)
		s.logger.Error().Str("request_id", d.RequestID).Int("upstream_status", resp.StatusCode).Msg("upstream returned malformed JSON")
		return nil, fmt.Errorf("%w: malformed upstream response", ErrInternal)
	}

	d.Action = ActionForwarded
	if d.AppointmentID == "" {
		d.AppointmentID = resourceID(resp.Body)
	}
	s.record(ctx, d)
	s.publish(ctx, mode.String()+"d", d.AppointmentID, statusOf(req, resp.Body))

	status := http.StatusOK
	if mode == ModeCreate {
		status = http.StatusCreated
	}
	return &Result{StatusCode: status, Body: resp.Body, ContentType: resp.ContentType}, nil
}

// SubmitPayload parses raw and runs it through Submit. A payload that does
// not parse is recorded as an invalid decision before the error is returned.
func (s *Service) SubmitPayload(ctx context.Context, raw []byte, id string, mode Mode, creds upstream.Credentials) (*Result, error) {
	req, err := ParseAppointmentRequest(raw)
	if err != nil {
		s.record(ctx, &Decision{
			Mode:          mode.String(),
			AppointmentID: id,
			Action:        ActionInvalid,
			RequestID:     middleware.RequestIDFromContext(ctx),
		})
		return nil, err
	}
	req.ID = id
	return s.Submit(ctx, req, mode, creds)
}

// mutate sends req.Raw exactly as received.
func (s *Service) mutate(ctx context.Context, req *AppointmentRequest, mode Mode, creds upstream.Credentials) (*upstream.Response, error) {
	if mode == ModeCreate {
		return s.client.CreateAppointment(ctx, creds, req.Raw)
	}
	return s.client.UpdateAppointment(ctx, creds, req.ID, req.Raw)
}

// Cancel deletes an appointment upstream.
func (s *Service) Cancel(ctx context.Context, id string, creds upstream.Credentials) error {
	if id == "" {
		return invalid("appointment id is required")
	}
	resp, err := s.client.DeleteAppointment(ctx, creds, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !resp.OK() {
		return &UpstreamError{StatusCode: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType}
	}
	s.publish(ctx, "deleted", id, "cancelled")
	return nil
}

// AppointmentFilter narrows an appointment listing. Empty fields are ignored.
type AppointmentFilter struct {
	PatientID      string
	PractitionerID string
	Date           string
}

func (f AppointmentFilter) query() url.Values {
	q := url.Values{}
	if f.PatientID != "" {
		q.Set("patient", fhir.FormatReference(fhir.ResourceTypePatient, f.PatientID))
	}
	if f.PractitionerID != "" {
		q.Set("actor", fhir.FormatReference(fhir.ResourceTypePractitioner, f.PractitionerID))
	}
	if f.Date != "" {
		q.Set("date", f.Date)
	}
	return q
}

// ListAppointments searches upstream appointments.
func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, creds upstream.Credentials) (*Result, error) {
	resp, err := s.client.SearchAppointments(ctx, creds, f.query())
	return passThrough(resp, err)
}

// FreeSlots lists a practitioner's free slots on one UTC day.
func (s *Service) FreeSlots(ctx context.Context, practitionerID string, day time.Time, creds upstream.Credentials) (*Result, error) {
	if practitionerID == "" {
		return nil, invalid("practitioner id is required")
	}
	resp, err := s.client.FreeSlotsOnDay(ctx, creds, practitionerID, day)
	return passThrough(resp, err)
}

// Probe exposes a single availability check, used by the operator CLI.
func (s *Service) Probe(ctx context.Context, practitionerID string, start, end time.Time, creds upstream.Credentials) ProbeResult {
	return s.prober.Probe(ctx, practitionerID, start, end, creds)
}

func passThrough(resp *upstream.Response, err error) (*Result, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	if !resp.OK() {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType}
	}
	return &Result{StatusCode: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType}, nil
}

func (s *Service) record(ctx context.Context, d *Decision) {
	if d.Outcome == "" {
		d.Outcome = Outcome(0).String()
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(ctx, d.Mode, d.Outcome, string(d.Action))
	}
	if s.journal == nil {
		return
	}
	d.CreatedAt = time.Now().UTC()
	// The booking already has its answer; a slow journal must not hold it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, d); err != nil {
		s.logger.Error().Err(err).Str("request_id", d.RequestID).Msg("failed to journal booking decision")
	}
}

func (s *Service) publish(ctx context.Context, action, appointmentID, status string) {
	if s.publisher == nil {
		return
	}
	ev := ChangeEvent{Action: action, AppointmentID: appointmentID, Status: status, At: time.Now().UTC()}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, "appointment."+action, ev); err != nil {
		s.logger.Error().Err(err).Str("appointment_id", appointmentID).Str("action", action).Msg("failed to publish appointment change")
	}
}

func resourceID(body []byte) string {
	var r fhir.Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return ""
	}
	return r.ID
}

func statusOf(req *AppointmentRequest, body []byte) string {
	var v struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &v); err == nil && v.Status != "" {
		return v.Status
	}
	return req.Status
}

// ErrJournalDisabled is returned by Decisions when no journal is configured.
var ErrJournalDisabled = errors.New("decision journal is not configured")

// Decisions pages through journaled booking decisions, newest first.
func (s *Service) Decisions(ctx context.Context, practitionerID string, limit, offset int) ([]*Decision, int, error) {
	if s.journal == nil {
		return nil, 0, ErrJournalDisabled
	}
	return s.journal.List(ctx, practitionerID, limit, offset)
}
