package identity

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/platform/fhir"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

// Upstream is the read/create surface of the remote FHIR server.
type Upstream interface {
	Read(ctx context.Context, creds upstream.Credentials, path string, query url.Values) (*upstream.Response, error)
	Create(ctx context.Context, creds upstream.Credentials, resourceType string, payload []byte) (*upstream.Response, error)
}

// patientSearchParams are the Patient search parameters passed through.
var patientSearchParams = []string{"name", "family", "given", "birthdate", "identifier", "gender", "_count"}

// Service proxies patient record reads. Upstream non-2xx replies come back
// as *upstream.StatusError.
type Service struct {
	upstream Upstream
	logger   zerolog.Logger
}

func NewService(u Upstream, logger zerolog.Logger) *Service {
	return &Service{upstream: u, logger: logger.With().Str("component", "patients").Logger()}
}

// ListPatients searches patients, keeping only known search parameters.
func (s *Service) ListPatients(ctx context.Context, creds upstream.Credentials, params url.Values) (*upstream.Response, error) {
	q := url.Values{}
	for _, name := range patientSearchParams {
		if v := params.Get(name); v != "" {
			q.Set(name, v)
		}
	}
	return s.read(ctx, creds, fhir.ResourceTypePatient, q)
}

func (s *Service) GetPatient(ctx context.Context, creds upstream.Credentials, id string) (*upstream.Response, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	return s.read(ctx, creds, fhir.FormatReference(fhir.ResourceTypePatient, id), nil)
}

// PatientRecords lists one kind of clinical record for a patient.
func (s *Service) PatientRecords(ctx context.Context, creds upstream.Credentials, id string, kind Record) (*upstream.Response, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	rt := kind.ResourceType()
	if rt == "" {
		return nil, fmt.Errorf("%w: unknown record %q", ErrInvalidRequest, kind)
	}
	return s.read(ctx, creds, rt, url.Values{"patient": {id}})
}

// ListPractitioners lists practitioners for the booking form.
func (s *Service) ListPractitioners(ctx context.Context, creds upstream.Credentials, name string) (*upstream.Response, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	return s.read(ctx, creds, fhir.ResourceTypePractitioner, q)
}

// AddMedicationStatement validates and forwards a new MedicationStatement.
func (s *Service) AddMedicationStatement(ctx context.Context, creds upstream.Credentials, raw []byte) (*upstream.Response, error) {
	payload, err := PrepareMedicationStatement(raw)
	if err != nil {
		return nil, err
	}
	resp, err := s.upstream.Create(ctx, creds, "MedicationStatement", payload)
	if err != nil {
		return nil, err
	}
	if err := resp.Err("create MedicationStatement"); err != nil {
		s.logger.Warn().Int("upstream_status", resp.StatusCode).Msg("medication statement rejected")
		return nil, err
	}
	return resp, nil
}

func (s *Service) read(ctx context.Context, creds upstream.Credentials, path string, q url.Values) (*upstream.Response, error) {
	resp, err := s.upstream.Read(ctx, creds, path, q)
	if err != nil {
		return nil, err
	}
	if err := resp.Err("read " + path); err != nil {
		return nil, err
	}
	return resp, nil
}
