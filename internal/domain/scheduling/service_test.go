package scheduling

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/dashboard/internal/platform/upstream"
)

var testCreds = upstream.Credentials{Token: "tok-123", APIKey: "key-456"}

type recordedCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// fakeUpstream stands in for the remote FHIR server. Slot searches and
// Appointment mutations are answered by the configured handlers.
type fakeUpstream struct {
	mu     sync.Mutex
	calls  []recordedCall
	slots  http.HandlerFunc
	mutate http.HandlerFunc
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
	slots, mutate := f.slots, f.mutate
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/fhir/v2/Slot" && slots != nil:
		slots(w, r)
	case mutate != nil:
		mutate(w, r)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (f *fakeUpstream) setSlots(h http.HandlerFunc) {
	f.mu.Lock()
	f.slots = h
	f.mu.Unlock()
}

func (f *fakeUpstream) setMutate(h http.HandlerFunc) {
	f.mu.Lock()
	f.mutate = h
	f.mu.Unlock()
}

func (f *fakeUpstream) callsTo(method, path string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeUpstream) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func dropConnection(http.ResponseWriter, *http.Request) {
	panic(http.ErrAbortHandler)
}

const (
	freeSlots  = `{"resourceType":"Bundle","type":"searchset","total":1,"entry":[{"resource":{"resourceType":"Slot","id":"s1","status":"free"}}]}`
	noSlots    = `{"resourceType":"Bundle","type":"searchset","total":0}`
	createdApt = `{"resourceType":"Appointment","id":"apt-1","status":"booked"}`
)

func newTestService(t *testing.T, fake *fakeUpstream, opts ...Option) *Service {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client := upstream.NewClient(upstream.Config{
		BaseURL:  srv.URL,
		FHIRPath: "/fhir/v2",
		Timeout:  5 * time.Second,
	}, zerolog.Nop())
	return NewService(client, zerolog.Nop(), opts...)
}

func mustParse(t *testing.T, body string) *AppointmentRequest {
	t.Helper()
	req, err := ParseAppointmentRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestSubmit_RejectsInvertedWindowWithoutCalls(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	req := mustParse(t, `{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T09:00:00Z","participant":[{"actor":{"reference":"Practitioner/1"}}]}`)
	_, err := svc.Submit(context.Background(), req, ModeCreate, testCreds)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, 0, fake.total())

	req = mustParse(t, `{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T09:00:00Z"}`)
	req.ID = "apt-1"
	_, err = svc.Submit(context.Background(), req, ModeUpdate, testCreds)
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Equal(t, 0, fake.total())
}

func TestSubmit_CreateMissingFieldsWithoutCalls(t *testing.T) {
	fake := &fakeUpstream{mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	for _, body := range []string{
		`{"end":"2025-09-15T10:30:00Z","participant":[{"actor":{"reference":"Patient/73337"}}]}`,
		`{"start":"2025-09-15T10:00:00Z","participant":[{"actor":{"reference":"Patient/73337"}}]}`,
		`{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z"}`,
	} {
		_, err := svc.Submit(context.Background(), mustParse(t, body), ModeCreate, testCreds)
		assert.True(t, errors.Is(err, ErrInvalidRequest), body)
	}
	assert.Equal(t, 0, fake.total())
}

func TestSubmit_ConflictDoesNotMutate(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)

	assert.True(t, errors.Is(err, ErrNoAvailability))
	assert.Len(t, fake.callsTo(http.MethodGet, "/fhir/v2/Slot"), 1)
	assert.Empty(t, fake.callsTo(http.MethodPost, "/fhir/v2/Appointment"))
}

func TestSubmit_ProbeQueryCoversWindow(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.NoError(t, err)

	probes := fake.callsTo(http.MethodGet, "/fhir/v2/Slot")
	require.Len(t, probes, 1)
	q := probes[0].Query
	assert.Equal(t, "Practitioner/1", q.Get("actor"))
	assert.Equal(t, "le2025-09-15T10:00:00Z", q.Get("start"))
	assert.Equal(t, "ge2025-09-15T10:30:00Z", q.Get("end"))
	assert.Equal(t, "free", q.Get("status"))
}

func TestSubmit_ProbeQueryKeepsFractionalSeconds(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	body := `{"start":"2025-09-15T10:00:00.900Z","end":"2025-09-15T10:30:00.900Z","participant":[{"actor":{"reference":"Practitioner/1"}}]}`
	_, err := svc.Submit(context.Background(), mustParse(t, body), ModeCreate, testCreds)
	require.NoError(t, err)

	probes := fake.callsTo(http.MethodGet, "/fhir/v2/Slot")
	require.Len(t, probes, 1)
	assert.Equal(t, "le2025-09-15T10:00:00.9Z", probes[0].Query.Get("start"))
	assert.Equal(t, "ge2025-09-15T10:30:00.9Z", probes[0].Query.Get("end"))
}

func TestSubmitPayload_CaseVariantKeysRejectedWithoutCalls(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	for _, body := range []string{
		`{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z",
		  "participant":[{"actor":{"reference":"Practitioner/1"}},{"actor":{"reference":"Patient/73337"}}],
		  "Participant":[{"actor":{"reference":"Patient/73337"}}]}`,
		`{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z","Start":"2025-09-16T10:00:00Z",
		  "participant":[{"actor":{"reference":"Practitioner/1"}}]}`,
		`{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z",
		  "participant":[{"actor":{"reference":"Patient/73337"}}],
		  "participant":[{"actor":{"reference":"Practitioner/1"}}]}`,
	} {
		_, err := svc.SubmitPayload(context.Background(), []byte(body), "", ModeCreate, testCreds)
		assert.ErrorIs(t, err, ErrInvalidRequest, body)
	}
	assert.Equal(t, 0, fake.total())
}

func TestSubmitPayload_NullUpdateRejected(t *testing.T) {
	fake := &fakeUpstream{mutate: respond(http.StatusOK, createdApt)}
	svc := newTestService(t, fake)

	_, err := svc.SubmitPayload(context.Background(), []byte(`null`), "apt-1", ModeUpdate, testCreds)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, fake.total())
}

func TestSubmitPayload_JournalsParseFailures(t *testing.T) {
	journal := &memJournal{}
	rec := &countingRecorder{}
	fake := &fakeUpstream{}
	svc := newTestService(t, fake, WithJournal(journal), WithMetrics(rec))

	_, err := svc.SubmitPayload(context.Background(), []byte(`{"start":"tomorrow"}`), "apt-7", ModeUpdate, testCreds)
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Len(t, journal.decisions, 1)
	d := journal.decisions[0]
	assert.Equal(t, ActionInvalid, d.Action)
	assert.Equal(t, "update", d.Mode)
	assert.Equal(t, "apt-7", d.AppointmentID)
	assert.Equal(t, "not_probed", d.Outcome)
	assert.Equal(t, []string{"update/not_probed/invalid"}, rec.seen)
	assert.Equal(t, 0, fake.total())
}

func TestSubmitPayload_SetsTargetID(t *testing.T) {
	fake := &fakeUpstream{mutate: respond(http.StatusOK, createdApt)}
	svc := newTestService(t, fake)

	res, err := svc.SubmitPayload(context.Background(), []byte(`{"status":"cancelled"}`), "apt-1", ModeUpdate, testCreds)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, fake.callsTo(http.MethodPut, "/fhir/v2/Appointment/apt-1"), 1)
}

func TestSubmit_FailOpenOnProbeFailure(t *testing.T) {
	for name, slots := range map[string]http.HandlerFunc{
		"transport error": dropConnection,
		"server error":    respond(http.StatusBadGateway, `upstream down`),
		"malformed body":  respond(http.StatusOK, `{"resourceType":`),
	} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeUpstream{slots: slots, mutate: respond(http.StatusCreated, createdApt)}
			svc := newTestService(t, fake)

			res, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
			require.NoError(t, err)

			assert.Len(t, fake.callsTo(http.MethodPost, "/fhir/v2/Appointment"), 1)
			assert.Equal(t, http.StatusCreated, res.StatusCode)
			assert.JSONEq(t, createdApt, string(res.Body))
		})
	}
}

func TestSubmit_FailOpenReturnsMutationFailure(t *testing.T) {
	fake := &fakeUpstream{slots: dropConnection, mutate: respond(http.StatusUnprocessableEntity, `{"resourceType":"OperationOutcome"}`)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusUnprocessableEntity, ue.StatusCode)
}

func TestSubmit_ProbesFirstPractitionerOnly(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	body := `{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z","participant":[
		{"actor":{"reference":"Practitioner/1"}},
		{"actor":{"reference":"Practitioner/2"}},
		{"actor":{"reference":"Patient/73337"}}]}`
	_, err := svc.Submit(context.Background(), mustParse(t, body), ModeCreate, testCreds)
	require.NoError(t, err)

	probes := fake.callsTo(http.MethodGet, "/fhir/v2/Slot")
	require.Len(t, probes, 1)
	assert.Equal(t, "Practitioner/1", probes[0].Query.Get("actor"))
}

func TestSubmit_ProviderlessSkipsProbe(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake)

	body := `{"start":"2025-09-15T10:00:00Z","end":"2025-09-15T10:30:00Z","participant":[
		{"actor":{"reference":"Patient/73337"}},
		{"actor":{"reference":"Location/5"}}]}`
	res, err := svc.Submit(context.Background(), mustParse(t, body), ModeCreate, testCreds)
	require.NoError(t, err)

	assert.Empty(t, fake.callsTo(http.MethodGet, "/fhir/v2/Slot"))
	assert.Len(t, fake.callsTo(http.MethodPost, "/fhir/v2/Appointment"), 1)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestSubmit_CancellationBypassesProbe(t *testing.T) {
	updated := `{"resourceType":"Appointment","id":"apt-1","status":"cancelled"}`
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusOK, updated)}
	svc := newTestService(t, fake)

	body := `{"status":"cancelled"}`
	req := mustParse(t, body)
	req.ID = "apt-1"
	res, err := svc.Submit(context.Background(), req, ModeUpdate, testCreds)
	require.NoError(t, err)

	assert.Empty(t, fake.callsTo(http.MethodGet, "/fhir/v2/Slot"))
	puts := fake.callsTo(http.MethodPut, "/fhir/v2/Appointment/apt-1")
	require.Len(t, puts, 1)
	assert.Equal(t, body, string(puts[0].Body))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, updated, string(res.Body))
}

func TestSubmit_ForwardsPayloadByteForByte(t *testing.T) {
	// Odd spacing, key order and an unknown field must all survive.
	create := "{ \"participant\":[{\"actor\":{\"reference\":\"Practitioner/1\"}}],\n\"start\":\"2025-09-15T10:00:00Z\", \"end\":\"2025-09-15T10:30:00Z\", \"x-note\": 1.50 }"
	update := `{"resourceType":"Appointment","id":"apt-1","start":"2025-09-15T11:00:00Z","end":"2025-09-15T11:30:00Z","participant":[{"actor":{"reference":"Practitioner/1"}}],"comment":"moved"}`

	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusOK, createdApt)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, create), ModeCreate, testCreds)
	require.NoError(t, err)
	req := mustParse(t, update)
	req.ID = "apt-1"
	_, err = svc.Submit(context.Background(), req, ModeUpdate, testCreds)
	require.NoError(t, err)

	posts := fake.callsTo(http.MethodPost, "/fhir/v2/Appointment")
	require.Len(t, posts, 1)
	assert.Equal(t, create, string(posts[0].Body))

	puts := fake.callsTo(http.MethodPut, "/fhir/v2/Appointment/apt-1")
	require.Len(t, puts, 1)
	assert.Equal(t, update, string(puts[0].Body))
}

func TestSubmit_UpstreamErrorPassesThrough(t *testing.T) {
	outcome := `{"resourceType":"OperationOutcome","issue":[{"severity":"error","code":"duplicate"}]}`
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusConflict, outcome)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)

	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusConflict, ue.StatusCode)
	assert.Equal(t, outcome, string(ue.Body))
	assert.Equal(t, "application/fhir+json", ue.ContentType)
}

func TestSubmit_MalformedSuccessBodyIsInternal(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, `<html>`)}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	assert.True(t, errors.Is(err, ErrInternal))
}

func TestSubmit_MutationTransportErrorIsInternal(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: dropConnection}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	assert.True(t, errors.Is(err, ErrInternal))
}

func TestSubmit_ForwardsCredentials(t *testing.T) {
	var auth, key []string
	var mu sync.Mutex
	capture := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			auth = append(auth, r.Header.Get("Authorization"))
			key = append(key, r.Header.Get("x-api-key"))
			mu.Unlock()
			next(w, r)
		}
	}
	fake := &fakeUpstream{slots: capture(respond(http.StatusOK, freeSlots)), mutate: capture(respond(http.StatusCreated, createdApt))}
	svc := newTestService(t, fake)

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer tok-123", "Bearer tok-123"}, auth)
	assert.Equal(t, []string{"key-456", "key-456"}, key)
}

type memJournal struct {
	mu        sync.Mutex
	decisions []*Decision
	err       error
}

func (m *memJournal) Record(_ context.Context, d *Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *d
	m.decisions = append(m.decisions, &cp)
	return nil
}

func (m *memJournal) List(_ context.Context, practitionerID string, limit, offset int) ([]*Decision, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var match []*Decision
	for i := len(m.decisions) - 1; i >= 0; i-- {
		if practitionerID == "" || m.decisions[i].PractitionerID == practitionerID {
			match = append(match, m.decisions[i])
		}
	}
	total := len(match)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return match[offset:end], total, nil
}

type published struct {
	key   string
	event ChangeEvent
}

type memPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (m *memPublisher) Publish(_ context.Context, routingKey string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, published{key: routingKey, event: payload.(ChangeEvent)})
	return nil
}

func TestSubmit_JournalsDecisions(t *testing.T) {
	journal := &memJournal{}

	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake, WithJournal(journal))
	_, _ = svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)

	fake.setSlots(respond(http.StatusOK, freeSlots))
	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.NoError(t, err)

	_, _ = svc.Submit(context.Background(), mustParse(t, `{"start":"2025-09-15T10:00:00Z"}`), ModeCreate, testCreds)

	require.Len(t, journal.decisions, 3)

	rejected := journal.decisions[0]
	assert.Equal(t, ActionRejected, rejected.Action)
	assert.Equal(t, "conflict", rejected.Outcome)
	assert.Equal(t, "1", rejected.PractitionerID)
	assert.Equal(t, "create", rejected.Mode)

	forwarded := journal.decisions[1]
	assert.Equal(t, ActionForwarded, forwarded.Action)
	assert.Equal(t, "available", forwarded.Outcome)
	assert.Equal(t, "apt-1", forwarded.AppointmentID)
	assert.Equal(t, http.StatusCreated, forwarded.UpstreamStatus)
	require.NotNil(t, forwarded.WindowStart)
	assert.Equal(t, *ts("10:00"), *forwarded.WindowStart)

	invalid := journal.decisions[2]
	assert.Equal(t, ActionInvalid, invalid.Action)
	assert.Equal(t, "not_probed", invalid.Outcome)

	items, total, err := svc.Decisions(context.Background(), "1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, ActionForwarded, items[0].Action)
}

func TestSubmit_JournalFailureDoesNotFailBooking(t *testing.T) {
	journal := &memJournal{err: errors.New("db down")}
	publisher := &memPublisher{err: errors.New("broker down")}
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake, WithJournal(journal), WithPublisher(publisher))

	res, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
}

func TestSubmit_PublishesChanges(t *testing.T) {
	publisher := &memPublisher{}
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake, WithPublisher(publisher))

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.NoError(t, err)

	fake.setMutate(respond(http.StatusOK, `{"resourceType":"Appointment","id":"apt-1","status":"cancelled"}`))
	req := mustParse(t, `{"status":"cancelled"}`)
	req.ID = "apt-1"
	_, err = svc.Submit(context.Background(), req, ModeUpdate, testCreds)
	require.NoError(t, err)

	fake.setMutate(respond(http.StatusNoContent, ``))
	require.NoError(t, svc.Cancel(context.Background(), "apt-1", testCreds))

	require.Len(t, publisher.events, 3)
	assert.Equal(t, "appointment.created", publisher.events[0].key)
	assert.Equal(t, "apt-1", publisher.events[0].event.AppointmentID)
	assert.Equal(t, "booked", publisher.events[0].event.Status)
	assert.Equal(t, "appointment.updated", publisher.events[1].key)
	assert.Equal(t, "cancelled", publisher.events[1].event.Status)
	assert.Equal(t, "appointment.deleted", publisher.events[2].key)
}

func TestSubmit_RejectionsAreNotPublished(t *testing.T) {
	publisher := &memPublisher{}
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusCreated, createdApt)}
	svc := newTestService(t, fake, WithPublisher(publisher))

	_, err := svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	require.ErrorIs(t, err, ErrNoAvailability)
	assert.Empty(t, publisher.events)
}

func TestDecisions_WithoutJournal(t *testing.T) {
	svc := newTestService(t, &fakeUpstream{})
	_, _, err := svc.Decisions(context.Background(), "", 10, 0)
	assert.ErrorIs(t, err, ErrJournalDisabled)
}

func TestCancel(t *testing.T) {
	fake := &fakeUpstream{mutate: respond(http.StatusOK, ``)}
	svc := newTestService(t, fake)

	require.NoError(t, svc.Cancel(context.Background(), "apt-9", testCreds))
	assert.Len(t, fake.callsTo(http.MethodDelete, "/fhir/v2/Appointment/apt-9"), 1)

	fake.setMutate(respond(http.StatusNotFound, `gone`))
	err := svc.Cancel(context.Background(), "apt-9", testCreds)
	var ue *UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, http.StatusNotFound, ue.StatusCode)

	assert.ErrorIs(t, svc.Cancel(context.Background(), "", testCreds), ErrInvalidRequest)
}

func TestListAppointments_Query(t *testing.T) {
	fake := &fakeUpstream{mutate: respond(http.StatusOK, `{"resourceType":"Bundle","total":0}`)}
	svc := newTestService(t, fake)

	res, err := svc.ListAppointments(context.Background(), AppointmentFilter{PatientID: "73337", PractitionerID: "1", Date: "2025-09-15"}, testCreds)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	calls := fake.callsTo(http.MethodGet, "/fhir/v2/Appointment")
	require.Len(t, calls, 1)
	assert.Equal(t, "Patient/73337", calls[0].Query.Get("patient"))
	assert.Equal(t, "Practitioner/1", calls[0].Query.Get("actor"))
	assert.Equal(t, "2025-09-15", calls[0].Query.Get("date"))
}

func TestFreeSlots_DayRange(t *testing.T) {
	fake := &fakeUpstream{slots: respond(http.StatusOK, freeSlots)}
	svc := newTestService(t, fake)

	day := time.Date(2025, 9, 15, 0, 0, 0, 0, time.UTC)
	res, err := svc.FreeSlots(context.Background(), "1", day, testCreds)
	require.NoError(t, err)
	assert.JSONEq(t, freeSlots, string(res.Body))

	calls := fake.callsTo(http.MethodGet, "/fhir/v2/Slot")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"ge2025-09-15T00:00:00Z", "lt2025-09-16T00:00:00Z"}, calls[0].Query["start"])
	assert.Equal(t, "Practitioner/1", calls[0].Query.Get("actor"))
	assert.Equal(t, "free", calls[0].Query.Get("status"))
}

type countingRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *countingRecorder) RecordDecision(_ context.Context, mode, outcome, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, mode+"/"+outcome+"/"+action)
}

func TestSubmit_RecordsMetrics(t *testing.T) {
	rec := &countingRecorder{}
	fake := &fakeUpstream{slots: respond(http.StatusOK, noSlots), mutate: respond(http.StatusOK, createdApt)}
	svc := newTestService(t, fake, WithMetrics(rec))

	_, _ = svc.Submit(context.Background(), mustParse(t, createBody), ModeCreate, testCreds)
	req := mustParse(t, `{"status":"cancelled"}`)
	req.ID = "apt-1"
	_, _ = svc.Submit(context.Background(), req, ModeUpdate, testCreds)

	assert.Equal(t, []string{"create/conflict/rejected", "update/not_probed/forwarded"}, rec.seen)
}
