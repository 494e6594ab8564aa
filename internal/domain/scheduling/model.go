package scheduling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ehr/dashboard/internal/platform/fhir"
)

// Mode selects the upstream mutation a submission turns into.
type Mode int

const (
	ModeCreate Mode = iota + 1
	ModeUpdate
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Role classifies a participant by the resource type of its actor.
type Role string

const (
	RolePatient      Role = "Patient"
	RolePractitioner Role = "Practitioner"
	RoleOther        Role = "Other"
)

// Participant is a typed view of one Appointment.participant entry.
type Participant struct {
	Role Role
	ID   string
}

// AppointmentRequest is the validated view of a submitted Appointment. Raw
// holds the exact bytes received; those bytes, not a re-encoding of the
// parsed fields, are what gets forwarded upstream.
type AppointmentRequest struct {
	// ID is the target appointment for ModeUpdate.
	ID           string
	Start        *time.Time
	End          *time.Time
	Participants []Participant
	Status       string
	Raw          []byte
}

// HasWindow reports whether both ends of the time range are present.
func (r *AppointmentRequest) HasWindow() bool {
	return r.Start != nil && r.End != nil
}

// FirstPractitioner returns the first practitioner participant in declared
// order.
func (r *AppointmentRequest) FirstPractitioner() (Participant, bool) {
	for _, p := range r.Participants {
		if p.Role == RolePractitioner {
			return p, true
		}
	}
	return Participant{}, false
}

// ParseAppointmentRequest decodes raw into an AppointmentRequest. Structural
// problems (bad JSON, unparsable instants, malformed actor references) are
// reported as ErrInvalidRequest. Required-field and ordering checks happen in
// Validate, since they depend on the mode.
//
// The fields read here must be the same ones the upstream server reads from
// the forwarded bytes, so keys are matched exactly. A repeated key, or a key
// that differs from a read field only by case, is rejected.
func ParseAppointmentRequest(raw []byte) (*AppointmentRequest, error) {
	fields, err := decodeObject(raw, "resourceType", "status", "start", "end", "participant")
	if err != nil {
		return nil, invalid("body %v", err)
	}

	var resourceType string
	if err := decodeField(fields, "resourceType", &resourceType); err != nil {
		return nil, err
	}
	if resourceType != "" && resourceType != fhir.ResourceTypeAppointment {
		return nil, invalid("resourceType must be Appointment, got %q", resourceType)
	}

	req := &AppointmentRequest{Raw: raw}
	if err := decodeField(fields, "status", &req.Status); err != nil {
		return nil, err
	}

	var start, end *string
	if err := decodeField(fields, "start", &start); err != nil {
		return nil, err
	}
	if err := decodeField(fields, "end", &end); err != nil {
		return nil, err
	}
	if req.Start, err = parseInstant("start", start); err != nil {
		return nil, err
	}
	if req.End, err = parseInstant("end", end); err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := decodeField(fields, "participant", &entries); err != nil {
		return nil, err
	}
	for i, entry := range entries {
		p, err := parseParticipant(entry)
		if err != nil {
			return nil, invalid("participant[%d]%v", i, err)
		}
		req.Participants = append(req.Participants, p)
	}
	return req, nil
}

func parseParticipant(raw json.RawMessage) (Participant, error) {
	entry, err := decodeObject(raw, "actor")
	if err != nil {
		return Participant{}, fmt.Errorf(" %v", err)
	}
	actor, ok := entry["actor"]
	if !ok || isNull(actor) {
		return Participant{Role: RoleOther}, nil
	}
	fields, err := decodeObject(actor, "reference")
	if err != nil {
		return Participant{}, fmt.Errorf(".actor %v", err)
	}
	var reference string
	if v, ok := fields["reference"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &reference); err != nil {
			return Participant{}, fmt.Errorf(".actor.reference must be a string")
		}
	}
	if strings.TrimSpace(reference) == "" {
		return Participant{Role: RoleOther}, nil
	}
	ref, err := fhir.ParseReference(reference)
	if err != nil {
		return Participant{}, fmt.Errorf(".actor: %v", err)
	}
	return Participant{Role: roleFor(ref.Type), ID: ref.ID}, nil
}

// decodeObject splits a JSON object into its members. It fails when raw is
// not a single object, when any key repeats, or when a key matches one of
// known only case-insensitively.
func decodeObject(raw []byte, known ...string) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("is not valid JSON: %v", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("is not a JSON object")
	}

	fields := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("is not valid JSON: %v", err)
		}
		key := tok.(string)
		if _, dup := fields[key]; dup {
			return nil, fmt.Errorf("repeats key %q", key)
		}
		for _, k := range known {
			if key != k && strings.EqualFold(key, k) {
				return nil, fmt.Errorf("has key %q, expected %q", key, k)
			}
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("is not valid JSON: %v", err)
		}
		fields[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("is not valid JSON: %v", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("has trailing data after the object")
	}
	return fields, nil
}

// decodeField unmarshals fields[key] into dst when present and not null.
func decodeField(fields map[string]json.RawMessage, key string, dst interface{}) error {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return invalid("%s has the wrong type", key)
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

func parseInstant(field string, v *string) (*time.Time, error) {
	if v == nil || strings.TrimSpace(*v) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*v))
	if err != nil {
		return nil, invalid("%s is not an ISO-8601 instant: %q", field, *v)
	}
	t = t.UTC()
	return &t, nil
}

func roleFor(resourceType string) Role {
	switch resourceType {
	case fhir.ResourceTypePatient:
		return RolePatient
	case fhir.ResourceTypePractitioner:
		return RolePractitioner
	default:
		return RoleOther
	}
}

// Validate applies the mode-dependent checks. It never performs I/O.
func (r *AppointmentRequest) Validate(mode Mode) error {
	switch mode {
	case ModeCreate:
		if r.Start == nil || r.End == nil || len(r.Participants) == 0 {
			return invalid("start, end and at least one participant are required")
		}
	case ModeUpdate:
		if strings.TrimSpace(r.ID) == "" {
			return invalid("appointment id is required for update")
		}
	default:
		return invalid("unknown mode %d", int(mode))
	}

	if (r.Start == nil) != (r.End == nil) {
		return invalid("start and end must be provided together")
	}
	if r.HasWindow() && !r.Start.Before(*r.End) {
		return invalid("start must be before end")
	}
	return nil
}

// Outcome is the tri-state answer of an availability probe. The zero value
// means no probe was made.
type Outcome int

const (
	OutcomeAvailable Outcome = iota + 1
	OutcomeConflict
	OutcomeIndeterminate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAvailable:
		return "available"
	case OutcomeConflict:
		return "conflict"
	case OutcomeIndeterminate:
		return "indeterminate"
	default:
		return "not_probed"
	}
}

// Result is a successful upstream reply, passed through verbatim.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

var (
	// ErrInvalidRequest marks malformed input; nothing was sent upstream.
	ErrInvalidRequest = errors.New("invalid appointment request")
	// ErrNoAvailability means the probe found no free slot covering the window.
	ErrNoAvailability = errors.New("no availability")
	// ErrInternal covers unexpected failures such as an unreadable upstream reply.
	ErrInternal = errors.New("internal error")
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// UpstreamError carries a failed upstream mutation so callers can relay the
// original status and body.
type UpstreamError struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}
