package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidRequest marks input rejected before any upstream call.
var ErrInvalidRequest = errors.New("invalid request")

// fhirID matches the FHIR logical id grammar.
var fhirID = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

func validID(id string) error {
	if !fhirID.MatchString(id) {
		return fmt.Errorf("%w: invalid patient id %q", ErrInvalidRequest, id)
	}
	return nil
}

// Record is a per-patient clinical listing.
type Record string

const (
	RecordAllergies     Record = "allergies"
	RecordConditions    Record = "conditions"
	RecordImmunizations Record = "immunizations"
	RecordMedications   Record = "medications"
)

// ResourceType is the upstream resource searched for r.
func (r Record) ResourceType() string {
	switch r {
	case RecordAllergies:
		return "AllergyIntolerance"
	case RecordConditions:
		return "Condition"
	case RecordImmunizations:
		return "Immunization"
	case RecordMedications:
		return "MedicationStatement"
	default:
		return ""
	}
}

const defaultMedicationStatus = "active"

// PrepareMedicationStatement checks a new MedicationStatement and fills in
// status when absent. Every other field is kept as received.
func PrepareMedicationStatement(raw []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: Missing or invalid payload", ErrInvalidRequest)
	}
	if missing(fields["subject"]) || missing(fields["medicationCodeableConcept"]) {
		return nil, fmt.Errorf("%w: Missing required fields: subject and medicationCodeableConcept are required", ErrInvalidRequest)
	}
	if rt, ok := fields["resourceType"]; ok && !bytes.Equal(rt, []byte(`"MedicationStatement"`)) {
		return nil, fmt.Errorf("%w: resourceType must be MedicationStatement", ErrInvalidRequest)
	}

	changed := false
	if missing(fields["status"]) || bytes.Equal(fields["status"], []byte(`""`)) {
		fields["status"] = json.RawMessage(`"` + defaultMedicationStatus + `"`)
		changed = true
	}
	if _, ok := fields["resourceType"]; !ok {
		fields["resourceType"] = json.RawMessage(`"MedicationStatement"`)
		changed = true
	}
	if !changed {
		return raw, nil
	}
	return json.Marshal(fields)
}

func missing(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}
