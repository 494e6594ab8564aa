package fhir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedReference is returned when a literal reference is not of the
// form "<ResourceType>/<id>".
var ErrMalformedReference = errors.New("malformed reference")

// Resource types the dashboard routes on.
const (
	ResourceTypePatient      = "Patient"
	ResourceTypePractitioner = "Practitioner"
	ResourceTypeAppointment  = "Appointment"
	ResourceTypeSlot         = "Slot"
)

// ResourceRef is a parsed literal reference such as "Practitioner/1".
type ResourceRef struct {
	Type string
	ID   string
}

// ParseReference splits a relative literal reference into its resource type
// and logical id. Absolute URLs are accepted; only the last two path segments
// are used. Version-specific references ("Patient/1/_history/2") resolve to
// the resource itself.
func ParseReference(ref string) (ResourceRef, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ResourceRef{}, fmt.Errorf("%w: empty reference", ErrMalformedReference)
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")

	parts := strings.Split(ref, "/")
	if len(parts) < 2 {
		return ResourceRef{}, fmt.Errorf("%w: %q", ErrMalformedReference, ref)
	}
	typ, id := parts[len(parts)-2], parts[len(parts)-1]
	if typ == "" || id == "" {
		return ResourceRef{}, fmt.Errorf("%w: %q", ErrMalformedReference, ref)
	}
	if c := typ[0]; c < 'A' || c > 'Z' {
		return ResourceRef{}, fmt.Errorf("%w: resource type %q", ErrMalformedReference, typ)
	}
	return ResourceRef{Type: typ, ID: id}, nil
}

// FormatReference builds a relative literal reference.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
