package upstream

import (
	"context"
	"net/url"
	"time"

	"github.com/ehr/dashboard/internal/platform/fhir"
)

// SearchSlots runs a Slot search with arbitrary parameters.
func (c *Client) SearchSlots(ctx context.Context, creds Credentials, query url.Values) (*Response, error) {
	return c.Read(ctx, creds, fhir.ResourceTypeSlot, query)
}

// QueryFreeSlots looks for free slots of one practitioner that fully cover
// [start, end]: slot.start <= start and slot.end >= end.
func (c *Client) QueryFreeSlots(ctx context.Context, creds Credentials, practitionerID string, start, end time.Time) (*Response, error) {
	q := url.Values{}
	q.Set("actor", fhir.FormatReference(fhir.ResourceTypePractitioner, practitionerID))
	q.Set("start", fhir.DateParam(fhir.PrefixLE, start))
	q.Set("end", fhir.DateParam(fhir.PrefixGE, end))
	q.Set("status", "free")
	return c.SearchSlots(ctx, creds, q)
}

// FreeSlotsOnDay lists free slots of one practitioner starting within the
// UTC calendar day that contains day.
func (c *Client) FreeSlotsOnDay(ctx context.Context, creds Credentials, practitionerID string, day time.Time) (*Response, error) {
	from, to := fhir.DayBounds(day)
	q := url.Values{}
	q.Set("actor", fhir.FormatReference(fhir.ResourceTypePractitioner, practitionerID))
	q.Add("start", fhir.DateParam(fhir.PrefixGE, from))
	q.Add("start", fhir.DateParam(fhir.PrefixLT, to))
	q.Set("status", "free")
	return c.SearchSlots(ctx, creds, q)
}

// SearchAppointments runs an Appointment search.
func (c *Client) SearchAppointments(ctx context.Context, creds Credentials, query url.Values) (*Response, error) {
	return c.Read(ctx, creds, fhir.ResourceTypeAppointment, query)
}

// CreateAppointment POSTs payload unchanged.
func (c *Client) CreateAppointment(ctx context.Context, creds Credentials, payload []byte) (*Response, error) {
	return c.Create(ctx, creds, fhir.ResourceTypeAppointment, payload)
}

// UpdateAppointment PUTs payload unchanged to Appointment/id.
func (c *Client) UpdateAppointment(ctx context.Context, creds Credentials, id string, payload []byte) (*Response, error) {
	return c.Update(ctx, creds, fhir.ResourceTypeAppointment, id, payload)
}

// DeleteAppointment removes Appointment/id.
func (c *Client) DeleteAppointment(ctx context.Context, creds Credentials, id string) (*Response, error) {
	return c.Delete(ctx, creds, fhir.ResourceTypeAppointment, id)
}
