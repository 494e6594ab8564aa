package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/dashboard/internal/platform/fhir"
	"github.com/ehr/dashboard/internal/platform/upstream"
)

// SlotQuerier is the upstream read the prober needs.
type SlotQuerier interface {
	QueryFreeSlots(ctx context.Context, creds upstream.Credentials, practitionerID string, start, end time.Time) (*upstream.Response, error)
}

// ProbeResult is the reduced answer of one probe. Err is set only for
// OutcomeIndeterminate and says why the question could not be answered.
type ProbeResult struct {
	Outcome Outcome
	Matches int
	Err     error
}

// Prober asks the upstream whether a practitioner has a free slot that fully
// covers a window. It makes exactly one request and never retries.
type Prober struct {
	slots  SlotQuerier
	logger zerolog.Logger
}

func NewProber(slots SlotQuerier, logger zerolog.Logger) *Prober {
	return &Prober{slots: slots, logger: logger.With().Str("component", "prober").Logger()}
}

var errBadWindow = errors.New("probe needs a practitioner and start before end")

// Probe never returns Conflict unless the upstream answered successfully
// with zero matches; every failure to get an answer is Indeterminate.
func (p *Prober) Probe(ctx context.Context, practitionerID string, start, end time.Time, creds upstream.Credentials) ProbeResult {
	if practitionerID == "" || !start.Before(end) {
		return ProbeResult{Outcome: OutcomeIndeterminate, Err: errBadWindow}
	}

	resp, err := p.slots.QueryFreeSlots(ctx, creds, practitionerID, start, end)
	if err != nil {
		return ProbeResult{Outcome: OutcomeIndeterminate, Err: err}
	}
	if err := resp.Err("slot search"); err != nil {
		return ProbeResult{Outcome: OutcomeIndeterminate, Err: err}
	}

	bundle, err := fhir.DecodeBundle(resp.Body)
	if err != nil {
		return ProbeResult{Outcome: OutcomeIndeterminate, Err: fmt.Errorf("slot search: %w", err)}
	}
	if bundle.ResourceType != "Bundle" {
		return ProbeResult{Outcome: OutcomeIndeterminate, Err: errors.New("slot search: reply is not a Bundle")}
	}

	n := bundle.Count()
	p.logger.Debug().
		Str("practitioner_id", practitionerID).
		Time("window_start", start).
		Time("window_end", end).
		Int("matches", n).
		Msg("availability probed")

	if n > 0 {
		return ProbeResult{Outcome: OutcomeAvailable, Matches: n}
	}
	return ProbeResult{Outcome: OutcomeConflict}
}
