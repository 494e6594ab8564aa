package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type decisionRepoPG struct{ db queryable }

func NewDecisionRepoPG(pool *pgxpool.Pool) DecisionRepository { return &decisionRepoPG{db: pool} }

const decisionCols = `id, mode, appointment_id, practitioner_id, window_start, window_end,
	outcome, action, upstream_status, request_id, created_at`

func (r *decisionRepoPG) Record(ctx context.Context, d *Decision) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO booking_decision (`+decisionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.Mode, nullable(d.AppointmentID), nullable(d.PractitionerID), d.WindowStart, d.WindowEnd,
		d.Outcome, string(d.Action), nullableInt(d.UpstreamStatus), nullable(d.RequestID), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert booking decision: %w", err)
	}
	return nil
}

func (r *decisionRepoPG) List(ctx context.Context, practitionerID string, limit, offset int) ([]*Decision, int, error) {
	where, args := "", []interface{}{}
	if practitionerID != "" {
		where = ` WHERE practitioner_id = $1`
		args = append(args, practitionerID)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM booking_decision`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count booking decisions: %w", err)
	}

	n := len(args)
	rows, err := r.db.Query(ctx, `SELECT `+decisionCols+` FROM booking_decision`+where+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list booking decisions: %w", err)
	}
	items, err := scanDecisions(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func scanDecisions(rows pgx.Rows) ([]*Decision, error) {
	defer rows.Close()
	var out []*Decision
	for rows.Next() {
		var d Decision
		var appointmentID, practitionerID, requestID *string
		var upstreamStatus *int
		var action string
		if err := rows.Scan(&d.ID, &d.Mode, &appointmentID, &practitionerID, &d.WindowStart, &d.WindowEnd,
			&d.Outcome, &action, &upstreamStatus, &requestID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Action = Action(action)
		d.AppointmentID = deref(appointmentID)
		d.PractitionerID = deref(practitionerID)
		d.RequestID = deref(requestID)
		if upstreamStatus != nil {
			d.UpstreamStatus = *upstreamStatus
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
