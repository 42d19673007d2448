package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"charge_core/common"
	"charge_core/session"
)

type SessionRow struct {
	ID            int64
	SessionID     string
	Serial        string
	ConnectorID   int
	UserID        string
	TransactionID int
	StartTime     time.Time
	EndTime       *time.Time
	EnergyKwh     float64
	PowerPeak     float64
	RatePerKwh    float64
	Cost          float64
}

// SessionsRepo persists session rows and the charging log. It implements
// session.Store for the coordinator and offers the direct operations the
// emulator CLI drives against the database.
type SessionsRepo struct{ db *pgxpool.Pool }

func NewSessionsRepo(db *pgxpool.Pool) *SessionsRepo { return &SessionsRepo{db: db} }

var _ session.Store = (*SessionsRepo)(nil)

func (r *SessionsRepo) Create(ctx context.Context, s *session.Session) error {
	_, err := r.db.Exec(ctx, `
		insert into sessions (session_id, serial, connector_id, user_id, payment_intent_id, transaction_id, start_time, rate_per_kwh)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, s.ID, s.Serial, s.ConnectorID, s.UserID, s.PaymentIntentID, s.TransactionID, s.StartTime, s.RatePerKwh)
	return err
}

func (r *SessionsRepo) Close(ctx context.Context, sessionID string, end time.Time, energyKwh, peakPowerW, cost float64) error {
	_, err := r.db.Exec(ctx, `
		update sessions set end_time=$2, energy_kwh=$3, power_peak=$4, cost=$5
		where session_id=$1
	`, sessionID, end, energyKwh, peakPowerW, cost)
	return err
}

func (r *SessionsRepo) SetFinalEnergy(ctx context.Context, sessionID string, energyKwh, peakPowerW float64) error {
	_, err := r.db.Exec(ctx, `
		update sessions set energy_kwh=$2, power_peak=$3, cost=energy_kwh*rate_per_kwh
		where session_id=$1
	`, sessionID, energyKwh, peakPowerW)
	return err
}

func (r *SessionsRepo) AppendLog(ctx context.Context, serial string, ts time.Time, energyKwh, powerW float64) error {
	_, err := r.db.Exec(ctx, `
		insert into charging_log (serial, ts, energy_kwh, power_w) values ($1,$2,$3,$4)
	`, serial, ts, energyKwh, powerW)
	return err
}

// LatestOpen returns the most recently opened session whose end_time is
// still null, ordered by id descending.
func (r *SessionsRepo) LatestOpen(ctx context.Context, serial string) (*SessionRow, error) {
	row := r.db.QueryRow(ctx, `
		select id, session_id, serial, connector_id, user_id, transaction_id, start_time, end_time, energy_kwh, power_peak, rate_per_kwh, cost
		from sessions
		where serial=$1 and end_time is null
		order by id desc
		limit 1
	`, serial)

	var s SessionRow
	if err := row.Scan(&s.ID, &s.SessionID, &s.Serial, &s.ConnectorID, &s.UserID, &s.TransactionID, &s.StartTime, &s.EndTime, &s.EnergyKwh, &s.PowerPeak, &s.RatePerKwh, &s.Cost); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetFinalEnergyLatestOpen applies final meter figures to the most recent
// open session of the device. With no open session it reports
// ErrNoActiveSession so callers can surface the "nothing to update" case
// without failing hard.
func (r *SessionsRepo) SetFinalEnergyLatestOpen(ctx context.Context, serial string, energyKwh, peakPowerW float64) error {
	tag, err := r.db.Exec(ctx, `
		update sessions set energy_kwh=$2, power_peak=$3, cost=$2*rate_per_kwh
		where id = (
			select id from sessions
			where serial=$1 and end_time is null
			order by id desc
			limit 1
		)
	`, serial, energyKwh, peakPowerW)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %v", common.ErrNoActiveSession, serial)
	}
	return nil
}

func (r *SessionsRepo) ListBySerial(ctx context.Context, serial string, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		select id, session_id, serial, connector_id, user_id, transaction_id, start_time, end_time, energy_kwh, power_peak, rate_per_kwh, cost
		from sessions where serial=$1
		order by id desc
		limit $2
	`, serial, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var s SessionRow
		if err := rows.Scan(&s.ID, &s.SessionID, &s.Serial, &s.ConnectorID, &s.UserID, &s.TransactionID, &s.StartTime, &s.EndTime, &s.EnergyKwh, &s.PowerPeak, &s.RatePerKwh, &s.Cost); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
