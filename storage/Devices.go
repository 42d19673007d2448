package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DeviceRow struct {
	Serial          string
	Vendor          string
	Model           string
	FirmwareVersion string
	NetworkStatus   string
	LastSeen        *time.Time
	Status          string
	RatePerKwh      float64
}

type DevicesRepo struct{ db *pgxpool.Pool }

func NewDevicesRepo(db *pgxpool.Pool) *DevicesRepo { return &DevicesRepo{db: db} }

// Provision creates the device row and its details row if absent and
// guarantees log availability for the serial. Idempotent: calling it
// twice yields the same device and no duplicate rows.
func (r *DevicesRepo) Provision(ctx context.Context, serial string) (*DeviceRow, error) {
	_, err := r.db.Exec(ctx, `
		insert into devices (serial) values ($1)
		on conflict (serial) do nothing
	`, serial)
	if err != nil {
		return nil, err
	}
	_, err = r.db.Exec(ctx, `
		insert into device_details (serial) values ($1)
		on conflict (serial) do nothing
	`, serial)
	if err != nil {
		return nil, err
	}
	if err := r.EnsureLog(ctx, serial); err != nil {
		return nil, err
	}
	return r.Get(ctx, serial)
}

// EnsureLog preserves the old per-device log-table contract. The log
// lives in one shared table now, so there is nothing to create; the call
// only verifies the table is reachable.
func (r *DevicesRepo) EnsureLog(ctx context.Context, serial string) error {
	_, err := r.db.Exec(ctx, `select 1 from charging_log where serial=$1 limit 1`, serial)
	return err
}

func (r *DevicesRepo) Get(ctx context.Context, serial string) (*DeviceRow, error) {
	row := r.db.QueryRow(ctx, `
		select d.serial, d.vendor, d.model, d.firmware_version, d.network_status, d.last_seen,
		       coalesce(dd.status, 'Available'), coalesce(dd.rate_per_kwh, 0.30)
		from devices d
		left join device_details dd on dd.serial = d.serial
		where d.serial=$1
	`, serial)

	var d DeviceRow
	if err := row.Scan(&d.Serial, &d.Vendor, &d.Model, &d.FirmwareVersion, &d.NetworkStatus, &d.LastSeen, &d.Status, &d.RatePerKwh); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *DevicesRepo) SetIdentity(ctx context.Context, serial, vendor, model, firmware string) error {
	_, err := r.db.Exec(ctx, `
		update devices set vendor=$2, model=$3,
			firmware_version=case when $4 <> '' then $4 else firmware_version end,
			last_seen=now()
		where serial=$1
	`, serial, vendor, model, firmware)
	return err
}

func (r *DevicesRepo) SetNetworkStatus(ctx context.Context, serial, status string) error {
	_, err := r.db.Exec(ctx, `update devices set network_status=$2 where serial=$1`, serial, status)
	return err
}

func (r *DevicesRepo) TouchLastSeen(ctx context.Context, serial string, t time.Time) error {
	_, err := r.db.Exec(ctx, `update devices set last_seen=$2 where serial=$1`, serial, t)
	return err
}

func (r *DevicesRepo) UpsertConnectorStatus(ctx context.Context, serial string, connectorId int, status, errorCode string) error {
	_, err := r.db.Exec(ctx, `
		insert into device_details (serial, connector_id, status, error_code, updated_at)
		values ($1,$2,$3,$4, now())
		on conflict (serial) do update set
		  connector_id=excluded.connector_id,
		  status=excluded.status,
		  error_code=excluded.error_code,
		  updated_at=now()
	`, serial, connectorId, status, errorCode)
	return err
}
