package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}

// EnsureSchema creates the tables on first run. The charging log is one
// table keyed by device serial plus an index, replacing the old
// table-per-device layout while keeping the idempotent-creation contract.
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `
		create table if not exists devices (
			serial text primary key,
			vendor text not null default '',
			model text not null default '',
			firmware_version text not null default '',
			network_status text not null default 'offline',
			last_seen timestamptz,
			created_at timestamptz not null default now()
		);
		create table if not exists device_details (
			serial text primary key references devices(serial),
			connector_id int not null default 1,
			status text not null default 'Available',
			error_code text not null default '',
			rate_per_kwh double precision not null default 0.30,
			updated_at timestamptz not null default now()
		);
		create table if not exists sessions (
			id bigserial primary key,
			session_id text unique not null,
			serial text not null references devices(serial),
			connector_id int not null,
			user_id text not null default '',
			payment_intent_id text not null default '',
			transaction_id int not null,
			start_time timestamptz not null,
			end_time timestamptz,
			energy_kwh double precision not null default 0,
			power_peak double precision not null default 0,
			rate_per_kwh double precision not null default 0,
			cost double precision not null default 0
		);
		create index if not exists sessions_open_idx on sessions (serial, connector_id) where end_time is null;
		create table if not exists charging_log (
			id bigserial primary key,
			serial text not null,
			ts timestamptz not null default now(),
			energy_kwh double precision not null default 0,
			power_w double precision not null default 0
		);
		create index if not exists charging_log_serial_idx on charging_log (serial, ts);
	`)
	return err
}
