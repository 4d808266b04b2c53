package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"companion/internal/config"
	"companion/internal/errs"
	"companion/internal/logger"
	"companion/internal/models"
)

// foreign_key_violation
const pqForeignKeyViolation = "23503"

// Postgres is the durable Store backed by lib/pq.
type Postgres struct {
	db           *sql.DB
	queryTimeout time.Duration
	log          zerolog.Logger
}

// NewPostgres opens and pings a connection pool for cfg.DSN.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}

	p := NewPostgresFromDB(db, cfg.QueryTimeout)
	if err := p.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p.log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("postgres store ready")
	return p, nil
}

// NewPostgresFromDB wraps an existing pool.
func NewPostgresFromDB(db *sql.DB, queryTimeout time.Duration) *Postgres {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &Postgres{
		db:           db,
		queryTimeout: queryTimeout,
		log:          logger.WithComponent("postgres"),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT REFERENCES entities(id)
);

CREATE TABLE IF NOT EXISTS biometric_readings (
	id           BIGSERIAL PRIMARY KEY,
	device_id    TEXT NOT NULL,
	entity_id    TEXT NOT NULL REFERENCES entities(id),
	heart_rate   DOUBLE PRECISION,
	temperature  DOUBLE PRECISION,
	blood_oxygen DOUBLE PRECISION,
	steps        INTEGER,
	calories     DOUBLE PRECISION,
	captured_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS biometric_readings_entity_time ON biometric_readings (entity_id, captured_at DESC);

CREATE TABLE IF NOT EXISTS location_readings (
	id            BIGSERIAL PRIMARY KEY,
	device_id     TEXT NOT NULL,
	entity_id     TEXT NOT NULL REFERENCES entities(id),
	latitude      DOUBLE PRECISION NOT NULL,
	longitude     DOUBLE PRECISION NOT NULL,
	address       TEXT NOT NULL DEFAULT '',
	accuracy      DOUBLE PRECISION NOT NULL DEFAULT 0,
	battery_level INTEGER NOT NULL DEFAULT 0,
	captured_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS location_readings_entity_time ON location_readings (entity_id, captured_at DESC);

CREATE TABLE IF NOT EXISTS alert_rules (
	id                 BIGSERIAL PRIMARY KEY,
	rule_name          TEXT NOT NULL,
	rule_type          TEXT NOT NULL,
	condition_field    TEXT NOT NULL,
	condition_operator TEXT NOT NULL,
	condition_value1   DOUBLE PRECISION,
	condition_value2   DOUBLE PRECISION,
	severity           TEXT NOT NULL,
	is_active          BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS safe_zones (
	id               BIGSERIAL PRIMARY KEY,
	entity_id        TEXT NOT NULL REFERENCES entities(id),
	zone_name        TEXT NOT NULL,
	center_latitude  DOUBLE PRECISION NOT NULL,
	center_longitude DOUBLE PRECISION NOT NULL,
	radius_meters    DOUBLE PRECISION NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS alerts (
	id              BIGSERIAL PRIMARY KEY,
	entity_id       TEXT NOT NULL REFERENCES entities(id),
	rule_id         BIGINT REFERENCES alert_rules(id),
	alert_type      TEXT NOT NULL,
	title           TEXT NOT NULL,
	message         TEXT NOT NULL,
	severity        TEXT NOT NULL,
	data_value      DOUBLE PRECISION NOT NULL,
	threshold       DOUBLE PRECISION NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	acknowledged_by TEXT,
	acknowledged_at TIMESTAMPTZ,
	resolved_by     TEXT,
	resolved_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS alerts_entity_status ON alerts (entity_id, status);
`

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Seed inserts fixtures, ignoring rows that already exist.
func (p *Postgres) Seed(ctx context.Context, fx Fixtures) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Store("storage.seed", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range fx.Entities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, name, is_active) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			e.ID, e.Name, e.Active); err != nil {
			return errs.Store("storage.seed", err)
		}
	}
	for _, d := range fx.Devices {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO devices (id, entity_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
			d.ID, nullString(d.EntityID)); err != nil {
			return errs.Store("storage.seed", err)
		}
	}
	for _, r := range fx.Rules {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_rules (id, rule_name, rule_type, condition_field, condition_operator,
				condition_value1, condition_value2, severity, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (id) DO NOTHING`,
			r.ID, r.Name, r.Type, string(r.Field), string(r.Operator),
			r.Threshold1, r.Threshold2, string(r.Severity), r.Active); err != nil {
			return errs.Store("storage.seed", err)
		}
	}
	for _, z := range fx.Zones {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO safe_zones (id, entity_id, zone_name, center_latitude, center_longitude, radius_meters, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
			z.ID, z.EntityID, z.Name, z.CenterLat, z.CenterLng, z.RadiusMeters, z.Active); err != nil {
			return errs.Store("storage.seed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.Store("storage.seed", err)
	}
	return nil
}

func (p *Postgres) SaveBiometricReading(ctx context.Context, r *models.BiometricReading) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO biometric_readings
			(device_id, entity_id, heart_rate, temperature, blood_oxygen, steps, calories, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		r.DeviceID, r.EntityID, r.HeartRate, r.Temperature, r.BloodOxygen, r.Steps, r.Calories, r.CapturedAt,
	).Scan(&r.ID)
	return p.classify("storage.save_biometric", "entity "+r.EntityID, err)
}

func (p *Postgres) SaveLocationReading(ctx context.Context, r *models.LocationReading) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO location_readings
			(device_id, entity_id, latitude, longitude, address, accuracy, battery_level, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		r.DeviceID, r.EntityID, r.Latitude, r.Longitude, r.Address, r.Accuracy, r.BatteryLevel, r.CapturedAt,
	).Scan(&r.ID)
	return p.classify("storage.save_location", "entity "+r.EntityID, err)
}

func (p *Postgres) LoadActiveRules(ctx context.Context) ([]models.AlertRule, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, rule_name, rule_type, condition_field, condition_operator,
			condition_value1, condition_value2, severity, is_active
		FROM alert_rules
		WHERE is_active = $1
		ORDER BY id`, true)
	if err != nil {
		return nil, errs.Store("storage.load_rules", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		var (
			r      models.AlertRule
			t1, t2 sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.Field, &r.Operator, &t1, &t2, &r.Severity, &r.Active); err != nil {
			return nil, errs.Store("storage.load_rules", err)
		}
		r.Threshold1 = floatPtr(t1)
		r.Threshold2 = floatPtr(t2)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("storage.load_rules", err)
	}
	return out, nil
}

func (p *Postgres) LoadActiveZones(ctx context.Context) ([]models.SafeZone, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, entity_id, zone_name, center_latitude, center_longitude, radius_meters, is_active
		FROM safe_zones
		WHERE is_active = $1
		ORDER BY id`, true)
	if err != nil {
		return nil, errs.Store("storage.load_zones", err)
	}
	defer rows.Close()

	var out []models.SafeZone
	for rows.Next() {
		var z models.SafeZone
		if err := rows.Scan(&z.ID, &z.EntityID, &z.Name, &z.CenterLat, &z.CenterLng, &z.RadiusMeters, &z.Active); err != nil {
			return nil, errs.Store("storage.load_zones", err)
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("storage.load_zones", err)
	}
	return out, nil
}

func (p *Postgres) SaveAlert(ctx context.Context, a *models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO alerts
			(entity_id, rule_id, alert_type, title, message, severity, data_value, threshold, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		a.EntityID, a.RuleID, a.Type, a.Title, a.Message, string(a.Severity),
		a.MeasuredValue, a.Threshold, string(a.Status),
	).Scan(&a.ID, &a.CreatedAt)
	return p.classify("storage.save_alert", "entity "+a.EntityID, err)
}

const alertColumns = `id, entity_id, rule_id, alert_type, title, message, severity, data_value, threshold,
	status, created_at, acknowledged_by, acknowledged_at, resolved_by, resolved_at`

func (p *Postgres) GetAlert(ctx context.Context, id int64) (*models.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	var (
		a            models.Alert
		ruleID       sql.NullInt64
		ackBy, resBy sql.NullString
		ackAt, resAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id).Scan(
		&a.ID, &a.EntityID, &ruleID, &a.Type, &a.Title, &a.Message, &a.Severity, &a.MeasuredValue, &a.Threshold,
		&a.Status, &a.CreatedAt, &ackBy, &ackAt, &resBy, &resAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("storage.get_alert", "alert")
	}
	if err != nil {
		return nil, errs.Store("storage.get_alert", err)
	}

	if ruleID.Valid {
		a.RuleID = &ruleID.Int64
	}
	a.AcknowledgedBy = ackBy.String
	a.ResolvedBy = resBy.String
	a.AcknowledgedAt = timePtr(ackAt)
	a.ResolvedAt = timePtr(resAt)
	return &a, nil
}

// UpdateAlertStatus is a compare-and-set on status; zero affected rows means the
// alert is gone or already moved on.
func (p *Postgres) UpdateAlertStatus(ctx context.Context, a *models.Alert, from ...models.AlertStatus) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	expected := make([]string, len(from))
	for i, s := range from {
		expected[i] = string(s)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = $1, message = $2,
			acknowledged_by = $3, acknowledged_at = $4,
			resolved_by = $5, resolved_at = $6
		WHERE id = $7 AND status = ANY($8)`,
		string(a.Status), a.Message,
		nullString(a.AcknowledgedBy), a.AcknowledgedAt,
		nullString(a.ResolvedBy), a.ResolvedAt,
		a.ID, pq.Array(expected),
	)
	if err != nil {
		return errs.Store("storage.update_alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Store("storage.update_alert", err)
	}
	if n == 0 {
		return errs.NotFound("storage.update_alert", "alert in expected state")
	}
	return nil
}

func (p *Postgres) LoadEntityRoster(ctx context.Context) ([]models.Entity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `SELECT id, name, is_active FROM entities WHERE is_active = $1 ORDER BY id`, true)
	if err != nil {
		return nil, errs.Store("storage.load_entities", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Active); err != nil {
			return nil, errs.Store("storage.load_entities", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("storage.load_entities", err)
	}
	return out, nil
}

func (p *Postgres) LoadDeviceRoster(ctx context.Context) ([]models.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `SELECT id, entity_id FROM devices ORDER BY id`)
	if err != nil {
		return nil, errs.Store("storage.load_devices", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var (
			d        models.Device
			entityID sql.NullString
		)
		if err := rows.Scan(&d.ID, &entityID); err != nil {
			return nil, errs.Store("storage.load_devices", err)
		}
		d.EntityID = entityID.String
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Store("storage.load_devices", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// classify maps an insert error: a foreign key violation means the referenced
// entity does not exist.
func (p *Postgres) classify(op, what string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
		return errs.NotFound(op, what)
	}
	return errs.Store(op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
