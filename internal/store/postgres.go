package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"roadside/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres implements Store on PostgreSQL through the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// Migrate applies the embedded schema files in name order. Statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		b, err := migrations.ReadFile("migrations/" + n)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", n, err)
		}
	}
	return nil
}

const requestCols = `id, customer_id, mechanic_id, issue_type, description, vehicle, images, lat, lng, address,
	broadcast_radius_km, priority, is_direct_booking, quotation, estimated_duration, final_amount, status,
	status_history, notes, notified_mechanics, COALESCE(cancellation_reason, ''), version, created_at, updated_at,
	completed_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (model.ServiceRequest, error) {
	var r model.ServiceRequest
	var mechanicID sql.NullString
	var quotation, finalAmount sql.NullFloat64
	var duration sql.NullInt64
	var completedAt, cancelledAt sql.NullTime
	var vehicle, images, history, notes, notified []byte
	var issue, priority, status string
	err := row.Scan(&r.ID, &r.CustomerID, &mechanicID, &issue, &r.Description, &vehicle, &images,
		&r.Location.Lat, &r.Location.Lng, &r.Location.Address, &r.BroadcastRadiusKm, &priority,
		&r.IsDirectBooking, &quotation, &duration, &finalAmount, &status, &history, &notes, &notified,
		&r.CancellationReason, &r.Version, &r.CreatedAt, &r.UpdatedAt, &completedAt, &cancelledAt)
	if err != nil {
		return r, err
	}
	r.IssueType = model.IssueType(issue)
	r.Priority = model.Priority(priority)
	r.Status = model.Status(status)
	if mechanicID.Valid {
		r.MechanicID = &mechanicID.String
	}
	if quotation.Valid {
		r.Quotation = &quotation.Float64
	}
	if finalAmount.Valid {
		r.FinalAmount = &finalAmount.Float64
	}
	if duration.Valid {
		d := int(duration.Int64)
		r.EstimatedDuration = &d
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		r.CancelledAt = &cancelledAt.Time
	}
	for _, f := range []struct {
		raw []byte
		dst any
	}{{vehicle, &r.Vehicle}, {images, &r.Images}, {history, &r.StatusHistory}, {notes, &r.Notes}, {notified, &r.NotifiedMechanics}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (p *Postgres) CreateRequest(ctx context.Context, req model.ServiceRequest) (model.ServiceRequest, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO service_requests (id, customer_id, mechanic_id, issue_type, description,
		vehicle, images, lat, lng, address, broadcast_radius_km, priority, is_direct_booking, quotation, estimated_duration,
		final_amount, status, status_history, notes, notified_mechanics, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18::jsonb,$19::jsonb,$20::jsonb,$21,$22,$22)
		RETURNING `+requestCols,
		req.ID, req.CustomerID, req.MechanicID, string(req.IssueType), req.Description,
		mustJSON(req.Vehicle), mustJSON(nonNil(req.Images)), req.Location.Lat, req.Location.Lng, req.Location.Address,
		req.BroadcastRadiusKm, string(req.Priority), req.IsDirectBooking, req.Quotation, req.EstimatedDuration,
		req.FinalAmount, string(req.Status), mustJSON(nonNilEntries(req.StatusHistory)), mustJSON(nonNilNotes(req.Notes)),
		mustJSON(nonNil(req.NotifiedMechanics)), req.Version, req.CreatedAt)
	return scanRequest(row)
}

func (p *Postgres) GetRequest(ctx context.Context, id string) (model.ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestCols+` FROM service_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (p *Postgres) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.ServiceRequest, string, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + requestCols + ` FROM service_requests WHERE ($1 = '' OR customer_id = $1)
		AND ($2 = '' OR mechanic_id = $2 OR notified_mechanics ? $2)
		AND ($3 = '' OR status = $3)
		AND ($4 = '' OR id > $4)
		ORDER BY id LIMIT $5`
	rows, err := p.db.QueryContext(ctx, q, f.CustomerID, f.MechanicID, string(f.Status), f.Cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ServiceRequest{}
	var last string
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
		last = r.ID
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

// UpdateRequest is one UPDATE ... WHERE status = expected statement; the row
// count decides the winner, so concurrent callers never overwrite each other.
func (p *Postgres) UpdateRequest(ctx context.Context, id string, cond Condition, ch Change) (model.ServiceRequest, error) {
	entry, err := json.Marshal([]model.StatusEntry{ch.Entry})
	if err != nil {
		return model.ServiceRequest{}, err
	}
	row := p.db.QueryRowContext(ctx, `UPDATE service_requests SET
			status = $3,
			mechanic_id = COALESCE($4, mechanic_id),
			quotation = COALESCE($5, quotation),
			estimated_duration = COALESCE($6, estimated_duration),
			final_amount = COALESCE($7, final_amount),
			completed_at = COALESCE($8, completed_at),
			cancelled_at = COALESCE($9, cancelled_at),
			cancellation_reason = COALESCE($10, cancellation_reason),
			status_history = status_history || $11::jsonb,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND status = $2
			AND ($12 = '' OR mechanic_id = $12)
			AND (NOT $13 OR mechanic_id IS NULL)
		RETURNING `+requestCols,
		id, string(cond.Status), string(ch.Status), ch.MechanicID, ch.Quotation, ch.EstimatedDuration, ch.FinalAmount,
		ch.CompletedAt, ch.CancelledAt, nullIfEmpty(ch.CancellationReason), string(entry), cond.MechanicID, cond.Unassigned)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, p.missOrConflict(ctx, id)
	}
	return r, err
}

func (p *Postgres) missOrConflict(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM service_requests WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (p *Postgres) SetNotified(ctx context.Context, id string, mechanicIDs []string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE service_requests SET notified_mechanics=$2::jsonb WHERE id=$1`, id, mustJSON(nonNil(mechanicIDs)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddNote(ctx context.Context, id string, note model.Note) (model.ServiceRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `UPDATE service_requests SET notes = notes || $2::jsonb, updated_at = now()
		WHERE id=$1 RETURNING `+requestCols, id, mustJSON([]model.Note{note})))
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

func (p *Postgres) UpsertMechanic(ctx context.Context, m model.Mechanic) (model.Mechanic, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	var lat, lng any
	addr := ""
	if m.Location != nil {
		lat, lng, addr = m.Location.Lat, m.Location.Lng, m.Location.Address
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO mechanics (id, name, lat, lng, address, is_active, is_available, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, lat=EXCLUDED.lat, lng=EXCLUDED.lng, address=EXCLUDED.address,
			is_active=EXCLUDED.is_active, is_available=EXCLUDED.is_available, updated_at=now()`,
		m.ID, m.Name, lat, lng, addr, m.IsActive, m.IsAvailable)
	if err != nil {
		return m, err
	}
	return p.GetMechanic(ctx, m.ID)
}

const mechanicCols = `id, name, lat, lng, address, is_active, is_available, updated_at`

func scanMechanic(row rowScanner) (model.Mechanic, error) {
	var m model.Mechanic
	var lat, lng sql.NullFloat64
	var addr string
	if err := row.Scan(&m.ID, &m.Name, &lat, &lng, &addr, &m.IsActive, &m.IsAvailable, &m.UpdatedAt); err != nil {
		return m, err
	}
	if lat.Valid && lng.Valid {
		m.Location = &model.Location{Lat: lat.Float64, Lng: lng.Float64, Address: addr}
	}
	return m, nil
}

func (p *Postgres) GetMechanic(ctx context.Context, id string) (model.Mechanic, error) {
	m, err := scanMechanic(p.db.QueryRowContext(ctx, `SELECT `+mechanicCols+` FROM mechanics WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

func (p *Postgres) UpdateMechanicLocation(ctx context.Context, id string, loc model.Location) error {
	res, err := p.db.ExecContext(ctx, `UPDATE mechanics SET lat=$2, lng=$3, address=$4, updated_at=now() WHERE id=$1`, id, loc.Lat, loc.Lng, loc.Address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetMechanicAvailability(ctx context.Context, id string, available bool) error {
	res, err := p.db.ExecContext(ctx, `UPDATE mechanics SET is_available=$2, updated_at=now() WHERE id=$1`, id, available)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MechanicsNear pre-filters with a lat/lng bounding box around the radius.
func (p *Postgres) MechanicsNear(ctx context.Context, lat, lng, radiusKm float64) ([]model.Mechanic, error) {
	box := boundingBox(lat, lng, radiusKm)
	rows, err := p.db.QueryContext(ctx, `SELECT `+mechanicCols+` FROM mechanics
		WHERE is_active AND is_available AND lat IS NOT NULL AND lng IS NOT NULL
			AND lat BETWEEN $1 AND $2
			AND ($5 OR lng BETWEEN $3 AND $4)`,
		box.minLat, box.maxLat, box.minLng, box.maxLng, box.allLng)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Mechanic{}
	for rows.Next() {
		m, err := scanMechanic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type bbox struct {
	minLat, maxLat, minLng, maxLng float64
	allLng                         bool
}

// boundingBox over-approximates a great-circle radius. Near the poles or
// across the antimeridian the longitude bound is dropped.
func boundingBox(lat, lng, radiusKm float64) bbox {
	const kmPerDegree = 111.32
	dLat := radiusKm / kmPerDegree
	b := bbox{minLat: math.Max(-90, lat-dLat), maxLat: math.Min(90, lat+dLat)}
	cos := math.Cos(lat * math.Pi / 180)
	if cos < 0.01 {
		b.allLng = true
		return b
	}
	dLng := radiusKm / (kmPerDegree * cos)
	b.minLng, b.maxLng = lng-dLng, lng+dLng
	if b.minLng < -180 || b.maxLng > 180 {
		b.allLng = true
	}
	return b
}

func (p *Postgres) EnqueueDelivery(ctx context.Context, d Delivery) (string, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	next := d.NextAttemptAt
	if next.IsZero() {
		next = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notification_deliveries (id, kind, target, sink, payload, status, attempts, next_attempt_at)
		VALUES ($1,$2,$3,$4,$5,'pending',0,$6)`, d.ID, d.Kind, d.Target, d.Sink, d.Payload, next)
	if err != nil {
		return "", err
	}
	return d.ID, nil
}

// FetchDueDeliveries leases due rows for 30s so parallel workers skip them.
func (p *Postgres) FetchDueDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE notification_deliveries SET next_attempt_at = now() + interval '30 seconds'
		WHERE id IN (
			SELECT id FROM notification_deliveries
			WHERE status = 'pending' AND next_attempt_at <= now()
			ORDER BY next_attempt_at LIMIT $1 FOR UPDATE SKIP LOCKED)
		RETURNING id, kind, target, sink, payload, status, attempts, COALESCE(last_error, ''), next_attempt_at, created_at`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Delivery{}
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.Kind, &d.Target, &d.Sink, &d.Payload, &d.Status, &d.Attempts, &d.LastError, &d.NextAttemptAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string) error {
	if success {
		_, err := p.db.ExecContext(ctx, `UPDATE notification_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), last_error=NULL WHERE id=$1`, id)
		return err
	}
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	_, err := p.db.ExecContext(ctx, `UPDATE notification_deliveries SET attempts=attempts+1, last_error=$2, next_attempt_at=$3 WHERE id=$1`,
		id, nullIfEmpty(lastError), *nextAttemptAt)
	return err
}

func (p *Postgres) FailDelivery(ctx context.Context, id string, lastError string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE notification_deliveries SET attempts=attempts+1, status='failed', last_error=$2 WHERE id=$1`, id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListDeliveries(ctx context.Context, status, cursor string, limit int) ([]Delivery, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, kind, target, sink, payload, status, attempts, COALESCE(last_error, ''),
			next_attempt_at, delivered_at, created_at
		FROM notification_deliveries WHERE ($1 = '' OR status = $1) AND ($2 = '' OR id > $2) ORDER BY id LIMIT $3`, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []Delivery{}
	var last string
	for rows.Next() {
		var d Delivery
		var delivered sql.NullTime
		if err := rows.Scan(&d.ID, &d.Kind, &d.Target, &d.Sink, &d.Payload, &d.Status, &d.Attempts, &d.LastError, &d.NextAttemptAt, &delivered, &d.CreatedAt); err != nil {
			return nil, "", err
		}
		if delivered.Valid {
			d.DeliveredAt = &delivered.Time
		}
		out = append(out, d)
		last = d.ID
	}
	var next string
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) SetPushToken(ctx context.Context, target, token string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO push_tokens (target, token, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (target) DO UPDATE SET token=EXCLUDED.token, updated_at=now()`, target, token)
	return err
}

func (p *Postgres) PushToken(ctx context.Context, target string) (string, error) {
	var t string
	err := p.db.QueryRowContext(ctx, `SELECT token FROM push_tokens WHERE target=$1`, target).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return t, err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilEntries(v []model.StatusEntry) []model.StatusEntry {
	if v == nil {
		return []model.StatusEntry{}
	}
	return v
}

func nonNilNotes(v []model.Note) []model.Note {
	if v == nil {
		return []model.Note{}
	}
	return v
}
