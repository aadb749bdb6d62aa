package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/freight-dispatch/internal/apperr"
	"github.com/example/freight-dispatch/internal/models"
)

// querier is the intersection of *sql.DB and *sql.Tx the store needs.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db, q: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Transact(ctx context.Context, fn func(Store) error) error {
	if _, inTx := p.q.(*sql.Tx); inTx {
		return fmt.Errorf("nested transaction not supported")
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&PostgresStore{db: p.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// Trip requests

func (p *PostgresStore) CreateTripRequest(ctx context.Context, r *models.TripRequest) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO trip_requests(id, requester_id, mode, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			estimated_fare, scheduled_start_at, scheduled_end_at, pre_assigned_driver_id,
			reminder_60_sent, reminder_15_sent, status, expires_at, created_at, matched_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RequesterID, r.Mode, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.EstimatedFare, nullTime(r.ScheduledStartAt), nullTime(r.ScheduledEndAt), r.PreAssignedDriverID,
		r.Reminder60Sent, r.Reminder15Sent, r.Status, nullTime(r.ExpiresAt), r.CreatedAt, nullTime(r.MatchedAt))
	return err
}

const tripRequestCols = `id, requester_id, mode, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	estimated_fare, scheduled_start_at, scheduled_end_at, pre_assigned_driver_id,
	reminder_60_sent, reminder_15_sent, status, expires_at, created_at, matched_at`

func scanTripRequest(row interface{ Scan(...any) error }) (*models.TripRequest, error) {
	var r models.TripRequest
	var schedStart, schedEnd, expires, matched sql.NullTime
	err := row.Scan(&r.ID, &r.RequesterID, &r.Mode, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.EstimatedFare, &schedStart, &schedEnd, &r.PreAssignedDriverID,
		&r.Reminder60Sent, &r.Reminder15Sent, &r.Status, &expires, &r.CreatedAt, &matched)
	if err != nil {
		return nil, err
	}
	r.ScheduledStartAt = timePtr(schedStart)
	r.ScheduledEndAt = timePtr(schedEnd)
	r.ExpiresAt = timePtr(expires)
	r.MatchedAt = timePtr(matched)
	return &r, nil
}

func (p *PostgresStore) GetTripRequest(ctx context.Context, id string) (*models.TripRequest, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+tripRequestCols+` FROM trip_requests WHERE id=$1`, id)
	r, err := scanTripRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trip request %s", id)
	}
	return r, err
}

func (p *PostgresStore) UpdateTripRequest(ctx context.Context, r *models.TripRequest) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE trip_requests SET status=$1, pre_assigned_driver_id=$2, reminder_60_sent=$3,
			reminder_15_sent=$4, matched_at=$5, expires_at=$6 WHERE id=$7`,
		r.Status, r.PreAssignedDriverID, r.Reminder60Sent, r.Reminder15Sent,
		nullTime(r.MatchedAt), nullTime(r.ExpiresAt), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("trip request %s", r.ID)
	}
	return nil
}

func (p *PostgresStore) ListTripRequests(ctx context.Context, f TripRequestFilter) ([]*models.TripRequest, error) {
	query := `SELECT ` + tripRequestCols + ` FROM trip_requests WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.Mode != "" {
		add("mode =", f.Mode)
	}
	if f.ExpiresBefore != nil {
		add("expires_at <", *f.ExpiresBefore)
	}
	if f.ScheduledStartFrom != nil {
		add("scheduled_start_at >=", *f.ScheduledStartFrom)
	}
	if f.ScheduledStartTo != nil {
		add("scheduled_start_at <=", *f.ScheduledStartTo)
	}
	query += " ORDER BY created_at"

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TripRequest
	for rows.Next() {
		r, err := scanTripRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Trip offers

func (p *PostgresStore) CreateTripOffer(ctx context.Context, o *models.TripOffer) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO trip_offers(id, trip_request_id, driver_id, offered_fare, status, created_at, expires_at, responded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		o.ID, o.TripRequestID, o.DriverID, o.OfferedFare, o.Status, o.CreatedAt, o.ExpiresAt, nullTime(o.RespondedAt))
	return err
}

const tripOfferCols = `id, trip_request_id, driver_id, offered_fare, status, created_at, expires_at, responded_at`

func scanTripOffer(row interface{ Scan(...any) error }) (*models.TripOffer, error) {
	var o models.TripOffer
	var responded sql.NullTime
	err := row.Scan(&o.ID, &o.TripRequestID, &o.DriverID, &o.OfferedFare, &o.Status, &o.CreatedAt, &o.ExpiresAt, &responded)
	if err != nil {
		return nil, err
	}
	o.RespondedAt = timePtr(responded)
	return &o, nil
}

func (p *PostgresStore) GetTripOffer(ctx context.Context, id string) (*models.TripOffer, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+tripOfferCols+` FROM trip_offers WHERE id=$1`, id)
	o, err := scanTripOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trip offer %s", id)
	}
	return o, err
}

func (p *PostgresStore) UpdateTripOffer(ctx context.Context, o *models.TripOffer) error {
	res, err := p.q.ExecContext(ctx, `UPDATE trip_offers SET status=$1, responded_at=$2 WHERE id=$3`,
		o.Status, nullTime(o.RespondedAt), o.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("trip offer %s", o.ID)
	}
	return nil
}

func (p *PostgresStore) ListTripOffers(ctx context.Context, f TripOfferFilter) ([]*models.TripOffer, error) {
	query := `SELECT ` + tripOfferCols + ` FROM trip_offers WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}
	if f.TripRequestID != "" {
		add("trip_request_id =", f.TripRequestID)
	}
	if f.DriverID != "" {
		add("driver_id =", f.DriverID)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	query += " ORDER BY created_at"

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TripOffer
	for rows.Next() {
		o, err := scanTripOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Drivers

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO drivers(id, status, wallet_balance, push_address, rating, lat, lon, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.Status, d.WalletBalance, d.PushAddress, d.Rating, d.Loc.Lat, d.Loc.Lon, d.CreatedAt)
	return err
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var d models.Driver
	err := p.q.QueryRowContext(ctx, `
		SELECT id, status, wallet_balance, push_address, rating, lat, lon, created_at FROM drivers WHERE id=$1`, id).
		Scan(&d.ID, &d.Status, &d.WalletBalance, &d.PushAddress, &d.Rating, &d.Loc.Lat, &d.Loc.Lon, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("driver %s", id)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) UpdateDriver(ctx context.Context, d *models.Driver) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE drivers SET status=$1, wallet_balance=$2, push_address=$3, rating=$4, lat=$5, lon=$6 WHERE id=$7`,
		d.Status, d.WalletBalance, d.PushAddress, d.Rating, d.Loc.Lat, d.Loc.Lon, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("driver %s", d.ID)
	}
	return nil
}

func (p *PostgresStore) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
	query := `SELECT id, status, wallet_balance, push_address, rating, lat, lon, created_at FROM drivers WHERE 1=1`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if len(f.IDs) > 0 {
		args = append(args, pq.Array(f.IDs))
		query += fmt.Sprintf(" AND id = ANY($%d)", len(args))
	}
	query += " ORDER BY id"

	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		var d models.Driver
		if err := rows.Scan(&d.ID, &d.Status, &d.WalletBalance, &d.PushAddress, &d.Rating, &d.Loc.Lat, &d.Loc.Lon, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Trips

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO trips(id, trip_request_id, requester_id, driver_id, vehicle_id, estimated_fare, final_fare,
			commission_rate, commission_amount, commission_charged, status, created_at,
			arriving_at, arrived_at, started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		t.ID, t.TripRequestID, t.RequesterID, t.DriverID, t.VehicleID, t.EstimatedFare, t.FinalFare,
		t.CommissionRate, t.CommissionAmount, t.CommissionCharged, t.Status, t.CreatedAt,
		nullTime(t.ArrivingAt), nullTime(t.ArrivedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		nullTime(t.CancelledAt), t.CancelledBy, t.CancellationReason)
	if isUniqueViolation(err) {
		return apperr.Conflictf("request %s already has a trip", t.TripRequestID)
	}
	return err
}

const tripCols = `id, trip_request_id, requester_id, driver_id, vehicle_id, estimated_fare, final_fare,
	commission_rate, commission_amount, commission_charged, status, created_at,
	arriving_at, arrived_at, started_at, completed_at, cancelled_at, cancelled_by, cancellation_reason`

func scanTrip(row interface{ Scan(...any) error }) (*models.Trip, error) {
	var t models.Trip
	var arriving, arrived, started, completed, cancelled sql.NullTime
	err := row.Scan(&t.ID, &t.TripRequestID, &t.RequesterID, &t.DriverID, &t.VehicleID, &t.EstimatedFare, &t.FinalFare,
		&t.CommissionRate, &t.CommissionAmount, &t.CommissionCharged, &t.Status, &t.CreatedAt,
		&arriving, &arrived, &started, &completed, &cancelled, &t.CancelledBy, &t.CancellationReason)
	if err != nil {
		return nil, err
	}
	t.ArrivingAt = timePtr(arriving)
	t.ArrivedAt = timePtr(arrived)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancelled)
	return &t, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trip %s", id)
	}
	return t, err
}

func (p *PostgresStore) GetTripByRequest(ctx context.Context, requestID string) (*models.Trip, error) {
	row := p.q.QueryRowContext(ctx,
		`SELECT `+tripCols+` FROM trips WHERE trip_request_id=$1 AND status <> 'CANCELLED'`, requestID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFoundf("trip for request %s", requestID)
	}
	return t, err
}

func (p *PostgresStore) UpdateTrip(ctx context.Context, t *models.Trip) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE trips SET final_fare=$1, commission_rate=$2, commission_amount=$3, commission_charged=$4,
			status=$5, arriving_at=$6, arrived_at=$7, started_at=$8, completed_at=$9, cancelled_at=$10,
			cancelled_by=$11, cancellation_reason=$12
		WHERE id=$13`,
		t.FinalFare, t.CommissionRate, t.CommissionAmount, t.CommissionCharged,
		t.Status, nullTime(t.ArrivingAt), nullTime(t.ArrivedAt), nullTime(t.StartedAt),
		nullTime(t.CompletedAt), nullTime(t.CancelledAt), t.CancelledBy, t.CancellationReason, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFoundf("trip %s", t.ID)
	}
	return nil
}

// Wallet ledger

func (p *PostgresStore) AppendWalletTransaction(ctx context.Context, tx *models.WalletTransaction) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO wallet_transactions(id, driver_id, type, amount, balance_after, trip_id, reference, description, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tx.ID, tx.DriverID, tx.Type, tx.Amount, tx.BalanceAfter, tx.TripID, tx.Reference, tx.Description, tx.CreatedAt)
	return err
}

func (p *PostgresStore) ListWalletTransactions(ctx context.Context, driverID string, limit, offset int) ([]*models.WalletTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, driver_id, type, amount, balance_after, trip_id, reference, description, created_at
		FROM wallet_transactions WHERE driver_id=$1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		driverID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WalletTransaction
	for rows.Next() {
		var tx models.WalletTransaction
		if err := rows.Scan(&tx.ID, &tx.DriverID, &tx.Type, &tx.Amount, &tx.BalanceAfter, &tx.TripID, &tx.Reference, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// Availability blocks

func (p *PostgresStore) CreateAvailabilityBlock(ctx context.Context, b *models.AvailabilityBlock) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO driver_availability_blocks(id, driver_id, trip_request_id, start_time, end_time, reason, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		b.ID, b.DriverID, b.TripRequestID, b.StartTime, b.EndTime, b.Reason, b.CreatedAt)
	return err
}

func (p *PostgresStore) ListAvailabilityBlocks(ctx context.Context, driverID string) ([]*models.AvailabilityBlock, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, driver_id, trip_request_id, start_time, end_time, reason, created_at
		FROM driver_availability_blocks WHERE driver_id=$1 ORDER BY start_time`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.AvailabilityBlock
	for rows.Next() {
		var b models.AvailabilityBlock
		if err := rows.Scan(&b.ID, &b.DriverID, &b.TripRequestID, &b.StartTime, &b.EndTime, &b.Reason, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasAvailabilityConflict(ctx context.Context, driverID string, start, end time.Time) (bool, error) {
	// Interior overlap on half-open intervals; touching boundaries pass.
	var exists bool
	err := p.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM driver_availability_blocks
			WHERE driver_id=$1 AND start_time < $3 AND $2 < end_time
		)`, driverID, start, end).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) DeleteAvailabilityBlocksByRequest(ctx context.Context, requestID string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM driver_availability_blocks WHERE trip_request_id=$1`, requestID)
	return err
}

func (p *PostgresStore) DeleteAvailabilityBlocksEndedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.q.ExecContext(ctx, `DELETE FROM driver_availability_blocks WHERE end_time < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Subscriptions

func (p *PostgresStore) CreateSubscription(ctx context.Context, s *models.Subscription) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO subscriptions(id, driver_id, tier, commission_rate, status, starts_at, expires_at, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.DriverID, s.Tier, s.CommissionRate, s.Status, s.StartsAt, nullTime(s.ExpiresAt), s.CreatedAt)
	return err
}

func (p *PostgresStore) ActiveSubscription(ctx context.Context, driverID string, now time.Time) (*models.Subscription, error) {
	var s models.Subscription
	var expires sql.NullTime
	err := p.q.QueryRowContext(ctx, `
		SELECT id, driver_id, tier, commission_rate, status, starts_at, expires_at, created_at
		FROM subscriptions
		WHERE driver_id=$1 AND status='ACTIVE' AND starts_at <= $2 AND (expires_at IS NULL OR expires_at >= $2)
		ORDER BY starts_at DESC LIMIT 1`, driverID, now).
		Scan(&s.ID, &s.DriverID, &s.Tier, &s.CommissionRate, &s.Status, &s.StartsAt, &expires, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.ExpiresAt = timePtr(expires)
	return &s, nil
}
