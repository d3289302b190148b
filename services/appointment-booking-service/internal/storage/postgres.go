package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/autonova/platform/libs/db"
	"github.com/autonova/platform/services/appointment-booking-service/internal/apperr"
	"github.com/autonova/platform/services/appointment-booking-service/internal/model"
	"github.com/autonova/platform/services/appointment-booking-service/internal/outbox"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the appointment and outbox tables if they do not exist.
func Migrate(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// PostgresStore serialises writers with transaction-scoped advisory locks.
// The exclusion constraints in schema.sql reject any overlap that slips past
// a caller that forgot to lock.
type PostgresStore struct {
	pool    *db.Pool
	outbox  *outbox.Repository
	timeout time.Duration
}

func NewPostgresStore(pool *db.Pool, outboxRepo *outbox.Repository, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &PostgresStore{pool: pool, outbox: outboxRepo, timeout: timeout}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const appointmentColumns = `id, customer_id, vehicle_id, service_type, start_time, end_time, status,
	COALESCE(assigned_employee_id, ''), COALESCE(notes, ''), COALESCE(cancelled_by, ''),
	cancelled_at, created_at, updated_at`

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate(err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if err := fn(ctx, &pgTx{tx: tx, outbox: s.outbox}); err != nil {
		return translate(err)
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancelCommit()
	return translate(tx.Commit(commitCtx))
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return findByID(ctx, s.pool, id, false)
}

func (s *PostgresStore) FindByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return findByCustomer(ctx, s.pool, customerID)
}

func (s *PostgresStore) FindOverlapping(ctx context.Context, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return findOverlapping(ctx, s.pool, kind, resourceID, iv, excludeID)
}

func (s *PostgresStore) FindInRange(ctx context.Context, iv model.Interval) ([]model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return findInRange(ctx, s.pool, iv)
}

func (s *PostgresStore) Search(ctx context.Context, f Filter) ([]model.Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return searchRows(ctx, s.pool, f)
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) LockResources(ctx context.Context, keys ...model.LockKey) error {
	for _, k := range sortedLocks(keys) {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, string(k)); err != nil {
			return translate(err)
		}
	}
	return nil
}

func (t *pgTx) FindByID(ctx context.Context, id string) (model.Appointment, error) {
	return findByID(ctx, t.tx, id, false)
}

func (t *pgTx) FindByCustomer(ctx context.Context, customerID string) ([]model.Appointment, error) {
	return findByCustomer(ctx, t.tx, customerID)
}

func (t *pgTx) FindOverlapping(ctx context.Context, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error) {
	return findOverlapping(ctx, t.tx, kind, resourceID, iv, excludeID)
}

func (t *pgTx) FindInRange(ctx context.Context, iv model.Interval) ([]model.Appointment, error) {
	return findInRange(ctx, t.tx, iv)
}

func (t *pgTx) Search(ctx context.Context, f Filter) ([]model.Appointment, error) {
	return searchRows(ctx, t.tx, f)
}

func (t *pgTx) Insert(ctx context.Context, appt model.Appointment) (model.Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, customer_id, vehicle_id, service_type, start_time, end_time, status,
			 assigned_employee_id, notes, cancelled_by, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)
		RETURNING `+appointmentColumns,
		appt.ID, appt.CustomerID, appt.VehicleID, appt.ServiceType, appt.Interval.Start, appt.Interval.End,
		string(appt.Status), appt.AssignedEmployeeID, appt.Notes, appt.CancelledBy, appt.CancelledAt,
		appt.CreatedAt, appt.UpdatedAt)
	out, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	return out, nil
}

func (t *pgTx) Update(ctx context.Context, id string, mutate Mutator) (model.Appointment, error) {
	current, err := findByID(ctx, t.tx, id, true)
	if err != nil {
		return model.Appointment{}, err
	}
	next := current
	if err := mutate(&next); err != nil {
		return model.Appointment{}, err
	}

	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET customer_id = $2,
			vehicle_id = $3,
			service_type = $4,
			start_time = $5,
			end_time = $6,
			status = $7,
			assigned_employee_id = NULLIF($8, ''),
			notes = NULLIF($9, ''),
			cancelled_by = NULLIF($10, ''),
			cancelled_at = $11,
			updated_at = $12
		WHERE id = $1
		RETURNING `+appointmentColumns,
		id, next.CustomerID, next.VehicleID, next.ServiceType, next.Interval.Start, next.Interval.End,
		string(next.Status), next.AssignedEmployeeID, next.Notes, next.CancelledBy, next.CancelledAt,
		next.UpdatedAt)
	out, err := scanAppointment(row)
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	return out, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return translate(t.outbox.Insert(ctx, t.tx, evt))
}

func findByID(ctx context.Context, q querier, id string, forUpdate bool) (model.Appointment, error) {
	sql := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	a, err := scanAppointment(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Appointment{}, fmt.Errorf("%w: %s", apperr.ErrNotFound, id)
	}
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	return a, nil
}

func findByCustomer(ctx context.Context, q querier, customerID string) ([]model.Appointment, error) {
	return queryAppointments(ctx, q, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE customer_id = $1
		ORDER BY start_time DESC, id
	`, customerID)
}

func findOverlapping(ctx context.Context, q querier, kind model.ResourceKind, resourceID string, iv model.Interval, excludeID string) ([]model.Appointment, error) {
	if resourceID == "" {
		return nil, nil
	}
	var column string
	switch kind {
	case model.ResourceVehicle:
		column = "vehicle_id"
	case model.ResourceEmployee:
		column = "assigned_employee_id"
	default:
		return nil, apperr.Invalid("unknown resource kind %q", kind)
	}
	return queryAppointments(ctx, q, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
			AND status <> 'CANCELLED'
			AND start_time < $3
			AND end_time > $2
			AND ($4 = '' OR id <> $4)
		ORDER BY start_time ASC, id
	`, resourceID, iv.Start, iv.End, excludeID)
}

func findInRange(ctx context.Context, q querier, iv model.Interval) ([]model.Appointment, error) {
	return queryAppointments(ctx, q, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status <> 'CANCELLED'
			AND start_time < $2
			AND end_time > $1
		ORDER BY start_time ASC, id
	`, iv.Start, iv.End)
}

func searchRows(ctx context.Context, q querier, f Filter) ([]model.Appointment, error) {
	return queryAppointments(ctx, q, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1 = '' OR status = $1)
			AND ($2::timestamptz IS NULL OR start_time >= $2)
			AND ($3::timestamptz IS NULL OR start_time <= $3)
			AND ($4 = '' OR vehicle_id = $4)
			AND ($5 = '' OR customer_id = $5)
		ORDER BY start_time DESC, id
		LIMIT $6
	`, string(f.Status), f.From, f.To, f.VehicleID, f.CustomerID, f.limit())
}

func queryAppointments(ctx context.Context, q querier, sql string, args ...any) ([]model.Appointment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, translate(err)
		}
		appts = append(appts, a)
	}
	if rows.Err() != nil {
		return nil, translate(rows.Err())
	}
	return appts, nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var status string
	var cancelledAt *time.Time
	err := row.Scan(
		&a.ID,
		&a.CustomerID,
		&a.VehicleID,
		&a.ServiceType,
		&a.Interval.Start,
		&a.Interval.End,
		&status,
		&a.AssignedEmployeeID,
		&a.Notes,
		&a.CancelledBy,
		&cancelledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	a.Status = model.Status(status)
	a.CancelledAt = cancelledAt
	return a, nil
}

var domainErrors = []error{
	apperr.ErrInvalidInput,
	apperr.ErrNotFound,
	apperr.ErrAppointmentClosed,
	apperr.ErrInvalidTransition,
	apperr.ErrSlotUnavailable,
	apperr.ErrTransientStorage,
	apperr.ErrDuplicateKey,
}

// translate maps driver failures onto apperr. Errors that already carry a
// domain meaning pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", apperr.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", apperr.ErrDuplicateKey, pgErr.Detail)
		case "23P01":
			return &apperr.SlotUnavailableError{Reasons: []apperr.Reason{{
				Resource: constraintResource(pgErr.ConstraintName),
				Message:  "overlapping appointment committed concurrently",
			}}}
		case "23514":
			return apperr.Invalid("%s", pgErr.Message)
		case "40001", "40P01", "55P03", "57014", "53300":
			return apperr.Transient(err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return apperr.Transient(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return apperr.Transient(err)
	}
	return err
}

func constraintResource(name string) string {
	switch name {
	case "appointments_vehicle_no_overlap":
		return string(model.ResourceVehicle)
	case "appointments_employee_no_overlap":
		return string(model.ResourceEmployee)
	default:
		return name
	}
}
