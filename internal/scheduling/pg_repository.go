package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const slotColumns = `id, doctor_id, slot_date, start_time, end_time, is_booked, appointment_id, created_at, updated_at`

const appointmentColumns = `id, patient_id, doctor_id, slot_id, start_at, end_at, status, issue, created_at, updated_at`

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.Specialization, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot
	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Day,
		&s.StartTime,
		&s.EndTime,
		&s.IsBooked,
		&s.AppointmentID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.SlotID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&a.Issue,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanVisit(row pgx.Row) (*ScheduledVisit, error) {
	var v ScheduledVisit
	err := row.Scan(
		&v.AppointmentID,
		&v.PatientID,
		&v.PatientName,
		&v.DoctorID,
		&v.DoctorName,
		&v.StartAt,
		&v.SlotEnd,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// mapPgError translates low-level SQLSTATE failures into the repository's
// sentinel errors. Serialization failures and deadlocks become ErrTxConflict
// so the service layer can retry the whole unit; constraint violations mean
// a concurrent writer won the race the constraint guards.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return ErrTxConflict
	case "23505":
		if pgErr.ConstraintName == "one_scheduled_per_slot" {
			return ErrSlotUnavailable
		}
	case "23P01":
		if pgErr.ConstraintName == "no_patient_overlap" {
			return ErrPatientOverlap
		}
		return ErrSlotOverlap
	}
	return err
}

// Lookups

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialization, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// Slot catalog

func (r *PgRepository) CreateSlot(ctx context.Context, slot *AvailabilitySlot) (*AvailabilitySlot, error) {
	id := slot.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	// The guarded insert and the exclusion constraint together make the
	// overlap check race-safe: the NOT EXISTS handles the common case, the
	// constraint catches two concurrent inserts.
	row := r.pool.QueryRow(ctx, `
		INSERT INTO availability_slots (id, doctor_id, slot_date, start_time, end_time, is_booked, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, false, now(), now()
		WHERE NOT EXISTS (
			SELECT 1 FROM availability_slots
			WHERE doctor_id = $2
			  AND slot_date = $3
			  AND start_time < $5
			  AND end_time > $4
		)
		RETURNING `+slotColumns+`
	`, id, slot.DoctorID, slot.Day, slot.StartTime, slot.EndTime)

	created, err := scanSlot(row)
	if err != nil {
		if errors.Is(err, ErrSlotNotFound) {
			return nil, ErrSlotOverlap
		}
		return nil, mapPgError(err)
	}
	return created, nil
}

func (r *PgRepository) ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, day, after time.Time) ([]AvailabilitySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE doctor_id = $1
		  AND slot_date = $2
		  AND is_booked = false
		  AND start_time > $3
		ORDER BY start_time ASC
	`, doctorID, day, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AvailabilitySlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	return result, rows.Err()
}

func (r *PgRepository) DeleteFreeSlot(ctx context.Context, slotID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM availability_slots
		WHERE id = $1 AND is_booked = false
	`, slotID)
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotUnavailable
	}
	return nil
}

// Booking units of work

func (r *PgRepository) BindSlot(ctx context.Context, appt *Appointment) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin booking tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	// The insert itself can abort with 23P01: no_patient_overlap makes the
	// no-self-overlap invariant hold even when the advisory pre-check raced.
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_id, start_at, end_at, status, issue, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, appt.PatientID, appt.DoctorID, appt.SlotID, appt.StartAt, appt.EndAt, appt.Issue)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapPgError(err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE availability_slots
		SET is_booked = true, appointment_id = $2, updated_at = now()
		WHERE id = $1 AND is_booked = false
	`, appt.SlotID, created.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: the slot was bound between check and commit.
		return nil, ErrSlotUnavailable
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return created, nil
}

func (r *PgRepository) CancelAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+appointmentColumns+`
	`, appointmentID)

	cancelled, err := scanAppointment(row)
	if err != nil {
		return nil, mapPgError(err)
	}

	if cancelled.SlotID != nil {
		_, err = tx.Exec(ctx, `
			UPDATE availability_slots
			SET is_booked = false, appointment_id = NULL, updated_at = now()
			WHERE id = $1 AND appointment_id = $2
		`, cancelled.SlotID, cancelled.ID)
		if err != nil {
			return nil, mapPgError(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return cancelled, nil
}

func (r *PgRepository) RescheduleAppointment(ctx context.Context, appt *Appointment, oldSlotID uuid.UUID) (*Appointment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin reschedule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Bind the new slot first: if it is taken the whole unit aborts and
	// the old binding is untouched.
	tag, err := tx.Exec(ctx, `
		UPDATE availability_slots
		SET is_booked = true, appointment_id = $2, updated_at = now()
		WHERE id = $1 AND is_booked = false
	`, appt.SlotID, appt.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrSlotUnavailable
	}

	_, err = tx.Exec(ctx, `
		UPDATE availability_slots
		SET is_booked = false, appointment_id = NULL, updated_at = now()
		WHERE id = $1 AND appointment_id = $2
	`, oldSlotID, appt.ID)
	if err != nil {
		return nil, mapPgError(err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET doctor_id = $2, slot_id = $3, start_at = $4, end_at = $5, issue = $6, updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+appointmentColumns+`
	`, appt.ID, appt.DoctorID, appt.SlotID, appt.StartAt, appt.EndAt, appt.Issue)

	moved, err := scanAppointment(row)
	if err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return moved, nil
}

func (r *PgRepository) CompleteAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	// No slot release here: a completed appointment keeps its window.
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed', updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+appointmentColumns+`
	`, appointmentID)

	completed, err := scanAppointment(row)
	if err != nil {
		return nil, mapPgError(err)
	}
	return completed, nil
}

// Read side

const visitQuery = `
	SELECT a.id, a.patient_id, p.name, a.doctor_id, d.name, a.start_at, s.end_time
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id
	JOIN doctors d ON d.id = a.doctor_id
	LEFT JOIN availability_slots s ON s.id = a.slot_id
`

func (r *PgRepository) ListScheduledByPatient(ctx context.Context, patientID uuid.UUID) ([]ScheduledVisit, error) {
	rows, err := r.pool.Query(ctx, visitQuery+`
		WHERE a.patient_id = $1 AND a.status = 'scheduled'
		ORDER BY a.start_at ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectVisits(rows)
}

func (r *PgRepository) ListUpcomingScheduled(ctx context.Context, from time.Time) ([]ScheduledVisit, error) {
	rows, err := r.pool.Query(ctx, visitQuery+`
		WHERE a.status = 'scheduled' AND a.start_at >= $1
		ORDER BY a.doctor_id, a.start_at ASC
	`, from)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectVisits(rows)
}

func collectVisits(rows pgx.Rows) ([]ScheduledVisit, error) {
	var result []ScheduledVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status AppointmentStatus, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY start_at DESC
		LIMIT $3 OFFSET $4
	`, patientID, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
