package scheduling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrSlotNotFound        = errors.New("slot not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotOverlap is returned when a new slot's window intersects an
	// existing slot for the same doctor and date.
	ErrSlotOverlap = errors.New("slot overlaps an existing slot")

	// ErrSlotUnavailable signals a lost race: the slot was bound, deleted,
	// or released by a concurrent operation between check and commit.
	ErrSlotUnavailable = errors.New("slot is no longer available")

	// ErrTxConflict is a transient abort of the atomic unit (serialization
	// failure or deadlock). Eligible for a bounded retry.
	ErrTxConflict = errors.New("transaction conflict, retry")
)

// Repository contains all persistence interactions needed by the engine.
// The booking-affecting methods (BindSlot, CancelAppointment,
// RescheduleAppointment, CompleteAppointment) each execute as one atomic
// unit: concurrent callers observe only the pre- or post-state.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Slot catalog. CreateSlot fails with ErrSlotOverlap when the interval
	// is already taken for the doctor and date. DeleteFreeSlot deletes only
	// while the slot is unbooked; zero rows affected reports
	// ErrSlotUnavailable.
	CreateSlot(ctx context.Context, slot *AvailabilitySlot) (*AvailabilitySlot, error)
	ListAvailableSlots(ctx context.Context, doctorID uuid.UUID, day, after time.Time) ([]AvailabilitySlot, error)
	DeleteFreeSlot(ctx context.Context, slotID uuid.UUID) error

	// BindSlot creates the appointment and flips the slot's is_booked flag
	// in a single transaction. The bind is a conditional update
	// (WHERE is_booked = false); zero rows affected means a concurrent
	// booking won and the whole unit rolls back with ErrSlotUnavailable.
	// The unit also enforces the patient's no-self-overlap invariant and
	// aborts with ErrPatientOverlap when the window is already taken.
	BindSlot(ctx context.Context, appt *Appointment) (*Appointment, error)

	// CancelAppointment transitions scheduled -> cancelled and releases the
	// bound slot in the same transaction.
	CancelAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error)

	// RescheduleAppointment binds the new slot, releases the old one and
	// rewrites the appointment row in one transaction. appt carries the
	// post-move field values. On any failure nothing is applied: the old
	// slot stays bound and the new slot stays free.
	RescheduleAppointment(ctx context.Context, appt *Appointment, oldSlotID uuid.UUID) (*Appointment, error)

	// CompleteAppointment transitions scheduled -> completed. The slot
	// stays bound: a completed appointment keeps its historical window.
	CompleteAppointment(ctx context.Context, appointmentID uuid.UUID) (*Appointment, error)

	// Read side. An empty status lists every appointment for the patient.
	ListScheduledByPatient(ctx context.Context, patientID uuid.UUID) ([]ScheduledVisit, error)
	ListUpcomingScheduled(ctx context.Context, from time.Time) ([]ScheduledVisit, error)
	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, status AppointmentStatus, limit, offset int) ([]Appointment, error)
}
