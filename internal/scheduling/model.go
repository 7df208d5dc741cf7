package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// IsTerminal reports whether no further transition is allowed.
func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// ParseStatus normalizes an incoming status string. "confirmed" is a legacy
// alias for scheduled and is accepted on input.
func ParseStatus(raw string) (AppointmentStatus, bool) {
	switch AppointmentStatus(raw) {
	case StatusScheduled, "confirmed":
		return StatusScheduled, true
	case StatusCancelled:
		return StatusCancelled, true
	case StatusCompleted:
		return StatusCompleted, true
	}
	return "", false
}

type Doctor struct {
	ID             uuid.UUID
	Name           string
	Specialization *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AvailabilitySlot is a doctor-published bookable window for one date.
// Day carries the calendar date (midnight UTC); StartTime and EndTime are the
// full [start, end) instants of the window.
type AvailabilitySlot struct {
	ID            uuid.UUID
	DoctorID      uuid.UUID
	Day           time.Time
	StartTime     time.Time
	EndTime       time.Time
	IsBooked      bool
	AppointmentID *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Appointment carries its own [StartAt, EndAt) window, copied from the slot
// at bind time. The window is what the per-patient exclusion constraint
// ranges over, so it must always be populated on write.
type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	SlotID    *uuid.UUID
	StartAt   time.Time
	EndAt     time.Time
	Status    AppointmentStatus
	Issue     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScheduledVisit is the read-side row used for overlap checks and the
// conflict sweep: an appointment joined with its parties and, when a slot is
// bound, the slot's end time.
type ScheduledVisit struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	PatientName   string
	DoctorID      uuid.UUID
	DoctorName    string
	StartAt       time.Time
	SlotEnd       *time.Time
}

// EndAt resolves the visit's end instant, falling back to a fixed duration
// when no slot is bound.
func (v ScheduledVisit) EndAt(defaultDuration time.Duration) time.Time {
	if v.SlotEnd != nil {
		return *v.SlotEnd
	}
	return v.StartAt.Add(defaultDuration)
}

// Conflict is one detected doctor double-booking.
type Conflict struct {
	DoctorID            uuid.UUID
	DoctorName          string
	FirstAppointmentID  uuid.UUID
	FirstPatientName    string
	SecondAppointmentID uuid.UUID
	SecondPatientName   string
	ConflictAt          time.Time
	Suggestion          string
}

// overlaps is the half-open interval test: [s1,e1) and [s2,e2) conflict iff
// s1 < e2 and s2 < e1. Touching boundaries do not overlap, so back-to-back
// windows are always allowed.
func overlaps(s1, e1, s2, e2 time.Time) bool {
	return s1.Before(e2) && s2.Before(e1)
}

// DayOf truncates t to its calendar date in UTC.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
