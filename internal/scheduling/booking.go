package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/scheduling-engine/internal/clock"
	"github.com/clinicdesk/scheduling-engine/internal/config"
	"github.com/clinicdesk/scheduling-engine/internal/notify"
	redisclient "github.com/clinicdesk/scheduling-engine/internal/redis"
)

const (
	CategoryBooked      = "appointment_booked"
	CategoryCancelled   = "appointment_cancelled"
	CategoryRescheduled = "appointment_rescheduled"
	CategoryCompleted   = "appointment_completed"
)

var (
	ErrSlotMismatch          = errors.New("slot does not belong to the requested doctor")
	ErrSlotInPast            = errors.New("slot window is in the past")
	ErrSlotBeingBooked       = errors.New("slot is currently being booked, please retry")
	ErrAlreadyTerminal       = errors.New("appointment is already cancelled or completed")
	ErrAppointmentStarted    = errors.New("appointment has already started")
	ErrNotYetStarted         = errors.New("appointment has not started yet")
	ErrNotAppointmentPatient = errors.New("appointment belongs to another patient")
	ErrNotAppointmentDoctor  = errors.New("appointment belongs to another doctor")
	ErrPatientOverlap        = errors.New("patient already has an appointment in that window")
	ErrUnknownRole           = errors.New("unknown requester role")
	ErrUnknownStatus         = errors.New("unknown appointment status")
)

// Booking is the coordinator that binds patients to slots. It is the only
// writer of is_booked, appointment_id and status: every mutation of that
// pair goes through one of its atomic units.
type Booking struct {
	repo     Repository
	locker   redisclient.Locker
	notifier notify.Notifier
	clock    clock.Clock
	cfg      config.Config
	log      zerolog.Logger
}

func NewBooking(repo Repository, locker redisclient.Locker, notifier notify.Notifier, clk clock.Clock, cfg config.Config, log zerolog.Logger) *Booking {
	return &Booking{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		log:      log,
	}
}

// Book reserves a slot for a patient. Availability was queried earlier and
// may be stale, so everything is re-checked inside the slot lock and the
// bind itself is a conditional update: two concurrent requests for the same
// slot get exactly one winner, the loser sees ErrSlotUnavailable.
func (s *Booking) Book(ctx context.Context, patientID, doctorID, slotID uuid.UUID, issue string) (*Appointment, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	if _, err := s.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		slot, err := s.repo.GetSlotByID(lockCtx, slotID)
		if err != nil {
			return err
		}
		if slot.DoctorID != doctorID {
			return ErrSlotMismatch
		}
		if slot.IsBooked {
			return ErrSlotUnavailable
		}
		if !slot.StartTime.After(s.clock.Now()) {
			return ErrSlotInPast
		}

		if err := s.checkPatientOverlap(lockCtx, patientID, slot.StartTime, slot.EndTime, uuid.Nil); err != nil {
			return err
		}

		appt := &Appointment{
			PatientID: patientID,
			DoctorID:  doctorID,
			SlotID:    &slot.ID,
			StartAt:   slot.StartTime,
			EndAt:     slot.EndTime,
			Issue:     issue,
		}

		created, err = s.withTxRetry(lockCtx, func(c context.Context) (*Appointment, error) {
			return s.repo.BindSlot(c, appt)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("patient_id", patientID.String()).
		Str("doctor_id", doctorID.String()).
		Time("start_at", created.StartAt).
		Msg("appointment booked")

	s.send(ctx, notify.ToDoctor(doctorID),
		fmt.Sprintf("%s booked an appointment on %s", patient.Name, formatWhen(created.StartAt)),
		CategoryBooked, appointmentLink(created.ID))

	return created, nil
}

// Cancel transitions an appointment to cancelled and releases its slot in
// the same atomic unit. Either party may cancel, but only before the
// appointment has started.
func (s *Booking) Cancel(ctx context.Context, appointmentID, requesterID uuid.UUID, role Role) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}

	switch role {
	case RolePatient:
		if appt.PatientID != requesterID {
			return nil, ErrNotAppointmentPatient
		}
	case RoleDoctor:
		if appt.DoctorID != requesterID {
			return nil, ErrNotAppointmentDoctor
		}
	case RoleAdmin:
		// Conflict resolution path.
	default:
		return nil, ErrUnknownRole
	}

	if !appt.StartAt.After(s.clock.Now()) {
		return nil, ErrAppointmentStarted
	}

	cancelled, err := s.withTxRetry(ctx, func(c context.Context) (*Appointment, error) {
		return s.repo.CancelAppointment(c, appointmentID)
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// Lost a race with another cancel: the row is no longer scheduled.
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("requester_id", requesterID.String()).
		Str("role", string(role)).
		Msg("appointment cancelled")

	message := fmt.Sprintf("The appointment on %s was cancelled", formatWhen(cancelled.StartAt))
	link := appointmentLink(cancelled.ID)
	switch role {
	case RolePatient:
		s.send(ctx, notify.ToDoctor(cancelled.DoctorID), message, CategoryCancelled, link)
	case RoleDoctor:
		s.send(ctx, notify.ToPatient(cancelled.PatientID), message, CategoryCancelled, link)
	default:
		s.send(ctx, notify.ToDoctor(cancelled.DoctorID), message, CategoryCancelled, link)
		s.send(ctx, notify.ToPatient(cancelled.PatientID), message, CategoryCancelled, link)
	}

	return cancelled, nil
}

// Reschedule moves an appointment to a new slot, possibly under a different
// doctor. The release of the old slot and the bind of the new one commit
// together or not at all; a failed bind leaves the original booking intact.
// An empty issue keeps the existing issue text.
func (s *Booking) Reschedule(ctx context.Context, appointmentID, patientID, newSlotID uuid.UUID, issue string) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if appt.PatientID != patientID {
		return nil, ErrNotAppointmentPatient
	}
	if appt.SlotID == nil {
		return nil, ErrSlotNotFound
	}
	oldSlotID := *appt.SlotID
	oldStart := appt.StartAt

	var moved *Appointment

	err = s.locker.WithSlotLock(ctx, newSlotID, func(lockCtx context.Context) error {
		newSlot, err := s.repo.GetSlotByID(lockCtx, newSlotID)
		if err != nil {
			return err
		}
		if newSlot.IsBooked {
			return ErrSlotUnavailable
		}
		if !newSlot.StartTime.After(s.clock.Now()) {
			return ErrSlotInPast
		}

		// Self-conflict guard, excluding the appointment being moved.
		if err := s.checkPatientOverlap(lockCtx, patientID, newSlot.StartTime, newSlot.EndTime, appt.ID); err != nil {
			return err
		}

		next := *appt
		next.DoctorID = newSlot.DoctorID
		next.SlotID = &newSlot.ID
		next.StartAt = newSlot.StartTime
		next.EndAt = newSlot.EndTime
		if issue != "" {
			next.Issue = issue
		}

		moved, err = s.withTxRetry(lockCtx, func(c context.Context) (*Appointment, error) {
			return s.repo.RescheduleAppointment(c, &next, oldSlotID)
		})
		return err
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Time("old_start", oldStart).
		Time("new_start", moved.StartAt).
		Msg("appointment rescheduled")

	message := fmt.Sprintf("An appointment moved from %s to %s", formatWhen(oldStart), formatWhen(moved.StartAt))
	link := appointmentLink(moved.ID)
	s.send(ctx, notify.ToDoctor(moved.DoctorID), message, CategoryRescheduled, link)
	if moved.DoctorID != appt.DoctorID {
		s.send(ctx, notify.ToDoctor(appt.DoctorID), message, CategoryRescheduled, link)
	}

	return moved, nil
}

// MarkCompleted closes out an appointment once its start time has passed.
// The slot stays bound: completed appointments keep their historical window.
func (s *Booking) MarkCompleted(ctx context.Context, appointmentID, doctorID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if appt.DoctorID != doctorID {
		return nil, ErrNotAppointmentDoctor
	}
	if appt.StartAt.After(s.clock.Now()) {
		return nil, ErrNotYetStarted
	}

	completed, err := s.withTxRetry(ctx, func(c context.Context) (*Appointment, error) {
		return s.repo.CompleteAppointment(c, appointmentID)
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAlreadyTerminal
		}
		return nil, err
	}

	s.log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("doctor_id", doctorID.String()).
		Msg("appointment completed")

	s.send(ctx, notify.ToPatient(completed.PatientID),
		fmt.Sprintf("Your appointment on %s was marked completed", formatWhen(completed.StartAt)),
		CategoryCompleted, appointmentLink(completed.ID))

	return completed, nil
}

// ListByPatient returns a patient's appointments, newest first. A non-empty
// statusFilter narrows the result to one status; "confirmed" is accepted as
// an alias of scheduled.
func (s *Booking) ListByPatient(ctx context.Context, patientID uuid.UUID, statusFilter string, limit, offset int) ([]Appointment, error) {
	var status AppointmentStatus
	if statusFilter != "" {
		parsed, ok := ParseStatus(statusFilter)
		if !ok {
			return nil, ErrUnknownStatus
		}
		status = parsed
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAppointmentsByPatient(ctx, patientID, status, limit, offset)
}

// checkPatientOverlap is the fast path of the no-self-overlap invariant: a
// patient's scheduled appointments must be pairwise non-overlapping in time.
// It runs under the slot lock only, so a concurrent booking on a different
// slot can slip past it; the bind's atomic unit is the authoritative check
// and aborts with the same ErrPatientOverlap.
func (s *Booking) checkPatientOverlap(ctx context.Context, patientID uuid.UUID, start, end time.Time, exclude uuid.UUID) error {
	visits, err := s.repo.ListScheduledByPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("list patient appointments: %w", err)
	}
	for _, v := range visits {
		if v.AppointmentID == exclude {
			continue
		}
		if overlaps(v.StartAt, v.EndAt(s.cfg.VisitDuration), start, end) {
			return ErrPatientOverlap
		}
	}
	return nil
}

// withTxRetry re-runs an atomic unit a bounded number of times when it
// aborts with a transient conflict, then surfaces the error as-is.
func (s *Booking) withTxRetry(ctx context.Context, op func(ctx context.Context) (*Appointment, error)) (*Appointment, error) {
	var appt *Appointment
	var err error
	for attempt := 0; ; attempt++ {
		appt, err = op(ctx)
		if err == nil || !errors.Is(err, ErrTxConflict) || attempt >= s.cfg.TxRetryLimit {
			return appt, err
		}
		s.log.Warn().Int("attempt", attempt+1).Msg("transient tx conflict, retrying")
	}
}

// send delivers a notification outside the atomicity boundary. Delivery
// failures are logged and dropped, never propagated into the booking result.
func (s *Booking) send(ctx context.Context, to notify.RecipientRef, message, category, link string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, to, message, category, link); err != nil {
		s.log.Warn().Err(err).
			Str("recipient_kind", string(to.Kind)).
			Str("category", category).
			Msg("notification delivery failed")
	}
}

func formatWhen(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04")
}

func appointmentLink(id uuid.UUID) string {
	return "/appointments/" + id.String()
}
