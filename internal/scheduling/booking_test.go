package scheduling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicdesk/scheduling-engine/internal/config"
	"github.com/clinicdesk/scheduling-engine/internal/notify"
)

func TestBook(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")
	slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "checkup")
	require.NoError(t, err)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, patientID, appt.PatientID)
	assert.Equal(t, doctorID, appt.DoctorID)
	assert.Equal(t, slot.StartTime, appt.StartAt)
	require.NotNil(t, appt.SlotID)
	assert.Equal(t, slot.ID, *appt.SlotID)

	bound, err := env.repo.GetSlotByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, bound.IsBooked)
	require.NotNil(t, bound.AppointmentID)
	assert.Equal(t, appt.ID, *bound.AppointmentID)

	sent := env.notifier.byCategory(CategoryBooked)
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ToDoctor(doctorID), sent[0].To)
}

func TestBookGuards(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")

	t.Run("unknown patient", func(t *testing.T) {
		slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)
		_, err := env.booking.Book(ctx, uuid.New(), doctorID, slot.ID, "")
		assert.ErrorIs(t, err, ErrPatientNotFound)
	})

	t.Run("unknown doctor", func(t *testing.T) {
		slot := env.slotAt(doctorID, testNow.Add(3*time.Hour), 30*time.Minute)
		_, err := env.booking.Book(ctx, patientID, uuid.New(), slot.ID, "")
		assert.ErrorIs(t, err, ErrDoctorNotFound)
	})

	t.Run("slot under another doctor", func(t *testing.T) {
		other := env.repo.addDoctor("Dr. Osei")
		slot := env.slotAt(other, testNow.Add(4*time.Hour), 30*time.Minute)
		_, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
		assert.ErrorIs(t, err, ErrSlotMismatch)
	})

	t.Run("slot in the past", func(t *testing.T) {
		slot := env.slotAt(doctorID, testNow.Add(-time.Hour), 30*time.Minute)
		_, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
		assert.ErrorIs(t, err, ErrSlotInPast)
	})

	t.Run("missing slot", func(t *testing.T) {
		_, err := env.booking.Book(ctx, patientID, doctorID, uuid.New(), "")
		assert.ErrorIs(t, err, ErrSlotNotFound)
	})
}

func TestBookAlreadyBookedSlot(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	ana := env.repo.addPatient("Ana")
	bruno := env.repo.addPatient("Bruno")
	slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)

	_, err := env.booking.Book(ctx, ana, doctorID, slot.ID, "")
	require.NoError(t, err)

	_, err = env.booking.Book(ctx, bruno, doctorID, slot.ID, "")
	assert.ErrorIs(t, err, ErrSlotUnavailable)
}

func TestBookRejectsPatientOverlap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	reyes := env.repo.addDoctor("Dr. Reyes")
	osei := env.repo.addDoctor("Dr. Osei")
	patientID := env.repo.addPatient("Ana")

	start := testNow.Add(2 * time.Hour)
	first := env.slotAt(reyes, start, time.Hour)
	sameWindow := env.slotAt(osei, start.Add(30*time.Minute), time.Hour)
	backToBack := env.slotAt(osei, start.Add(time.Hour), time.Hour)

	_, err := env.booking.Book(ctx, patientID, reyes, first.ID, "")
	require.NoError(t, err)

	// The patient cannot hold two scheduled appointments in the same window,
	// even under different doctors.
	_, err = env.booking.Book(ctx, patientID, osei, sameWindow.ID, "")
	assert.ErrorIs(t, err, ErrPatientOverlap)

	// Touching windows do not overlap.
	_, err = env.booking.Book(ctx, patientID, osei, backToBack.ID, "")
	assert.NoError(t, err)
}

// Two goroutines race for the last open slot. Exactly one must win; the
// loser gets a conflict error and no second appointment row exists.
func TestBookRaceSingleWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := newTestEnv()
		ctx := context.Background()
		doctorID := env.repo.addDoctor("Dr. Reyes")
		ana := env.repo.addPatient("Ana")
		bruno := env.repo.addPatient("Bruno")
		slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, patientID := range []uuid.UUID{ana, bruno} {
			wg.Add(1)
			go func(i int, patientID uuid.UUID) {
				defer wg.Done()
				_, errs[i] = env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
			}(i, patientID)
		}
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, ErrSlotUnavailable)
			}
		}
		require.Equal(t, 1, winners, "exactly one booking must win")

		bound, err := env.repo.GetSlotByID(ctx, slot.ID)
		require.NoError(t, err)
		assert.True(t, bound.IsBooked)
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")
	slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
	require.NoError(t, err)

	cancelled, err := env.booking.Cancel(ctx, appt.ID, patientID, RolePatient)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// The slot is released and bookable again.
	released, err := env.repo.GetSlotByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.False(t, released.IsBooked)
	assert.Nil(t, released.AppointmentID)

	sent := env.notifier.byCategory(CategoryCancelled)
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ToDoctor(doctorID), sent[0].To)

	// Someone else can take the window now.
	bruno := env.repo.addPatient("Bruno")
	_, err = env.booking.Book(ctx, bruno, doctorID, slot.ID, "")
	assert.NoError(t, err)
}

func TestCancelIsNotIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")
	slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
	require.NoError(t, err)

	_, err = env.booking.Cancel(ctx, appt.ID, patientID, RolePatient)
	require.NoError(t, err)

	_, err = env.booking.Cancel(ctx, appt.ID, patientID, RolePatient)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelAuthorization(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")

	book := func(t *testing.T, offset time.Duration) *Appointment {
		slot := env.slotAt(doctorID, testNow.Add(offset), 30*time.Minute)
		appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
		require.NoError(t, err)
		return appt
	}

	t.Run("another patient", func(t *testing.T) {
		appt := book(t, 2*time.Hour)
		_, err := env.booking.Cancel(ctx, appt.ID, uuid.New(), RolePatient)
		assert.ErrorIs(t, err, ErrNotAppointmentPatient)
	})

	t.Run("another doctor", func(t *testing.T) {
		appt := book(t, 3*time.Hour)
		_, err := env.booking.Cancel(ctx, appt.ID, uuid.New(), RoleDoctor)
		assert.ErrorIs(t, err, ErrNotAppointmentDoctor)
	})

	t.Run("owning doctor", func(t *testing.T) {
		appt := book(t, 4*time.Hour)
		cancelled, err := env.booking.Cancel(ctx, appt.ID, doctorID, RoleDoctor)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, cancelled.Status)

		// The patient hears about a doctor-side cancel.
		sent := env.notifier.byCategory(CategoryCancelled)
		require.NotEmpty(t, sent)
		assert.Equal(t, notify.ToPatient(patientID), sent[len(sent)-1].To)
	})

	t.Run("admin", func(t *testing.T) {
		appt := book(t, 5*time.Hour)
		_, err := env.booking.Cancel(ctx, appt.ID, uuid.Nil, RoleAdmin)
		assert.NoError(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		appt := book(t, 6*time.Hour)
		_, err := env.booking.Cancel(ctx, appt.ID, patientID, Role("receptionist"))
		assert.ErrorIs(t, err, ErrUnknownRole)
	})
}

func TestCancelAfterStartRejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")
	slot := env.slotAt(doctorID, testNow.Add(time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
	require.NoError(t, err)

	env.clock.Advance(time.Hour)

	_, err = env.booking.Cancel(ctx, appt.ID, patientID, RolePatient)
	assert.ErrorIs(t, err, ErrAppointmentStarted)

	_, err = env.booking.Cancel(ctx, appt.ID, doctorID, RoleDoctor)
	assert.ErrorIs(t, err, ErrAppointmentStarted)
}

func TestReschedule(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	reyes := env.repo.addDoctor("Dr. Reyes")
	osei := env.repo.addDoctor("Dr. Osei")
	patientID := env.repo.addPatient("Ana")

	oldSlot := env.slotAt(reyes, testNow.Add(2*time.Hour), 30*time.Minute)
	newSlot := env.slotAt(osei, testNow.Add(26*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, reyes, oldSlot.ID, "checkup")
	require.NoError(t, err)

	moved, err := env.booking.Reschedule(ctx, appt.ID, patientID, newSlot.ID, "")
	require.NoError(t, err)

	assert.Equal(t, appt.ID, moved.ID)
	assert.Equal(t, osei, moved.DoctorID)
	assert.Equal(t, newSlot.StartTime, moved.StartAt)
	assert.Equal(t, "checkup", moved.Issue, "empty issue keeps the old text")

	freed, err := env.repo.GetSlotByID(ctx, oldSlot.ID)
	require.NoError(t, err)
	assert.False(t, freed.IsBooked)

	taken, err := env.repo.GetSlotByID(ctx, newSlot.ID)
	require.NoError(t, err)
	assert.True(t, taken.IsBooked)

	// Both doctors are told when the appointment changes hands.
	sent := env.notifier.byCategory(CategoryRescheduled)
	require.Len(t, sent, 2)
	assert.Equal(t, notify.ToDoctor(osei), sent[0].To)
	assert.Equal(t, notify.ToDoctor(reyes), sent[1].To)
}

func TestRescheduleFailureLeavesBookingIntact(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	ana := env.repo.addPatient("Ana")
	bruno := env.repo.addPatient("Bruno")

	oldSlot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)
	takenSlot := env.slotAt(doctorID, testNow.Add(4*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, ana, doctorID, oldSlot.ID, "")
	require.NoError(t, err)
	_, err = env.booking.Book(ctx, bruno, doctorID, takenSlot.ID, "")
	require.NoError(t, err)

	_, err = env.booking.Reschedule(ctx, appt.ID, ana, takenSlot.ID, "")
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	// Nothing moved: the old binding survives a failed reschedule.
	still, err := env.repo.GetSlotByID(ctx, oldSlot.ID)
	require.NoError(t, err)
	assert.True(t, still.IsBooked)

	current, err := env.repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, current.Status)
	assert.Equal(t, oldSlot.ID, *current.SlotID)
	assert.Equal(t, oldSlot.StartTime, current.StartAt)
}

func TestRescheduleSelfOverlap(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	reyes := env.repo.addDoctor("Dr. Reyes")
	osei := env.repo.addDoctor("Dr. Osei")
	patientID := env.repo.addPatient("Ana")

	start := testNow.Add(2 * time.Hour)
	first := env.slotAt(reyes, start, time.Hour)
	second := env.slotAt(reyes, start.Add(2*time.Hour), time.Hour)

	// Moving into the window of another appointment the patient holds fails.
	overlapping := env.slotAt(osei, start.Add(30*time.Minute), time.Hour)
	// Moving within the appointment's own current window is allowed.
	ownWindow := env.slotAt(osei, start.Add(15*time.Minute), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, reyes, first.ID, "")
	require.NoError(t, err)
	other, err := env.booking.Book(ctx, patientID, reyes, second.ID, "")
	require.NoError(t, err)

	_, err = env.booking.Reschedule(ctx, other.ID, patientID, overlapping.ID, "")
	assert.ErrorIs(t, err, ErrPatientOverlap)

	moved, err := env.booking.Reschedule(ctx, appt.ID, patientID, ownWindow.ID, "")
	require.NoError(t, err)
	assert.Equal(t, ownWindow.StartTime, moved.StartAt)
}

func TestRescheduleGuards(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")

	slot := env.slotAt(doctorID, testNow.Add(2*time.Hour), 30*time.Minute)
	target := env.slotAt(doctorID, testNow.Add(4*time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
	require.NoError(t, err)

	_, err = env.booking.Reschedule(ctx, appt.ID, uuid.New(), target.ID, "")
	assert.ErrorIs(t, err, ErrNotAppointmentPatient)

	past := env.slotAt(doctorID, testNow.Add(-time.Hour), 30*time.Minute)
	_, err = env.booking.Reschedule(ctx, appt.ID, patientID, past.ID, "")
	assert.ErrorIs(t, err, ErrSlotInPast)

	_, err = env.booking.Cancel(ctx, appt.ID, patientID, RolePatient)
	require.NoError(t, err)
	_, err = env.booking.Reschedule(ctx, appt.ID, patientID, target.ID, "")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestMarkCompleted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")
	slot := env.slotAt(doctorID, testNow.Add(time.Hour), 30*time.Minute)

	appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
	require.NoError(t, err)

	// Too early.
	_, err = env.booking.MarkCompleted(ctx, appt.ID, doctorID)
	assert.ErrorIs(t, err, ErrNotYetStarted)

	env.clock.Advance(time.Hour)

	_, err = env.booking.MarkCompleted(ctx, appt.ID, uuid.New())
	assert.ErrorIs(t, err, ErrNotAppointmentDoctor)

	completed, err := env.booking.MarkCompleted(ctx, appt.ID, doctorID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	// The slot stays bound as the historical record of the visit.
	bound, err := env.repo.GetSlotByID(ctx, slot.ID)
	require.NoError(t, err)
	assert.True(t, bound.IsBooked)

	sent := env.notifier.byCategory(CategoryCompleted)
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ToPatient(patientID), sent[0].To)

	_, err = env.booking.MarkCompleted(ctx, appt.ID, doctorID)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestListByPatient(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		slot := env.slotAt(doctorID, testNow.Add(time.Duration(i+2)*time.Hour), 30*time.Minute)
		appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
		require.NoError(t, err)
		ids = append(ids, appt.ID)
	}

	got, err := env.booking.ListByPatient(ctx, patientID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, ids[2], got[0].ID)
	assert.Equal(t, ids[0], got[2].ID)

	got, err = env.booking.ListByPatient(ctx, patientID, "", 2, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = env.booking.ListByPatient(ctx, patientID, "", 2, 2)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestListByPatientStatusFilter(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	doctorID := env.repo.addDoctor("Dr. Reyes")
	patientID := env.repo.addPatient("Ana")

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		slot := env.slotAt(doctorID, testNow.Add(time.Duration(i+2)*time.Hour), 30*time.Minute)
		appt, err := env.booking.Book(ctx, patientID, doctorID, slot.ID, "")
		require.NoError(t, err)
		ids = append(ids, appt.ID)
	}
	_, err := env.booking.Cancel(ctx, ids[0], patientID, RolePatient)
	require.NoError(t, err)

	got, err := env.booking.ListByPatient(ctx, patientID, "scheduled", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Legacy alias resolves to scheduled.
	got, err = env.booking.ListByPatient(ctx, patientID, "confirmed", 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = env.booking.ListByPatient(ctx, patientID, "cancelled", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[0], got[0].ID)

	_, err = env.booking.ListByPatient(ctx, patientID, "pending", 0, 0)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

// rendezvousRepo holds every overlap pre-check at a barrier until two
// callers have arrived, so both racing bookings read a conflict-free view
// before either one binds.
type rendezvousRepo struct {
	*memRepo
	barrier sync.WaitGroup
}

func (r *rendezvousRepo) ListScheduledByPatient(ctx context.Context, patientID uuid.UUID) ([]ScheduledVisit, error) {
	r.barrier.Done()
	r.barrier.Wait()
	return r.memRepo.ListScheduledByPatient(ctx, patientID)
}

// One patient races to book two different slots in the same window. The
// per-slot locks do not serialize the two calls and the barrier makes both
// overlap pre-checks pass, so only the bind's own enforcement can stop the
// second booking.
func TestBookCrossSlotPatientOverlapRace(t *testing.T) {
	ctx := context.Background()
	repo := &rendezvousRepo{memRepo: newMemRepo()}
	repo.barrier.Add(2)

	cfg := config.Config{
		VisitDuration: 30 * time.Minute,
		TxRetryLimit:  2,
	}
	booking := NewBooking(repo, newBlockingLocker(), &captureNotifier{}, newFixedClock(testNow), cfg, zerolog.Nop())

	reyes := repo.addDoctor("Dr. Reyes")
	osei := repo.addDoctor("Dr. Osei")
	patientID := repo.addPatient("Ana")

	start := testNow.Add(2 * time.Hour)
	mkSlot := func(doctorID uuid.UUID, start time.Time) uuid.UUID {
		slot, err := repo.CreateSlot(ctx, &AvailabilitySlot{
			DoctorID:  doctorID,
			Day:       DayOf(start),
			StartTime: start,
			EndTime:   start.Add(time.Hour),
		})
		require.NoError(t, err)
		return slot.ID
	}
	first := mkSlot(reyes, start)
	second := mkSlot(osei, start.Add(30*time.Minute))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, slotID := range []uuid.UUID{first, second} {
		wg.Add(1)
		go func(i int, doctorID, slotID uuid.UUID) {
			defer wg.Done()
			_, errs[i] = booking.Book(ctx, patientID, doctorID, slotID, "")
		}(i, []uuid.UUID{reyes, osei}[i], slotID)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrPatientOverlap)
		}
	}
	require.Equal(t, 1, winners, "the patient must end up with exactly one appointment")

	visits, err := repo.memRepo.ListScheduledByPatient(ctx, patientID)
	require.NoError(t, err)
	assert.Len(t, visits, 1)
}
