package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/scheduling-engine/internal/config"
	"github.com/clinicdesk/scheduling-engine/internal/notify"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the Postgres implementation: booking-affecting methods check
// and mutate under one mutex, so concurrent callers see exactly one winner.
type memRepo struct {
	mu           sync.Mutex
	doctors      map[uuid.UUID]*Doctor
	patients     map[uuid.UUID]*Patient
	slots        map[uuid.UUID]*AvailabilitySlot
	appointments map[uuid.UUID]*Appointment
}

func newMemRepo() *memRepo {
	return &memRepo{
		doctors:      make(map[uuid.UUID]*Doctor),
		patients:     make(map[uuid.UUID]*Patient),
		slots:        make(map[uuid.UUID]*AvailabilitySlot),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *memRepo) addDoctor(name string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.doctors[id] = &Doctor{ID: id, Name: name}
	return id
}

func (r *memRepo) addPatient(name string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.patients[id] = &Patient{ID: id, Name: name}
	return id
}

func (r *memRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *memRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memRepo) GetSlotByID(_ context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) CreateSlot(_ context.Context, slot *AvailabilitySlot) (*AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.slots {
		if existing.DoctorID != slot.DoctorID || !existing.Day.Equal(slot.Day) {
			continue
		}
		if overlaps(existing.StartTime, existing.EndTime, slot.StartTime, slot.EndTime) {
			return nil, ErrSlotOverlap
		}
	}

	created := *slot
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	r.slots[created.ID] = &created
	cp := created
	return &cp, nil
}

func (r *memRepo) ListAvailableSlots(_ context.Context, doctorID uuid.UUID, day, after time.Time) ([]AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []AvailabilitySlot
	for _, s := range r.slots {
		if s.DoctorID == doctorID && s.Day.Equal(day) && !s.IsBooked && s.StartTime.After(after) {
			result = append(result, *s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.Before(result[j].StartTime) })
	return result, nil
}

func (r *memRepo) DeleteFreeSlot(_ context.Context, slotID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[slotID]
	if !ok || s.IsBooked {
		return ErrSlotUnavailable
	}
	delete(r.slots, slotID)
	return nil
}

func (r *memRepo) BindSlot(_ context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if appt.SlotID == nil {
		return nil, ErrSlotNotFound
	}
	slot, ok := r.slots[*appt.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if slot.IsBooked {
		return nil, ErrSlotUnavailable
	}
	if err := r.patientOverlapLocked(appt.PatientID, appt.StartAt, appt.EndAt, appt.ID); err != nil {
		return nil, err
	}

	created := *appt
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	created.Status = StatusScheduled
	r.appointments[created.ID] = &created

	slot.IsBooked = true
	slot.AppointmentID = &created.ID

	cp := created
	return &cp, nil
}

func (r *memRepo) CancelAppointment(_ context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[appointmentID]
	if !ok || a.Status != StatusScheduled {
		return nil, ErrAppointmentNotFound
	}

	a.Status = StatusCancelled
	if a.SlotID != nil {
		if slot, ok := r.slots[*a.SlotID]; ok && slot.AppointmentID != nil && *slot.AppointmentID == a.ID {
			slot.IsBooked = false
			slot.AppointmentID = nil
		}
	}

	cp := *a
	return &cp, nil
}

func (r *memRepo) RescheduleAppointment(_ context.Context, appt *Appointment, oldSlotID uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if appt.SlotID == nil {
		return nil, ErrSlotNotFound
	}
	newSlot, ok := r.slots[*appt.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if newSlot.IsBooked {
		return nil, ErrSlotUnavailable
	}

	current, ok := r.appointments[appt.ID]
	if !ok || current.Status != StatusScheduled {
		return nil, ErrAppointmentNotFound
	}
	if err := r.patientOverlapLocked(appt.PatientID, appt.StartAt, appt.EndAt, appt.ID); err != nil {
		return nil, err
	}

	newSlot.IsBooked = true
	newSlot.AppointmentID = &appt.ID

	if oldSlot, ok := r.slots[oldSlotID]; ok && oldSlot.AppointmentID != nil && *oldSlot.AppointmentID == appt.ID {
		oldSlot.IsBooked = false
		oldSlot.AppointmentID = nil
	}

	current.DoctorID = appt.DoctorID
	current.SlotID = appt.SlotID
	current.StartAt = appt.StartAt
	current.EndAt = appt.EndAt
	current.Issue = appt.Issue

	cp := *current
	return &cp, nil
}

// patientOverlapLocked is the in-memory stand-in for the no_patient_overlap
// exclusion constraint: it runs inside the same mutex as the bind, so the
// check and the write are indivisible. Caller must hold r.mu.
func (r *memRepo) patientOverlapLocked(patientID uuid.UUID, start, end time.Time, exclude uuid.UUID) error {
	for _, a := range r.appointments {
		if a.ID == exclude || a.PatientID != patientID || a.Status != StatusScheduled {
			continue
		}
		if overlaps(a.StartAt, a.EndAt, start, end) {
			return ErrPatientOverlap
		}
	}
	return nil
}

func (r *memRepo) CompleteAppointment(_ context.Context, appointmentID uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[appointmentID]
	if !ok || a.Status != StatusScheduled {
		return nil, ErrAppointmentNotFound
	}
	a.Status = StatusCompleted
	cp := *a
	return &cp, nil
}

func (r *memRepo) visit(a *Appointment) ScheduledVisit {
	v := ScheduledVisit{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		StartAt:       a.StartAt,
	}
	if p, ok := r.patients[a.PatientID]; ok {
		v.PatientName = p.Name
	}
	if d, ok := r.doctors[a.DoctorID]; ok {
		v.DoctorName = d.Name
	}
	if a.SlotID != nil {
		if s, ok := r.slots[*a.SlotID]; ok {
			end := s.EndTime
			v.SlotEnd = &end
		}
	}
	return v
}

func (r *memRepo) ListScheduledByPatient(_ context.Context, patientID uuid.UUID) ([]ScheduledVisit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []ScheduledVisit
	for _, a := range r.appointments {
		if a.PatientID == patientID && a.Status == StatusScheduled {
			result = append(result, r.visit(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartAt.Before(result[j].StartAt) })
	return result, nil
}

func (r *memRepo) ListUpcomingScheduled(_ context.Context, from time.Time) ([]ScheduledVisit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []ScheduledVisit
	for _, a := range r.appointments {
		if a.Status == StatusScheduled && !a.StartAt.Before(from) {
			result = append(result, r.visit(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DoctorID != result[j].DoctorID {
			return result[i].DoctorID.String() < result[j].DoctorID.String()
		}
		return result[i].StartAt.Before(result[j].StartAt)
	})
	return result, nil
}

func (r *memRepo) ListAppointmentsByPatient(_ context.Context, patientID uuid.UUID, status AppointmentStatus, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Appointment
	for _, a := range r.appointments {
		if a.PatientID != patientID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartAt.After(result[j].StartAt) })

	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// fixedClock pins time for deterministic guards.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock(now time.Time) *fixedClock {
	return &fixedClock{now: now}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// blockingLocker serializes critical sections per slot like the Redis
// locker, but blocks instead of failing so a losing caller always reaches
// the staleness re-check.
type blockingLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func newBlockingLocker() *blockingLocker {
	return &blockingLocker{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (l *blockingLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[slotID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[slotID] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

// captureNotifier records every delivery for assertions.
type captureNotifier struct {
	mu   sync.Mutex
	sent []capturedNotification
}

type capturedNotification struct {
	To       notify.RecipientRef
	Message  string
	Category string
	Link     string
}

func (n *captureNotifier) Send(_ context.Context, to notify.RecipientRef, message, category, link string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, capturedNotification{To: to, Message: message, Category: category, Link: link})
	return nil
}

func (n *captureNotifier) byCategory(category string) []capturedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var result []capturedNotification
	for _, s := range n.sent {
		if s.Category == category {
			result = append(result, s)
		}
	}
	return result
}

// testEnv wires the services against the in-memory stack.
type testEnv struct {
	repo     *memRepo
	clock    *fixedClock
	notifier *captureNotifier
	catalog  *Catalog
	booking  *Booking
	scanner  *Scanner
}

var testNow = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func newTestEnv() *testEnv {
	repo := newMemRepo()
	clk := newFixedClock(testNow)
	notifier := &captureNotifier{}
	log := zerolog.Nop()

	cfg := config.Config{
		VisitDuration: 30 * time.Minute,
		TxRetryLimit:  2,
		ConflictLimit: 5,
	}

	booking := NewBooking(repo, newBlockingLocker(), notifier, clk, cfg, log)
	return &testEnv{
		repo:     repo,
		clock:    clk,
		notifier: notifier,
		catalog:  NewCatalog(repo, clk, log),
		booking:  booking,
		scanner: NewScanner(repo, booking, clk, ScannerConfig{
			VisitDuration: cfg.VisitDuration,
			DefaultLimit:  cfg.ConflictLimit,
		}, log),
	}
}

// slotAt publishes a slot directly through the repository.
func (e *testEnv) slotAt(doctorID uuid.UUID, start time.Time, d time.Duration) *AvailabilitySlot {
	slot, err := e.repo.CreateSlot(context.Background(), &AvailabilitySlot{
		DoctorID:  doctorID,
		Day:       DayOf(start),
		StartTime: start,
		EndTime:   start.Add(d),
	})
	if err != nil {
		panic(err)
	}
	return slot
}
