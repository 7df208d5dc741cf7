package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/scheduling-engine/internal/clock"
)

var (
	ErrInvalidRange = errors.New("slot end must be after start")
	ErrPastDate     = errors.New("slot date must be today or later")
	ErrNotSlotOwner = errors.New("slot belongs to another doctor")
	ErrSlotBooked   = errors.New("slot is booked, cancel the appointment first")
	ErrSlotStarted  = errors.New("slot window has already started")
)

// Catalog owns a doctor's bookable time windows. It enforces non-overlap at
// creation and answers the availability query; it never touches the
// is_booked flag, which only the booking coordinator may flip.
type Catalog struct {
	repo  Repository
	clock clock.Clock
	log   zerolog.Logger
}

func NewCatalog(repo Repository, clk clock.Clock, log zerolog.Logger) *Catalog {
	return &Catalog{repo: repo, clock: clk, log: log}
}

// CreateSlot publishes a new window for the requesting doctor.
func (c *Catalog) CreateSlot(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (*AvailabilitySlot, error) {
	start = start.UTC()
	end = end.UTC()

	if !end.After(start) {
		return nil, ErrInvalidRange
	}

	day := DayOf(start)
	if day.Before(DayOf(c.clock.Now())) {
		return nil, ErrPastDate
	}

	if _, err := c.repo.GetDoctorByID(ctx, doctorID); err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	slot := &AvailabilitySlot{
		DoctorID:  doctorID,
		Day:       day,
		StartTime: start,
		EndTime:   end,
	}

	created, err := c.repo.CreateSlot(ctx, slot)
	if err != nil {
		return nil, err
	}

	c.log.Info().
		Str("slot_id", created.ID.String()).
		Str("doctor_id", doctorID.String()).
		Time("start", created.StartTime).
		Time("end", created.EndTime).
		Msg("slot created")

	return created, nil
}

// ListAvailable returns a doctor's unbooked slots for one date, ascending by
// start time. For today only windows still ahead of the current time are
// included; a re-query restarts the sequence.
func (c *Catalog) ListAvailable(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]AvailabilitySlot, error) {
	return c.repo.ListAvailableSlots(ctx, doctorID, DayOf(day), c.clock.Now())
}

// DeleteSlot destroys an unbooked window before it starts.
func (c *Catalog) DeleteSlot(ctx context.Context, slotID, requesterDoctorID uuid.UUID) error {
	slot, err := c.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		return err
	}

	if slot.DoctorID != requesterDoctorID {
		return ErrNotSlotOwner
	}
	if slot.IsBooked {
		return ErrSlotBooked
	}
	if !slot.StartTime.After(c.clock.Now()) {
		return ErrSlotStarted
	}

	// The delete is conditional on is_booked staying false, so a booking
	// that lands between the check above and the delete wins.
	if err := c.repo.DeleteFreeSlot(ctx, slotID); err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			return ErrSlotBooked
		}
		return err
	}

	c.log.Info().
		Str("slot_id", slotID.String()).
		Str("doctor_id", requesterDoctorID.String()).
		Msg("slot deleted")

	return nil
}
