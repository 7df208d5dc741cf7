package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/scheduling-engine/internal/clock"
)

const conflictSuggestion = "cancel one appointment or reschedule it to a free slot"

// Scanner is the read-side double-booking audit. It sweeps upcoming
// scheduled appointments per doctor and reports every overlapping pair; it
// never mutates booking state itself, resolution routes through the
// coordinator's cancel path.
type Scanner struct {
	repo    Repository
	booking *Booking
	clock   clock.Clock
	cfg     ScannerConfig
	log     zerolog.Logger
}

type ScannerConfig struct {
	// VisitDuration is assumed for appointments with no bound slot.
	VisitDuration time.Duration
	// DefaultLimit caps a scan when the caller does not give one.
	DefaultLimit int
}

func NewScanner(repo Repository, booking *Booking, clk clock.Clock, cfg ScannerConfig, log zerolog.Logger) *Scanner {
	return &Scanner{repo: repo, booking: booking, clock: clk, cfg: cfg, log: log}
}

// Scan returns up to limit conflicts among scheduled appointments starting
// today or later. Within each doctor's group, sorted by start time, every
// pair is tested with the half-open overlap rule, not just neighbours: when
// three or more appointments stack, an adjacent-only sweep under-reports.
func (s *Scanner) Scan(ctx context.Context, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}

	from := DayOf(s.clock.Now())
	visits, err := s.repo.ListUpcomingScheduled(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("list upcoming appointments: %w", err)
	}

	var conflicts []Conflict
	for start := 0; start < len(visits); {
		end := start
		for end < len(visits) && visits[end].DoctorID == visits[start].DoctorID {
			end++
		}
		conflicts = sweepGroup(visits[start:end], s.cfg.VisitDuration, conflicts, limit)
		if len(conflicts) >= limit {
			break
		}
		start = end
	}

	s.log.Info().Int("conflicts", len(conflicts)).Int("visits", len(visits)).Msg("conflict scan complete")
	return conflicts, nil
}

// sweepGroup tests all pairs within one doctor's start-ordered group. The
// inner loop stops once the anchor's window ends before the candidate
// starts: with sorted starts no later candidate can overlap either.
func sweepGroup(group []ScheduledVisit, visitDuration time.Duration, conflicts []Conflict, limit int) []Conflict {
	for i := 0; i < len(group) && len(conflicts) < limit; i++ {
		endI := group[i].EndAt(visitDuration)
		for j := i + 1; j < len(group) && len(conflicts) < limit; j++ {
			if !group[j].StartAt.Before(endI) {
				break
			}
			if overlaps(group[i].StartAt, endI, group[j].StartAt, group[j].EndAt(visitDuration)) {
				conflicts = append(conflicts, Conflict{
					DoctorID:            group[i].DoctorID,
					DoctorName:          group[i].DoctorName,
					FirstAppointmentID:  group[i].AppointmentID,
					FirstPatientName:    group[i].PatientName,
					SecondAppointmentID: group[j].AppointmentID,
					SecondPatientName:   group[j].PatientName,
					ConflictAt:          group[j].StartAt,
					Suggestion:          conflictSuggestion,
				})
			}
		}
	}
	return conflicts
}

// ResolveByCancel resolves a reported conflict by cancelling one of its
// appointments. It re-enters the coordinator's cancel path, so the slot is
// released under the same atomic unit as any other cancel.
func (s *Scanner) ResolveByCancel(ctx context.Context, appointmentID uuid.UUID) error {
	_, err := s.booking.Cancel(ctx, appointmentID, uuid.Nil, RoleAdmin)
	return err
}
