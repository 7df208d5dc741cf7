package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type RecipientKind string

const (
	KindPatient RecipientKind = "patient"
	KindDoctor  RecipientKind = "doctor"
	KindAdmin   RecipientKind = "admin"
)

// RecipientRef addresses a notification to exactly one party.
type RecipientRef struct {
	Kind RecipientKind
	ID   uuid.UUID
}

func ToPatient(id uuid.UUID) RecipientRef {
	return RecipientRef{Kind: KindPatient, ID: id}
}

func ToDoctor(id uuid.UUID) RecipientRef {
	return RecipientRef{Kind: KindDoctor, ID: id}
}

func ToAdmin(id uuid.UUID) RecipientRef {
	return RecipientRef{Kind: KindAdmin, ID: id}
}

// Notifier delivers state-change messages to a counter-party.
// Delivery is best effort: a failed Send must never abort the booking
// unit of work that triggered it, so callers log the error and move on.
type Notifier interface {
	Send(ctx context.Context, to RecipientRef, message, category, link string) error
}

// LogNotifier writes notifications to the log only. Used by workers and tests.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, to RecipientRef, message, category, link string) error {
	n.log.Info().
		Str("recipient_kind", string(to.Kind)).
		Str("recipient_id", to.ID.String()).
		Str("category", category).
		Str("link", link).
		Str("message", message).
		Msg("notification")
	return nil
}
