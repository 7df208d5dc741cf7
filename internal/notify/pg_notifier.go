package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgNotifier persists notifications so the recipient's inbox can render them.
// It lives outside the booking transaction on purpose: an insert failure is
// reported to the caller for logging but never rolls anything back.
type PgNotifier struct {
	pool *pgxpool.Pool
}

func NewPgNotifier(pool *pgxpool.Pool) *PgNotifier {
	return &PgNotifier{pool: pool}
}

func (n *PgNotifier) Send(ctx context.Context, to RecipientRef, message, category, link string) error {
	_, err := n.pool.Exec(ctx, `
		INSERT INTO notifications (id, recipient_kind, recipient_id, message, category, link, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now())
	`, uuid.New(), string(to.Kind), to.ID, message, category, nullIfEmpty(link))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
