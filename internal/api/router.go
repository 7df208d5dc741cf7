package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Catalog  CatalogService
	Booking  BookingService
	Conflict ConflictService
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
	Logger   zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints stay outside the identity boundary.
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware)

		// Slot catalog
		r.Post("/slots", createSlotHandler(cfg.Catalog))
		r.Delete("/slots/{id}", deleteSlotHandler(cfg.Catalog))
		r.Get("/doctors/{id}/slots", listAvailableSlotsHandler(cfg.Catalog))

		// Booking coordinator
		r.Post("/appointments", bookAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/cancel", cancelAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/reschedule", rescheduleAppointmentHandler(cfg.Booking))
		r.Post("/appointments/{id}/complete", completeAppointmentHandler(cfg.Booking))
		r.Get("/patients/{id}/appointments", listPatientAppointmentsHandler(cfg.Booking))

		// Conflict scanner
		r.Get("/conflicts", scanConflictsHandler(cfg.Conflict))
		r.Post("/conflicts/resolve", resolveConflictHandler(cfg.Conflict))
	})

	return r
}
