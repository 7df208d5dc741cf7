package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicdesk/scheduling-engine/internal/clock"
	"github.com/clinicdesk/scheduling-engine/internal/config"
	"github.com/clinicdesk/scheduling-engine/internal/db"
	"github.com/clinicdesk/scheduling-engine/internal/notify"
	redisclient "github.com/clinicdesk/scheduling-engine/internal/redis"
	"github.com/clinicdesk/scheduling-engine/internal/scheduling"
)

// The worker periodically sweeps upcoming appointments for doctor
// double-bookings. It only reports: resolution goes through the API's
// resolve endpoint, which re-enters the coordinator's cancel path.
func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "conflict-worker").Logger()
	log.Info().Msg("conflict-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Dur("interval", cfg.ScanInterval).Msg("running conflict worker")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := scheduling.NewPgRepository(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	notifier := notify.NewPgNotifier(pgPool)
	clk := clock.System()

	booking := scheduling.NewBooking(repo, locker, notifier, clk, cfg, log)
	scanner := scheduling.NewScanner(repo, booking, clk, scheduling.ScannerConfig{
		VisitDuration: cfg.VisitDuration,
		DefaultLimit:  cfg.ConflictLimit,
	}, log)

	// Run once at startup.
	runOnce(rootCtx, scanner, notifier, cfg.ConflictLimit, log)

	ticker := time.NewTicker(cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping conflict worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, scanner, notifier, cfg.ConflictLimit, log)
		}
	}
}

func runOnce(ctx context.Context, scanner *scheduling.Scanner, notifier notify.Notifier, limit int, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	conflicts, err := scanner.Scan(runCtx, limit)
	if err != nil {
		log.Error().Err(err).Msg("scan run error")
		return
	}

	for _, c := range conflicts {
		log.Warn().
			Str("doctor_id", c.DoctorID.String()).
			Str("first_appointment_id", c.FirstAppointmentID.String()).
			Str("second_appointment_id", c.SecondAppointmentID.String()).
			Time("conflict_at", c.ConflictAt).
			Msg("double-booking detected")

		// uuid.Nil addresses the shared admin inbox.
		message := fmt.Sprintf("Dr. %s is double-booked at %s (%s vs %s): %s",
			c.DoctorName, c.ConflictAt.UTC().Format("Mon, 02 Jan 2006 15:04"),
			c.FirstPatientName, c.SecondPatientName, c.Suggestion)
		if err := notifier.Send(runCtx, notify.ToAdmin(uuid.Nil), message, "schedule_conflict", ""); err != nil {
			log.Warn().Err(err).Msg("conflict notification failed")
		}
	}

	log.Info().Int("conflicts", len(conflicts)).Dur("took", time.Since(start)).Msg("scan run complete")
}
