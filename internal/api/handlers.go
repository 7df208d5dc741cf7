package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clinicdesk/scheduling-engine/internal/scheduling"
	redisclient "github.com/clinicdesk/scheduling-engine/internal/redis"
)

// Service contracts consumed by the handlers. The concrete scheduling
// services satisfy them; tests substitute mocks.

type CatalogService interface {
	CreateSlot(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (*scheduling.AvailabilitySlot, error)
	ListAvailable(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]scheduling.AvailabilitySlot, error)
	DeleteSlot(ctx context.Context, slotID, requesterDoctorID uuid.UUID) error
}

type BookingService interface {
	Book(ctx context.Context, patientID, doctorID, slotID uuid.UUID, issue string) (*scheduling.Appointment, error)
	Cancel(ctx context.Context, appointmentID, requesterID uuid.UUID, role scheduling.Role) (*scheduling.Appointment, error)
	Reschedule(ctx context.Context, appointmentID, patientID, newSlotID uuid.UUID, issue string) (*scheduling.Appointment, error)
	MarkCompleted(ctx context.Context, appointmentID, doctorID uuid.UUID) (*scheduling.Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, statusFilter string, limit, offset int) ([]scheduling.Appointment, error)
}

type ConflictService interface {
	Scan(ctx context.Context, limit int) ([]scheduling.Conflict, error)
	ResolveByCancel(ctx context.Context, appointmentID uuid.UUID) error
}

// Slot catalog handlers

func createSlotHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireRole(w, r, scheduling.RoleDoctor)
		if !ok {
			return
		}

		var req CreateSlotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		start, err := parseDayTime(req.Date, req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "date must be 2006-01-02 and start must be 15:04")
			return
		}
		end, err := parseDayTime(req.Date, req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", "date must be 2006-01-02 and end must be 15:04")
			return
		}

		slot, err := svc.CreateSlot(r.Context(), caller.ID, start, end)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toSlotResponse(*slot))
	}
}

func listAvailableSlotsHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		day, err := time.ParseInLocation("2006-01-02", r.URL.Query().Get("date"), time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be 2006-01-02")
			return
		}

		slots, err := svc.ListAvailable(r.Context(), doctorID, day)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]SlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, toSlotResponse(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func deleteSlotHandler(svc CatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireRole(w, r, scheduling.RoleDoctor)
		if !ok {
			return
		}

		slotID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "id must be a valid UUID")
			return
		}

		if err := svc.DeleteSlot(r.Context(), slotID, caller.ID); err != nil {
			writeDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// Booking handlers

func bookAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireRole(w, r, scheduling.RolePatient)
		if !ok {
			return
		}

		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		doctorID, err := uuid.Parse(req.DoctorID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctor_id must be a valid UUID")
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), caller.ID, doctorID, slotID, req.Issue)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "request has no verified caller")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Cancel(r.Context(), id, caller.ID, caller.Role)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireRole(w, r, scheduling.RolePatient)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req RescheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		newSlotID, err := uuid.Parse(req.NewSlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "new_slot_id must be a valid UUID")
			return
		}

		appt, err := svc.Reschedule(r.Context(), id, caller.ID, newSlotID, req.Issue)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := requireRole(w, r, scheduling.RoleDoctor)
		if !ok {
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.MarkCompleted(r.Context(), id, caller.ID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listPatientAppointmentsHandler(svc BookingService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := GetCaller(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing_caller", "request has no verified caller")
			return
		}

		patientID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "id must be a valid UUID")
			return
		}

		// Patients may only read their own history.
		if caller.Role == scheduling.RolePatient && caller.ID != patientID {
			writeError(w, http.StatusForbidden, "wrong_patient", "patients may only list their own appointments")
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		status := r.URL.Query().Get("status")

		appts, err := svc.ListByPatient(r.Context(), patientID, status, limit, offset)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Conflict scanner handlers

func scanConflictsHandler(svc ConflictService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRole(w, r, scheduling.RoleAdmin); !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		conflicts, err := svc.Scan(r.Context(), limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := make([]ConflictResponse, 0, len(conflicts))
		for _, c := range conflicts {
			resp = append(resp, ConflictResponse{
				DoctorID:            c.DoctorID,
				DoctorName:          c.DoctorName,
				FirstAppointmentID:  c.FirstAppointmentID,
				FirstPatientName:    c.FirstPatientName,
				SecondAppointmentID: c.SecondAppointmentID,
				SecondPatientName:   c.SecondPatientName,
				ConflictAt:          c.ConflictAt,
				Suggestion:          c.Suggestion,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func resolveConflictHandler(svc ConflictService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireRole(w, r, scheduling.RoleAdmin); !ok {
			return
		}

		var req ResolveConflictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		id, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		if err := svc.ResolveByCancel(r.Context(), id); err != nil {
			writeDomainError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// writeDomainError maps engine sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
	case errors.Is(err, scheduling.ErrPastDate):
		writeError(w, http.StatusBadRequest, "past_date", err.Error())
	case errors.Is(err, scheduling.ErrSlotMismatch):
		writeError(w, http.StatusBadRequest, "slot_mismatch", err.Error())
	case errors.Is(err, scheduling.ErrSlotInPast):
		writeError(w, http.StatusBadRequest, "slot_in_past", err.Error())
	case errors.Is(err, scheduling.ErrUnknownRole):
		writeError(w, http.StatusBadRequest, "unknown_role", err.Error())
	case errors.Is(err, scheduling.ErrUnknownStatus):
		writeError(w, http.StatusBadRequest, "unknown_status", err.Error())

	case errors.Is(err, scheduling.ErrNotSlotOwner):
		writeError(w, http.StatusForbidden, "not_slot_owner", err.Error())
	case errors.Is(err, scheduling.ErrNotAppointmentPatient):
		writeError(w, http.StatusForbidden, "not_appointment_patient", err.Error())
	case errors.Is(err, scheduling.ErrNotAppointmentDoctor):
		writeError(w, http.StatusForbidden, "not_appointment_doctor", err.Error())

	case errors.Is(err, scheduling.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, scheduling.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, scheduling.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "slot_not_found", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())

	case errors.Is(err, scheduling.ErrSlotOverlap):
		writeError(w, http.StatusConflict, "slot_overlap", err.Error())
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, "slot_unavailable", err.Error())
	case errors.Is(err, scheduling.ErrSlotBooked):
		writeError(w, http.StatusConflict, "slot_booked", err.Error())
	case errors.Is(err, scheduling.ErrSlotStarted):
		writeError(w, http.StatusConflict, "slot_started", err.Error())
	case errors.Is(err, scheduling.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "appointment_terminal", err.Error())
	case errors.Is(err, scheduling.ErrAppointmentStarted):
		writeError(w, http.StatusConflict, "appointment_started", err.Error())
	case errors.Is(err, scheduling.ErrNotYetStarted):
		writeError(w, http.StatusConflict, "appointment_not_started", err.Error())
	case errors.Is(err, scheduling.ErrPatientOverlap):
		writeError(w, http.StatusConflict, "patient_overlap", err.Error())
	case errors.Is(err, scheduling.ErrTxConflict):
		writeError(w, http.StatusConflict, "transient_conflict", "the operation lost a race, please retry")
	case errors.Is(err, scheduling.ErrSlotBeingBooked),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")

	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseDayTime(date, hm string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", date+" "+hm, time.UTC)
}
