package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicdesk/scheduling-engine/internal/scheduling"
)

type CreateSlotRequest struct {
	Date  string `json:"date"`  // 2006-01-02
	Start string `json:"start"` // 15:04
	End   string `json:"end"`   // 15:04
}

type SlotResponse struct {
	ID            uuid.UUID  `json:"id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	Date          string     `json:"date"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	IsBooked      bool       `json:"is_booked"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

func toSlotResponse(s scheduling.AvailabilitySlot) SlotResponse {
	return SlotResponse{
		ID:            s.ID,
		DoctorID:      s.DoctorID,
		Date:          s.Day.Format("2006-01-02"),
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		IsBooked:      s.IsBooked,
		AppointmentID: s.AppointmentID,
	}
}

type BookAppointmentRequest struct {
	DoctorID string `json:"doctor_id"`
	SlotID   string `json:"slot_id"`
	Issue    string `json:"issue,omitempty"`
}

type RescheduleRequest struct {
	NewSlotID string `json:"new_slot_id"`
	Issue     string `json:"issue,omitempty"`
}

type AppointmentResponse struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	SlotID    *uuid.UUID `json:"slot_id,omitempty"`
	StartAt   time.Time  `json:"start_at"`
	EndAt     time.Time  `json:"end_at"`
	Status    string     `json:"status"`
	Issue     string     `json:"issue,omitempty"`
}

func toAppointmentResponse(a *scheduling.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:        a.ID,
		PatientID: a.PatientID,
		DoctorID:  a.DoctorID,
		SlotID:    a.SlotID,
		StartAt:   a.StartAt,
		EndAt:     a.EndAt,
		Status:    string(a.Status),
		Issue:     a.Issue,
	}
}

type ConflictResponse struct {
	DoctorID            uuid.UUID `json:"doctor_id"`
	DoctorName          string    `json:"doctor_name"`
	FirstAppointmentID  uuid.UUID `json:"first_appointment_id"`
	FirstPatientName    string    `json:"first_patient_name"`
	SecondAppointmentID uuid.UUID `json:"second_appointment_id"`
	SecondPatientName   string    `json:"second_patient_name"`
	ConflictAt          time.Time `json:"conflict_at"`
	Suggestion          string    `json:"suggestion"`
}

type ResolveConflictRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
