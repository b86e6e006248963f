// Package studies persists the records produced by a completed sleep study booking.
package studies

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("studies: not found")

// StateBooked is the initial state of every study created by the booking flow.
const StateBooked = "booked"

// SurveyType identifies a questionnaire.
type SurveyType string

const (
	SurveyEpworth SurveyType = "epworth"
	SurveyOSA50   SurveyType = "osa50"
)

// AppUser is the subset of an application user needed for assignment.
type AppUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Study is a booked sleep study.
type Study struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id"`
	ManagerID string     `json:"manager_id"`
	DoctorID  string     `json:"doctor_id"`
	DeviceID  *string    `json:"device_id"`
	State     string     `json:"current_state"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SurveyResponse stores one scored questionnaire.
type SurveyResponse struct {
	ID        string     `json:"id"`
	StudyID   string     `json:"sleep_study_id"`
	Type      SurveyType `json:"type"`
	Answers   any        `json:"answers"`
	Score     int        `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}

// Referral links an uploaded referral document to a study.
type Referral struct {
	ID        string    `json:"id"`
	StudyID   string    `json:"sleep_study_id"`
	FileURL   string    `json:"file_url"`
	CreatedAt time.Time `json:"created_at"`
}

// PatientDetails is the personal details payload captured during booking.
type PatientDetails struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// PatientProfile is keyed by the patient's user id.
type PatientProfile struct {
	UserID    string         `json:"user_id"`
	Details   PatientDetails `json:"patient_details"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// BookingCommit groups every record written by one booking submission.
type BookingCommit struct {
	Study    Study
	Profile  PatientProfile
	Surveys  []SurveyResponse
	Referral *Referral
}

// Validate checks the invariants shared by all repository implementations.
func (c *BookingCommit) Validate() error {
	if c == nil {
		return errors.New("studies: commit required")
	}
	if c.Study.ID == "" || c.Study.PatientID == "" {
		return errors.New("studies: study id and patient id required")
	}
	if c.Profile.UserID == "" {
		return errors.New("studies: profile user id required")
	}
	for _, s := range c.Surveys {
		if s.StudyID != c.Study.ID {
			return errors.New("studies: survey not linked to study")
		}
	}
	if c.Referral != nil && c.Referral.StudyID != c.Study.ID {
		return errors.New("studies: referral not linked to study")
	}
	return nil
}
