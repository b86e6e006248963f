package booking

import (
	"fmt"
	"time"
)

// Section names one wholesale-replaceable part of a draft.
type Section string

const (
	SectionAppointment     Section = "appointment"
	SectionPersonalDetails Section = "personal_details"
	SectionReferral        Section = "referral"
	SectionEpworth         Section = "epworth_responses"
	SectionOSA50           Section = "osa50_responses"
)

// Appointment is the slot chosen at step 2.
type Appointment struct {
	Date   string `json:"date"`
	Time   string `json:"time"`
	SlotID string `json:"slot_id"`
}

// PersonalDetails is captured verbatim at step 3.
type PersonalDetails struct {
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email"`
}

// Referral describes an uploaded referral document.
type Referral struct {
	Filename   string    `json:"filename"`
	FilePath   string    `json:"file_path"`
	FileURL    string    `json:"file_url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// EpworthResponses maps q1..q8 to an answer between 0 and 3.
type EpworthResponses map[string]int

// OSA50Responses maps q1..q5 to "yes" or "no".
type OSA50Responses map[string]string

// Draft is the in-progress booking state of one subject.
type Draft struct {
	SubjectID        string           `json:"subject_id"`
	CurrentStep      Step             `json:"step"`
	Appointment      *Appointment     `json:"appointment,omitempty"`
	PersonalDetails  *PersonalDetails `json:"personal_details,omitempty"`
	Referral         *Referral        `json:"referral,omitempty"`
	EpworthResponses EpworthResponses `json:"epworth_responses,omitempty"`
	OSA50Responses   OSA50Responses   `json:"osa50_responses,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func newDraft(subjectID string, step Step, now time.Time) *Draft {
	return &Draft{SubjectID: subjectID, CurrentStep: step, UpdatedAt: now}
}

// HasAppointment reports whether an appointment date has been selected.
func (d *Draft) HasAppointment() bool {
	return d != nil && d.Appointment != nil && d.Appointment.Date != ""
}

// HasFullName reports whether personal details carry a full name.
func (d *Draft) HasFullName() bool {
	return d != nil && d.PersonalDetails != nil && d.PersonalDetails.FullName != ""
}

// Clone returns a deep copy so callers never share maps with a store.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	out := *d
	if d.Appointment != nil {
		a := *d.Appointment
		out.Appointment = &a
	}
	if d.PersonalDetails != nil {
		p := *d.PersonalDetails
		out.PersonalDetails = &p
	}
	if d.Referral != nil {
		r := *d.Referral
		out.Referral = &r
	}
	if d.EpworthResponses != nil {
		out.EpworthResponses = make(EpworthResponses, len(d.EpworthResponses))
		for k, v := range d.EpworthResponses {
			out.EpworthResponses[k] = v
		}
	}
	if d.OSA50Responses != nil {
		out.OSA50Responses = make(OSA50Responses, len(d.OSA50Responses))
		for k, v := range d.OSA50Responses {
			out.OSA50Responses[k] = v
		}
	}
	return &out
}

// setSection replaces a whole section. The value type must match the section.
func (d *Draft) setSection(section Section, value any) error {
	switch section {
	case SectionAppointment:
		v, ok := value.(Appointment)
		if !ok {
			return sectionTypeError(section, value)
		}
		d.Appointment = &v
	case SectionPersonalDetails:
		v, ok := value.(PersonalDetails)
		if !ok {
			return sectionTypeError(section, value)
		}
		d.PersonalDetails = &v
	case SectionReferral:
		v, ok := value.(Referral)
		if !ok {
			return sectionTypeError(section, value)
		}
		d.Referral = &v
	case SectionEpworth:
		v, ok := value.(EpworthResponses)
		if !ok {
			return sectionTypeError(section, value)
		}
		d.EpworthResponses = v
	case SectionOSA50:
		v, ok := value.(OSA50Responses)
		if !ok {
			return sectionTypeError(section, value)
		}
		d.OSA50Responses = v
	default:
		return fmt.Errorf("booking: unknown section %q", section)
	}
	return nil
}

func sectionTypeError(section Section, value any) error {
	return fmt.Errorf("booking: section %q cannot hold %T", section, value)
}
