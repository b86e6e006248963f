package booking

import (
	"net/url"
	"strconv"
	"strings"
)

// Form field names posted by the wizard fragments.
const (
	fieldAppointmentTime = "appointment_time"
	fieldFullName        = "fullName"
	fieldDateOfBirth     = "dateOfBirth"
	fieldPhoneNumber     = "phoneNumber"
	fieldEmail           = "email"
	epworthFieldPrefix   = "ep_q"
	osa50FieldPrefix     = "osa_q"

	// ReferralFormField is the multipart field carrying the referral document.
	ReferralFormField = "referralDocument"
)

const (
	msgSelectAppointment = "Please select an appointment time"
	msgSlotMalformed     = "Please select a valid appointment time"
)

func extractAppointment(form url.Values) (Appointment, error) {
	raw := strings.TrimSpace(form.Get(fieldAppointmentTime))
	if raw == "" {
		return Appointment{}, validationError(StepTimeSelection, msgSelectAppointment)
	}
	appt, err := ParseSlotID(raw)
	if err != nil {
		return Appointment{}, validationError(StepTimeSelection, msgSlotMalformed)
	}
	return appt, nil
}

func extractPersonalDetails(form url.Values) PersonalDetails {
	return PersonalDetails{
		FullName:    form.Get(fieldFullName),
		DateOfBirth: form.Get(fieldDateOfBirth),
		PhoneNumber: form.Get(fieldPhoneNumber),
		Email:       form.Get(fieldEmail),
	}
}

// extractEpworth reads ep_q1..ep_q8. Absent, non-numeric and out of range
// answers count as 0.
func extractEpworth(form url.Values) EpworthResponses {
	out := make(EpworthResponses, len(epworthQuestions))
	for i := 1; i <= len(epworthQuestions); i++ {
		v, err := strconv.Atoi(strings.TrimSpace(form.Get(epworthFieldPrefix + strconv.Itoa(i))))
		if err != nil || v < 0 || v > epworthMaxAnswer {
			v = 0
		}
		out[answerKey(i)] = v
	}
	return out
}

// extractOSA50 reads osa_q1..osa_q5 verbatim; absent fields are omitted.
func extractOSA50(form url.Values) OSA50Responses {
	out := make(OSA50Responses, len(osa50Questions))
	for i := 1; i <= len(osa50Questions); i++ {
		name := osa50FieldPrefix + strconv.Itoa(i)
		if !form.Has(name) {
			continue
		}
		out[answerKey(i)] = form.Get(name)
	}
	return out
}
