package booking

import (
	"fmt"
	"strconv"
	"strings"
)

// Step is one of the seven stages of the booking wizard.
type Step int

const (
	StepIntro Step = iota + 1
	StepTimeSelection
	StepPersonalDetails
	StepReferralUpload
	StepEpworth
	StepOSA50
	StepConfirmation
)

// TotalSteps is the number of wizard steps. StepConfirmation is terminal.
const TotalSteps = int(StepConfirmation)

// ContextKind names the extra data attached to a step view.
type ContextKind int

const (
	ContextNone ContextKind = iota
	ContextSlots
	ContextProfile
	ContextEpworth
	ContextOSA50
)

type stepContract struct {
	name     string
	template string
	// section is the draft section written when the step is saved; empty for
	// steps that collect nothing through the form.
	section Section
	context ContextKind
}

var stepContracts = [...]stepContract{
	StepIntro:           {name: "intro", template: "fragments/booking/step-1-intro.html"},
	StepTimeSelection:   {name: "time_selection", template: "fragments/booking/step-2-time-selection.html", section: SectionAppointment, context: ContextSlots},
	StepPersonalDetails: {name: "personal_details", template: "fragments/booking/step-3-personal-details.html", section: SectionPersonalDetails, context: ContextProfile},
	StepReferralUpload:  {name: "referral_upload", template: "fragments/booking/step-4-referral-upload.html"},
	StepEpworth:         {name: "epworth", template: "fragments/booking/step-5-epworth.html", section: SectionEpworth, context: ContextEpworth},
	StepOSA50:           {name: "osa50", template: "fragments/booking/step-6-osa50.html", section: SectionOSA50, context: ContextOSA50},
	StepConfirmation:    {name: "confirmation", template: "fragments/booking/step-7-confirmation.html"},
}

// Valid reports whether s is within 1..7.
func (s Step) Valid() bool {
	return s >= StepIntro && s <= StepConfirmation
}

func (s Step) String() string {
	if !s.Valid() {
		return "step(" + strconv.Itoa(int(s)) + ")"
	}
	return stepContracts[s].name
}

// Template is the fragment that renders the step.
func (s Step) Template() string {
	if !s.Valid() {
		return ""
	}
	return stepContracts[s].template
}

// Section is the draft section the step owns, if any.
func (s Step) Section() Section {
	if !s.Valid() {
		return ""
	}
	return stepContracts[s].section
}

// Context is the kind of extra data served with the step.
func (s Step) Context() ContextKind {
	if !s.Valid() {
		return ContextNone
	}
	return stepContracts[s].context
}

// Next returns the following step, staying on StepConfirmation once reached.
func (s Step) Next() Step {
	if s >= StepConfirmation {
		return StepConfirmation
	}
	return s + 1
}

// ParseStep converts a path parameter into a Step.
func ParseStep(raw string) (Step, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStep, raw)
	}
	step := Step(n)
	if !step.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidStep, n)
	}
	return step, nil
}
