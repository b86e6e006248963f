// Package booking implements the seven step sleep study booking wizard: draft
// storage between requests, step gating, form extraction and the final commit.
package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/sleep-study-booking/internal/blobstore"
	"github.com/wolfman30/sleep-study-booking/internal/identity"
	"github.com/wolfman30/sleep-study-booking/internal/observability/metrics"
	"github.com/wolfman30/sleep-study-booking/internal/studies"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

var bookingTracer = otel.Tracer("sleepstudy.internal.booking")

const (
	msgGateAppointment       = "Please select an appointment time before proceeding."
	msgGatePersonalDetails   = "Please complete your personal details before proceeding."
	msgSubmitAppointment     = "Please complete the appointment time selection (Step 2) before submitting."
	msgSubmitPersonalDetails = "Please complete your personal details (Step 3) before submitting."
	msgNoFile                = "No file selected"
	msgBadFileType           = "Invalid file type. Please use PDF, JPG, PNG, or GIF."
)

var allowedReferralExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".pdf":  true,
}

// StepView is the content bundle handed to the rendering layer.
type StepView struct {
	CurrentStep      Step                    `json:"current_step"`
	TotalSteps       int                     `json:"total_steps"`
	Template         string                  `json:"template"`
	Draft            *Draft                  `json:"booking_data"`
	User             identity.Subject        `json:"user"`
	Error            string                  `json:"error,omitempty"`
	AvailableSlots   []Slot                  `json:"available_slots,omitempty"`
	UserProfile      *studies.PatientDetails `json:"user_profile,omitempty"`
	EpworthQuestions []Question              `json:"epworth_questions,omitempty"`
	OSA50Questions   []Question              `json:"osa50_questions,omitempty"`
}

// ReferralUpload is a referral document received from the client.
type ReferralUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Confirmation is returned after a successful submission.
type Confirmation struct {
	StudyID         string `json:"study_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentTime string `json:"appointment_time"`
}

// Repository is the persistence the controller needs.
type Repository interface {
	GetPatientProfile(ctx context.Context, userID string) (*studies.PatientProfile, error)
	CommitBooking(ctx context.Context, subject identity.Subject, commit *studies.BookingCommit) error
}

// BlobStore uploads referral documents with the subject's credentials.
type BlobStore interface {
	Upload(ctx context.Context, subject identity.Subject, obj blobstore.Object) error
	PublicURL(bucket, key string) string
}

// Config wires a Controller. Drafts, Repository and Blobs are required.
type Config struct {
	Drafts     DraftStore
	Repository Repository
	Blobs      BlobStore
	// Assignment defaults to FirstByRole when Repository can look up users.
	Assignment      AssignmentStrategy
	Slots           SlotSource
	ReferralsBucket string
	Metrics         *metrics.BookingMetrics
	Logger          *logging.Logger
	Clock           func() time.Time
	NewID           func() string
}

// Controller drives the booking wizard for authenticated subjects.
type Controller struct {
	drafts  DraftStore
	repo    Repository
	blobs   BlobStore
	assign  AssignmentStrategy
	slots   SlotSource
	bucket  string
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string

	submits singleflight.Group
}

func NewController(cfg Config) *Controller {
	if cfg.Drafts == nil {
		panic("booking: draft store required")
	}
	if cfg.Repository == nil {
		panic("booking: repository required")
	}
	if cfg.Blobs == nil {
		panic("booking: blob store required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Assignment == nil {
		users, ok := cfg.Repository.(UserLookup)
		if !ok {
			panic("booking: assignment strategy required")
		}
		cfg.Assignment = NewFirstByRole(users, cfg.Logger)
	}
	if cfg.Slots == nil {
		cfg.Slots = DefaultSlots()
	}
	if cfg.ReferralsBucket == "" {
		cfg.ReferralsBucket = "referrals"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Controller{
		drafts:  cfg.Drafts,
		repo:    cfg.Repository,
		blobs:   cfg.Blobs,
		assign:  cfg.Assignment,
		slots:   cfg.Slots,
		bucket:  cfg.ReferralsBucket,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     cfg.Clock,
		newID:   cfg.NewID,
	}
}

// Initialize starts a fresh booking at step 1, discarding any previous draft.
func (c *Controller) Initialize(ctx context.Context, subject identity.Subject) (*StepView, error) {
	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}
	draft, err := c.drafts.Initialize(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("booking: initialize draft: %w", err)
	}
	c.logger.Info("booking started", "subject_id", subject.ID)
	c.metrics.ObserveStepServed(StepIntro.String(), "served")
	return c.view(ctx, subject, StepIntro, draft), nil
}

// RequestStep serves step, or the earliest incomplete prerequisite step with
// an inline error when the draft is missing required data. The draft's current
// step is moved to the step actually served, gated or not, so a save after a
// redirect to step 2 or 3 writes the appointment or personal details rather
// than the section of the step originally asked for.
func (c *Controller) RequestStep(ctx context.Context, subject identity.Subject, step Step) (*StepView, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.request_step")
	defer span.End()
	span.SetAttributes(attribute.Int("booking.requested_step", int(step)))

	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}
	if !step.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStep, int(step))
	}

	draft, err := c.drafts.Ensure(ctx, subject.ID, step)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("booking: ensure draft: %w", err)
	}

	served, gateMsg := step, ""
	switch {
	case step > StepTimeSelection && !draft.HasAppointment():
		served, gateMsg = StepTimeSelection, msgGateAppointment
	case step > StepPersonalDetails && !draft.HasFullName():
		served, gateMsg = StepPersonalDetails, msgGatePersonalDetails
	}

	// The stored step always matches the step on screen so the next save
	// writes the section the subject just filled in.
	if draft.CurrentStep != served {
		if err := c.drafts.SetStep(ctx, subject.ID, served); err != nil {
			span.RecordError(err)
			if errors.Is(err, ErrDraftNotFound) {
				return nil, ErrSessionExpired
			}
			return nil, fmt.Errorf("booking: set step: %w", err)
		}
		draft.CurrentStep = served
	}

	outcome := "served"
	if gateMsg != "" {
		outcome = "gated"
		c.logger.Info("booking step gated", "subject_id", subject.ID, "requested_step", int(step), "served_step", int(served))
	}
	span.SetAttributes(attribute.Int("booking.served_step", int(served)))
	c.metrics.ObserveStepServed(served.String(), outcome)

	view := c.view(ctx, subject, served, draft)
	view.Error = gateMsg
	return view, nil
}

// SaveStep stores the form for the draft's current step, advances, and
// returns the view of the next step.
func (c *Controller) SaveStep(ctx context.Context, subject identity.Subject, form url.Values) (*StepView, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.save_step")
	defer span.End()

	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}
	draft, err := c.drafts.Get(ctx, subject.ID)
	if errors.Is(err, ErrDraftNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("booking: load draft: %w", err)
	}

	step := draft.CurrentStep
	span.SetAttributes(attribute.Int("booking.step", int(step)))

	value, err := extractSection(step, form)
	if err != nil {
		c.metrics.ObserveStepSaved(step.String(), "invalid")
		return nil, err
	}
	if value != nil {
		if err := c.drafts.MutateSection(ctx, subject.ID, step.Section(), value); err != nil {
			return nil, c.storeError(span, "save section", err)
		}
	}
	next, err := c.drafts.AdvanceStep(ctx, subject.ID)
	if err != nil {
		return nil, c.storeError(span, "advance step", err)
	}
	c.metrics.ObserveStepSaved(step.String(), "ok")
	c.logger.Debug("booking step saved", "subject_id", subject.ID, "step", int(step), "next_step", int(next))

	return c.RequestStep(ctx, subject, next)
}

func extractSection(step Step, form url.Values) (any, error) {
	switch step {
	case StepTimeSelection:
		appt, err := extractAppointment(form)
		if err != nil {
			return nil, err
		}
		return appt, nil
	case StepPersonalDetails:
		return extractPersonalDetails(form), nil
	case StepEpworth:
		return extractEpworth(form), nil
	case StepOSA50:
		return extractOSA50(form), nil
	default:
		return nil, nil
	}
}

// UploadReferral validates and stores a referral document under the subject's
// own prefix, then records it on the draft. The draft is untouched on failure.
func (c *Controller) UploadReferral(ctx context.Context, subject identity.Subject, upload ReferralUpload) (*Referral, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.upload_referral")
	defer span.End()

	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}

	name := cleanFilename(upload.Filename)
	if upload.Body == nil || name == "" {
		c.metrics.ObserveReferralUpload("rejected")
		return nil, validationError(StepReferralUpload, msgNoFile)
	}
	if !allowedReferralExtensions[strings.ToLower(path.Ext(name))] {
		c.metrics.ObserveReferralUpload("rejected")
		return nil, validationError(StepReferralUpload, msgBadFileType)
	}

	key := subject.ID + "/" + c.newID() + "-" + name
	err := c.blobs.Upload(ctx, subject, blobstore.Object{
		Bucket:      c.bucket,
		Key:         key,
		Body:        upload.Body,
		Size:        upload.Size,
		ContentType: upload.ContentType,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload failed")
		c.metrics.ObserveReferralUpload("error")
		c.logger.Error("referral upload failed", "subject_id", subject.ID, "key", key, "error", err)
		return nil, &UploadError{Filename: name, Err: err}
	}

	ref := Referral{
		Filename:   name,
		FilePath:   key,
		FileURL:    c.blobs.PublicURL(c.bucket, key),
		UploadedAt: c.now().UTC(),
	}
	if _, err := c.drafts.Ensure(ctx, subject.ID, StepReferralUpload); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("booking: ensure draft: %w", err)
	}
	if err := c.drafts.MutateSection(ctx, subject.ID, SectionReferral, ref); err != nil {
		return nil, c.storeError(span, "save referral", err)
	}
	c.metrics.ObserveReferralUpload("ok")
	c.logger.Info("referral uploaded", "subject_id", subject.ID, "key", key)
	return &ref, nil
}

// cleanFilename drops any client supplied directory components.
func cleanFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}

// Submit commits the draft as a booked study. Concurrent submissions for the
// same subject share one commit.
func (c *Controller) Submit(ctx context.Context, subject identity.Subject) (*Confirmation, error) {
	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}
	res, err, shared := c.submits.Do(subject.ID, func() (any, error) {
		return c.submit(ctx, subject)
	})
	if shared {
		c.logger.Info("concurrent booking submission joined", "subject_id", subject.ID)
	}
	if err != nil {
		return nil, err
	}
	return res.(*Confirmation), nil
}

func (c *Controller) submit(ctx context.Context, subject identity.Subject) (*Confirmation, error) {
	ctx, span := bookingTracer.Start(ctx, "booking.submit")
	defer span.End()

	start := time.Now()
	conf, err := c.commit(ctx, subject)
	status := "ok"
	switch {
	case errors.Is(err, ErrValidation):
		status = "invalid"
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
	default:
		span.SetAttributes(attribute.String("booking.study_id", conf.StudyID))
	}
	c.metrics.ObserveSubmission(status, time.Since(start).Seconds())
	return conf, err
}

func (c *Controller) commit(ctx context.Context, subject identity.Subject) (*Confirmation, error) {
	draft, err := c.drafts.Get(ctx, subject.ID)
	if errors.Is(err, ErrDraftNotFound) {
		return nil, validationError(StepTimeSelection, msgSubmitAppointment)
	}
	if err != nil {
		return nil, fmt.Errorf("booking: load draft: %w", err)
	}
	if !draft.HasAppointment() {
		return nil, validationError(StepTimeSelection, msgSubmitAppointment)
	}
	if draft.PersonalDetails == nil {
		return nil, validationError(StepPersonalDetails, msgSubmitPersonalDetails)
	}
	startDate, err := time.Parse(time.DateOnly, draft.Appointment.Date)
	if err != nil {
		return nil, validationError(StepTimeSelection, msgSubmitAppointment)
	}

	assignment, err := c.assign.Assign(ctx, subject)
	if err != nil {
		return nil, &PersistenceError{Op: "assign study", Err: err}
	}

	commit := c.buildCommit(subject, draft, assignment, startDate)
	if err := c.repo.CommitBooking(ctx, subject, commit); err != nil {
		c.logger.Error("booking commit failed", "subject_id", subject.ID, "study_id", commit.Study.ID, "error", err)
		return nil, &PersistenceError{Op: "commit booking", Err: err}
	}

	// The study exists now; a failed clear must not invite a second submit.
	if err := c.drafts.Clear(ctx, subject.ID); err != nil {
		c.logger.Warn("failed to clear booking draft", "subject_id", subject.ID, "study_id", commit.Study.ID, "error", err)
	}

	c.logger.Info("booking submitted",
		"subject_id", subject.ID,
		"study_id", commit.Study.ID,
		"appointment_date", draft.Appointment.Date,
		"surveys", len(commit.Surveys),
		"has_referral", commit.Referral != nil,
	)
	return &Confirmation{
		StudyID:         commit.Study.ID,
		AppointmentDate: draft.Appointment.Date,
		AppointmentTime: draft.Appointment.Time,
	}, nil
}

func (c *Controller) buildCommit(subject identity.Subject, draft *Draft, a Assignment, startDate time.Time) *studies.BookingCommit {
	now := c.now().UTC()
	studyID := c.newID()
	commit := &studies.BookingCommit{
		Study: studies.Study{
			ID:        studyID,
			PatientID: subject.ID,
			ManagerID: a.ManagerID,
			DoctorID:  a.DoctorID,
			State:     studies.StateBooked,
			StartDate: startDate,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Profile: studies.PatientProfile{
			UserID:    subject.ID,
			Details:   studies.PatientDetails(*draft.PersonalDetails),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if len(draft.EpworthResponses) > 0 {
		commit.Surveys = append(commit.Surveys, studies.SurveyResponse{
			ID:        c.newID(),
			StudyID:   studyID,
			Type:      studies.SurveyEpworth,
			Answers:   map[string]int(draft.EpworthResponses),
			Score:     EpworthScore(draft.EpworthResponses),
			CreatedAt: now,
		})
	}
	if len(draft.OSA50Responses) > 0 {
		commit.Surveys = append(commit.Surveys, studies.SurveyResponse{
			ID:        c.newID(),
			StudyID:   studyID,
			Type:      studies.SurveyOSA50,
			Answers:   map[string]string(draft.OSA50Responses),
			Score:     OSA50Score(draft.OSA50Responses),
			CreatedAt: now,
		})
	}
	if draft.Referral != nil && draft.Referral.FileURL != "" {
		commit.Referral = &studies.Referral{
			ID:        c.newID(),
			StudyID:   studyID,
			FileURL:   draft.Referral.FileURL,
			CreatedAt: now,
		}
	}
	return commit
}

// Snapshot returns the subject's current draft.
func (c *Controller) Snapshot(ctx context.Context, subject identity.Subject) (*Draft, error) {
	if !subject.Valid() {
		return nil, ErrUnauthenticated
	}
	return c.drafts.Get(ctx, subject.ID)
}

// Reset discards the subject's draft.
func (c *Controller) Reset(ctx context.Context, subject identity.Subject) error {
	if !subject.Valid() {
		return ErrUnauthenticated
	}
	if err := c.drafts.Clear(ctx, subject.ID); err != nil {
		return fmt.Errorf("booking: reset draft: %w", err)
	}
	c.logger.Info("booking draft reset", "subject_id", subject.ID)
	return nil
}

func (c *Controller) view(ctx context.Context, subject identity.Subject, step Step, draft *Draft) *StepView {
	v := &StepView{
		CurrentStep: step,
		TotalSteps:  TotalSteps,
		Template:    step.Template(),
		Draft:       draft,
		User:        subject,
	}
	switch step.Context() {
	case ContextSlots:
		v.AvailableSlots = c.slots.AvailableSlots(c.now())
	case ContextProfile:
		v.UserProfile = c.profile(ctx, subject)
	case ContextEpworth:
		v.EpworthQuestions = EpworthQuestions()
	case ContextOSA50:
		v.OSA50Questions = OSA50Questions()
	}
	return v
}

// profile pre-fills personal details. Lookup failures only cost the pre-fill.
func (c *Controller) profile(ctx context.Context, subject identity.Subject) *studies.PatientDetails {
	p, err := c.repo.GetPatientProfile(ctx, subject.ID)
	if err != nil {
		if !errors.Is(err, studies.ErrNotFound) {
			c.logger.Warn("patient profile lookup failed", "subject_id", subject.ID, "error", err)
		}
		return nil
	}
	details := p.Details
	return &details
}

func (c *Controller) storeError(span trace.Span, op string, err error) error {
	span.RecordError(err)
	if errors.Is(err, ErrDraftNotFound) {
		return ErrSessionExpired
	}
	return fmt.Errorf("booking: %s: %w", op, err)
}
