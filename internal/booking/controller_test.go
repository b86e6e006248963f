package booking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/sleep-study-booking/internal/blobstore"
	"github.com/wolfman30/sleep-study-booking/internal/identity"
	"github.com/wolfman30/sleep-study-booking/internal/studies"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

var (
	testNow     = time.Date(2025, 6, 12, 9, 0, 0, 0, time.UTC)
	testSubject = identity.Subject{ID: "patient-1", Email: "liam@example.com", Role: identity.RolePatient, AccessToken: "jwt"}
)

type fixture struct {
	ctrl   *Controller
	drafts *MemoryStore
	repo   *flakyRepository
	blobs  *blobstore.MemoryStore
}

// flakyRepository fails CommitBooking while failCommit is set.
type flakyRepository struct {
	*studies.MemoryRepository
	failCommit  error
	commitCalls atomic.Int32
	commitDelay time.Duration
}

func (r *flakyRepository) CommitBooking(ctx context.Context, subject identity.Subject, commit *studies.BookingCommit) error {
	r.commitCalls.Add(1)
	if r.commitDelay > 0 {
		time.Sleep(r.commitDelay)
	}
	if r.failCommit != nil {
		return r.failCommit
	}
	return r.MemoryRepository.CommitBooking(ctx, subject, commit)
}

func newFixture(t *testing.T, users ...studies.AppUser) *fixture {
	t.Helper()
	if users == nil {
		users = []studies.AppUser{
			{ID: "staff-1", Email: "staff@example.com", Role: "staff"},
			{ID: "doctor-1", Email: "doctor@example.com", Role: "doctor"},
		}
	}
	var ids atomic.Int64
	f := &fixture{
		drafts: NewMemoryStore(0),
		repo:   &flakyRepository{MemoryRepository: studies.NewMemoryRepository(users...)},
		blobs:  blobstore.NewMemoryStore(),
	}
	f.ctrl = NewController(Config{
		Drafts:     f.drafts,
		Repository: f.repo,
		Blobs:      f.blobs,
		Logger:     logging.NewWithWriter("error", io.Discard),
		Clock:      func() time.Time { return testNow },
		NewID:      func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
	})
	return f
}

func (f *fixture) save(t *testing.T, form url.Values) *StepView {
	t.Helper()
	view, err := f.ctrl.SaveStep(context.Background(), testSubject, form)
	require.NoError(t, err)
	return view
}

// walkToConfirmation fills every step through the wizard.
func (f *fixture) walkToConfirmation(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ctrl.Initialize(ctx, testSubject)
	require.NoError(t, err)

	f.save(t, nil)
	f.save(t, url.Values{"appointment_time": {"2025-06-19-14"}})
	f.save(t, url.Values{"fullName": {"Liam Nguyen"}, "dateOfBirth": {"1990-01-01"}, "phoneNumber": {"0400000000"}, "email": {"liam@example.com"}})
	f.save(t, nil)
	f.save(t, url.Values{
		"ep_q1": {"2"}, "ep_q2": {"1"}, "ep_q3": {"0"}, "ep_q4": {"2"},
		"ep_q5": {"3"}, "ep_q6": {"0"}, "ep_q7": {"1"}, "ep_q8": {"2"},
	})
	view := f.save(t, url.Values{"osa_q1": {"yes"}, "osa_q2": {"yes"}, "osa_q3": {"no"}, "osa_q4": {"no"}, "osa_q5": {"no"}})
	require.Equal(t, StepConfirmation, view.CurrentStep)
}

func TestRequestStep_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.RequestStep(context.Background(), identity.Subject{}, StepIntro)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRequestStep_InvalidStepCreatesNoDraft(t *testing.T) {
	f := newFixture(t)
	for _, s := range []Step{0, 8, -3} {
		_, err := f.ctrl.RequestStep(context.Background(), testSubject, s)
		assert.ErrorIs(t, err, ErrInvalidStep)
	}
	_, err := f.drafts.Get(context.Background(), testSubject.ID)
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestRequestStep_GatesOnAppointment(t *testing.T) {
	for s := StepPersonalDetails; s <= StepConfirmation; s++ {
		f := newFixture(t)
		view, err := f.ctrl.RequestStep(context.Background(), testSubject, s)
		require.NoError(t, err)
		assert.Equal(t, StepTimeSelection, view.CurrentStep, "requested %d", s)
		assert.Equal(t, "Please select an appointment time before proceeding.", view.Error)
		assert.NotEmpty(t, view.AvailableSlots)
		assert.Equal(t, StepTimeSelection.Template(), view.Template)

		d, err := f.drafts.Get(context.Background(), testSubject.ID)
		require.NoError(t, err)
		assert.Equal(t, StepTimeSelection, d.CurrentStep)
	}
}

func TestRequestStep_GatesOnFullName(t *testing.T) {
	for s := StepReferralUpload; s <= StepConfirmation; s++ {
		f := newFixture(t)
		ctx := context.Background()
		_, err := f.drafts.Initialize(ctx, testSubject.ID)
		require.NoError(t, err)
		require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionAppointment, Appointment{Date: "2025-06-19", Time: "14:00"}))
		require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionPersonalDetails, PersonalDetails{PhoneNumber: "0400"}))

		view, err := f.ctrl.RequestStep(ctx, testSubject, s)
		require.NoError(t, err)
		assert.Equal(t, StepPersonalDetails, view.CurrentStep, "requested %d", s)
		assert.Equal(t, "Please complete your personal details before proceeding.", view.Error)
	}
}

func TestRequestStep_LazyDraftAtRequestedStep(t *testing.T) {
	f := newFixture(t)
	view, err := f.ctrl.RequestStep(context.Background(), testSubject, StepTimeSelection)
	require.NoError(t, err)
	assert.Empty(t, view.Error)
	assert.Equal(t, TotalSteps, view.TotalSteps)

	d, err := f.drafts.Get(context.Background(), testSubject.ID)
	require.NoError(t, err)
	assert.Equal(t, StepTimeSelection, d.CurrentStep)
}

func TestRequestStep_Context(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	ctx := context.Background()

	view, err := f.ctrl.RequestStep(ctx, testSubject, StepEpworth)
	require.NoError(t, err)
	assert.Len(t, view.EpworthQuestions, 8)
	assert.Nil(t, view.OSA50Questions)

	view, err = f.ctrl.RequestStep(ctx, testSubject, StepOSA50)
	require.NoError(t, err)
	assert.Len(t, view.OSA50Questions, 5)

	view, err = f.ctrl.RequestStep(ctx, testSubject, StepPersonalDetails)
	require.NoError(t, err)
	assert.Nil(t, view.UserProfile, "no profile until a booking is committed")
}

func TestRequestStep_PrefillsProfile(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	_, err := f.ctrl.Submit(context.Background(), testSubject)
	require.NoError(t, err)

	// The committed booking cleared the draft, so a new one starts at slot selection.
	view, err := f.ctrl.RequestStep(context.Background(), testSubject, StepTimeSelection)
	require.NoError(t, err)
	require.Equal(t, StepTimeSelection, view.CurrentStep)

	view = f.save(t, url.Values{"appointment_time": {"2025-06-20-09"}})
	require.Equal(t, StepPersonalDetails, view.CurrentStep)
	require.Empty(t, view.Error)
	require.NotNil(t, view.UserProfile)
	assert.Equal(t, "Liam Nguyen", view.UserProfile.FullName)
	assert.Equal(t, "1990-01-01", view.UserProfile.DateOfBirth)
}

func TestSaveStep_SessionExpired(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.SaveStep(context.Background(), testSubject, url.Values{})
	assert.ErrorIs(t, err, ErrSessionExpired)

	_, err = f.ctrl.SaveStep(context.Background(), identity.Subject{}, url.Values{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSaveStep_TimeSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.RequestStep(ctx, testSubject, StepTimeSelection)
	require.NoError(t, err)

	_, err = f.ctrl.SaveStep(ctx, testSubject, url.Values{})
	require.ErrorIs(t, err, ErrValidation)
	d, err := f.drafts.Get(ctx, testSubject.ID)
	require.NoError(t, err)
	assert.Equal(t, StepTimeSelection, d.CurrentStep, "failed save does not advance")

	view := f.save(t, url.Values{"appointment_time": {"2025-06-19-14"}})
	assert.Equal(t, StepPersonalDetails, view.CurrentStep)
	assert.Equal(t, &Appointment{Date: "2025-06-19", Time: "14:00", SlotID: "2025-06-19-14"}, view.Draft.Appointment)
}

func TestSaveStep_EmptyNameRedirectsBackToDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.RequestStep(ctx, testSubject, StepTimeSelection)
	require.NoError(t, err)
	f.save(t, url.Values{"appointment_time": {"2025-06-19-09"}})

	view := f.save(t, url.Values{"phoneNumber": {"0400"}})
	assert.Equal(t, StepPersonalDetails, view.CurrentStep)
	assert.NotEmpty(t, view.Error)
}

func TestSaveStep_WalkthroughStoresSections(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)

	d, err := f.drafts.Get(context.Background(), testSubject.ID)
	require.NoError(t, err)
	assert.Equal(t, StepConfirmation, d.CurrentStep)
	assert.Equal(t, "Liam Nguyen", d.PersonalDetails.FullName)
	assert.Equal(t, 11, EpworthScore(d.EpworthResponses))
	assert.Equal(t, 2, OSA50Score(d.OSA50Responses))

	view := f.save(t, nil)
	assert.Equal(t, StepConfirmation, view.CurrentStep)
}

func TestUploadReferral_RejectsBadExtensionBeforeUpload(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.UploadReferral(context.Background(), testSubject, ReferralUpload{
		Filename: "x.exe",
		Body:     bytes.NewReader([]byte("MZ")),
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "Invalid file type. Please use PDF, JPG, PNG, or GIF.", verr.Message)
	assert.Equal(t, 0, f.blobs.Uploads())
}

func TestUploadReferral_RequiresFile(t *testing.T) {
	f := newFixture(t)
	for _, upload := range []ReferralUpload{
		{},
		{Filename: "a.pdf"},
		{Filename: "  ", Body: bytes.NewReader(nil)},
	} {
		_, err := f.ctrl.UploadReferral(context.Background(), testSubject, upload)
		assert.ErrorIs(t, err, ErrValidation)
	}
	assert.Equal(t, 0, f.blobs.Uploads())

	_, err := f.ctrl.UploadReferral(context.Background(), identity.Subject{}, ReferralUpload{Filename: "a.pdf", Body: bytes.NewReader(nil)})
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestUploadReferral_StoresUnderSubjectPrefix(t *testing.T) {
	f := newFixture(t)
	f.ctrl.newID = func() string { return "0b7c1f0e-5b7e-4c3a-9d55-2f3d3c1b9a10" }

	ref, err := f.ctrl.UploadReferral(context.Background(), testSubject, ReferralUpload{
		Filename:    "GP Referral.PDF",
		ContentType: "application/pdf",
		Body:        bytes.NewReader([]byte("%PDF")),
	})
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^patient-1/[0-9a-f-]{36}-GP Referral\.PDF$`)
	assert.Regexp(t, pattern, ref.FilePath)
	assert.Equal(t, "GP Referral.PDF", ref.Filename)
	assert.Equal(t, "memory://referrals/"+ref.FilePath, ref.FileURL)

	obj, ok := f.blobs.Object("referrals", ref.FilePath)
	require.True(t, ok)
	assert.Equal(t, "patient-1", obj.SubjectID)
	assert.Equal(t, []byte("%PDF"), obj.Data)

	d, err := f.drafts.Get(context.Background(), testSubject.ID)
	require.NoError(t, err)
	assert.Equal(t, StepReferralUpload, d.CurrentStep, "upload lazily creates a draft")
	assert.Equal(t, ref.FileURL, d.Referral.FileURL)
}

func TestUploadReferral_StripsClientDirectories(t *testing.T) {
	f := newFixture(t)
	ref, err := f.ctrl.UploadReferral(context.Background(), testSubject, ReferralUpload{
		Filename: `C:\Users\liam\..\scan.png`,
		Body:     bytes.NewReader([]byte("png")),
	})
	require.NoError(t, err)
	assert.Equal(t, "scan.png", ref.Filename)
	assert.Regexp(t, `^patient-1/id-\d+-scan\.png$`, ref.FilePath)
}

func TestUploadReferral_FailureLeavesDraft(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	f.blobs.Err = errors.New("AccessDenied")

	_, err := f.ctrl.UploadReferral(context.Background(), testSubject, ReferralUpload{
		Filename: "a.jpg",
		Body:     bytes.NewReader([]byte("jpg")),
	})
	require.ErrorIs(t, err, ErrUpload)

	d, err := f.drafts.Get(context.Background(), testSubject.ID)
	require.NoError(t, err)
	assert.Nil(t, d.Referral)
}

func TestUploadReferral_FailureCreatesNoDraft(t *testing.T) {
	f := newFixture(t)
	f.blobs.Err = errors.New("AccessDenied")

	_, err := f.ctrl.UploadReferral(context.Background(), testSubject, ReferralUpload{
		Filename: "a.pdf",
		Body:     bytes.NewReader([]byte("%PDF")),
	})
	require.ErrorIs(t, err, ErrUpload)

	_, err = f.drafts.Get(context.Background(), testSubject.ID)
	assert.ErrorIs(t, err, ErrDraftNotFound)
}

func TestSubmit_RequiresAppointment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Submit(ctx, testSubject)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.ctrl.Initialize(ctx, testSubject)
	require.NoError(t, err)
	require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionPersonalDetails, PersonalDetails{FullName: "Liam"}))

	_, err = f.ctrl.Submit(ctx, testSubject)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StepTimeSelection, verr.Step)
	assert.Equal(t, "Please complete the appointment time selection (Step 2) before submitting.", verr.Message)
	assert.Empty(t, f.repo.StudiesForPatient(testSubject.ID))
	assert.Equal(t, int32(0), f.repo.commitCalls.Load())
}

func TestSubmit_RequiresPersonalDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.Initialize(ctx, testSubject)
	require.NoError(t, err)
	require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionAppointment, Appointment{Date: "2025-06-19", Time: "14:00"}))

	_, err = f.ctrl.Submit(ctx, testSubject)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, StepPersonalDetails, verr.Step)
	assert.Empty(t, f.repo.StudiesForPatient(testSubject.ID))
}

func TestSubmit_CommitsAndClearsDraft(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	ctx := context.Background()
	ref, err := f.ctrl.UploadReferral(ctx, testSubject, ReferralUpload{Filename: "referral.pdf", Body: bytes.NewReader([]byte("pdf"))})
	require.NoError(t, err)

	conf, err := f.ctrl.Submit(ctx, testSubject)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-19", conf.AppointmentDate)
	assert.Equal(t, "14:00", conf.AppointmentTime)

	_, err = f.drafts.Get(ctx, testSubject.ID)
	assert.ErrorIs(t, err, ErrDraftNotFound)

	studiesForPatient := f.repo.StudiesForPatient(testSubject.ID)
	require.Len(t, studiesForPatient, 1)
	study := studiesForPatient[0]
	assert.Equal(t, conf.StudyID, study.ID)
	assert.Equal(t, studies.StateBooked, study.State)
	assert.Equal(t, "staff-1", study.ManagerID)
	assert.Equal(t, "doctor-1", study.DoctorID)
	assert.Nil(t, study.DeviceID)
	assert.Nil(t, study.EndDate)
	assert.Equal(t, time.Date(2025, 6, 19, 0, 0, 0, 0, time.UTC), study.StartDate)

	surveys := f.repo.SurveysForStudy(study.ID)
	require.Len(t, surveys, 2)
	scores := map[studies.SurveyType]int{}
	for _, s := range surveys {
		scores[s.Type] = s.Score
	}
	assert.Equal(t, map[studies.SurveyType]int{studies.SurveyEpworth: 11, studies.SurveyOSA50: 2}, scores)

	referrals := f.repo.ReferralsForStudy(study.ID)
	require.Len(t, referrals, 1)
	assert.Equal(t, ref.FileURL, referrals[0].FileURL)

	profile, err := f.repo.GetPatientProfile(ctx, testSubject.ID)
	require.NoError(t, err)
	assert.Equal(t, "Liam Nguyen", profile.Details.FullName)
}

func TestSubmit_SkipsEmptySurveysAndReferral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.Initialize(ctx, testSubject)
	require.NoError(t, err)
	require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionAppointment, Appointment{Date: "2025-06-20", Time: "09:00"}))
	require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionPersonalDetails, PersonalDetails{FullName: "Liam"}))
	require.NoError(t, f.drafts.MutateSection(ctx, testSubject.ID, SectionOSA50, OSA50Responses{}))

	conf, err := f.ctrl.Submit(ctx, testSubject)
	require.NoError(t, err)
	assert.Empty(t, f.repo.SurveysForStudy(conf.StudyID))
	assert.Empty(t, f.repo.ReferralsForStudy(conf.StudyID))
}

func TestSubmit_FallsBackToSubjectAssignment(t *testing.T) {
	f := newFixture(t, studies.AppUser{ID: "doctor-9", Role: "doctor"})
	f.walkToConfirmation(t)

	conf, err := f.ctrl.Submit(context.Background(), testSubject)
	require.NoError(t, err)

	list := f.repo.StudiesForPatient(testSubject.ID)
	require.Len(t, list, 1)
	assert.Equal(t, conf.StudyID, list[0].ID)
	assert.Equal(t, testSubject.ID, list[0].ManagerID)
	assert.Equal(t, "doctor-9", list[0].DoctorID)
}

func TestSubmit_PersistenceFailureKeepsDraft(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	f.repo.failCommit = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.ctrl.Submit(ctx, testSubject)
	require.ErrorIs(t, err, ErrPersistence)

	d, err := f.drafts.Get(ctx, testSubject.ID)
	require.NoError(t, err)
	assert.True(t, d.HasAppointment())

	f.repo.failCommit = nil
	_, err = f.ctrl.Submit(ctx, testSubject)
	require.NoError(t, err)
	assert.Len(t, f.repo.StudiesForPatient(testSubject.ID), 1)
}

func TestSubmit_ConcurrentDuplicatesShareOneCommit(t *testing.T) {
	f := newFixture(t)
	f.walkToConfirmation(t)
	f.repo.commitDelay = 100 * time.Millisecond

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Confirmation, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conf, err := f.ctrl.Submit(context.Background(), testSubject)
			if err == nil {
				results[i] = conf
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Len(t, f.repo.StudiesForPatient(testSubject.ID), 1)
	for _, conf := range results {
		if conf != nil {
			assert.Equal(t, f.repo.StudiesForPatient(testSubject.ID)[0].ID, conf.StudyID)
		}
	}
}

func TestSnapshotAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.ctrl.Snapshot(ctx, testSubject)
	assert.ErrorIs(t, err, ErrDraftNotFound)

	_, err = f.ctrl.Initialize(ctx, testSubject)
	require.NoError(t, err)
	d, err := f.ctrl.Snapshot(ctx, testSubject)
	require.NoError(t, err)
	assert.Equal(t, StepIntro, d.CurrentStep)

	require.NoError(t, f.ctrl.Reset(ctx, testSubject))
	_, err = f.ctrl.Snapshot(ctx, testSubject)
	assert.ErrorIs(t, err, ErrDraftNotFound)
}
