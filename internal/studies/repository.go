package studies

import (
	"context"
	"sync"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

// Repository defines the persistence operations the booking flow relies on.
type Repository interface {
	// FirstUserByRole uses service-level access; it is an assignment lookup,
	// not a subject-owned read.
	FirstUserByRole(ctx context.Context, role identity.Role) (*AppUser, error)
	GetPatientProfile(ctx context.Context, userID string) (*PatientProfile, error)
	// CommitBooking writes all records with the subject's own access.
	CommitBooking(ctx context.Context, subject identity.Subject, commit *BookingCommit) error
}

// MemoryRepository keeps records in process memory for development and tests.
type MemoryRepository struct {
	mu        sync.RWMutex
	users     []AppUser
	profiles  map[string]PatientProfile
	studies   map[string]Study
	surveys   map[string][]SurveyResponse
	referrals map[string][]Referral
}

// NewMemoryRepository creates an empty repository seeded with the given users.
func NewMemoryRepository(users ...AppUser) *MemoryRepository {
	return &MemoryRepository{
		users:     append([]AppUser(nil), users...),
		profiles:  make(map[string]PatientProfile),
		studies:   make(map[string]Study),
		surveys:   make(map[string][]SurveyResponse),
		referrals: make(map[string][]Referral),
	}
}

// AddUser appends an application user.
func (r *MemoryRepository) AddUser(user AppUser) {
	r.mu.Lock()
	r.users = append(r.users, user)
	r.mu.Unlock()
}

// FirstUserByRole returns the earliest added user holding role.
func (r *MemoryRepository) FirstUserByRole(ctx context.Context, role identity.Role) (*AppUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Role == string(role) {
			user := u
			return &user, nil
		}
	}
	return nil, ErrNotFound
}

// GetPatientProfile fetches a profile by user id.
func (r *MemoryRepository) GetPatientProfile(ctx context.Context, userID string) (*PatientProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	profile, ok := r.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &profile, nil
}

// CommitBooking validates the whole commit before applying any of it.
func (r *MemoryRepository) CommitBooking(ctx context.Context, subject identity.Subject, commit *BookingCommit) error {
	if err := commit.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.studies[commit.Study.ID] = commit.Study

	profile := commit.Profile
	if existing, ok := r.profiles[profile.UserID]; ok {
		profile.CreatedAt = existing.CreatedAt
	}
	r.profiles[profile.UserID] = profile

	if len(commit.Surveys) > 0 {
		r.surveys[commit.Study.ID] = append(r.surveys[commit.Study.ID], commit.Surveys...)
	}
	if commit.Referral != nil {
		r.referrals[commit.Study.ID] = append(r.referrals[commit.Study.ID], *commit.Referral)
	}
	return nil
}

// StudiesForPatient lists studies owned by a patient.
func (r *MemoryRepository) StudiesForPatient(patientID string) []Study {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Study
	for _, s := range r.studies {
		if s.PatientID == patientID {
			out = append(out, s)
		}
	}
	return out
}

// SurveysForStudy lists survey responses attached to a study.
func (r *MemoryRepository) SurveysForStudy(studyID string) []SurveyResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SurveyResponse(nil), r.surveys[studyID]...)
}

// ReferralsForStudy lists referrals attached to a study.
func (r *MemoryRepository) ReferralsForStudy(studyID string) []Referral {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Referral(nil), r.referrals[studyID]...)
}
