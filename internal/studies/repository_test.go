package studies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

func TestMemoryRepository_FirstUserByRoleKeepsInsertionOrder(t *testing.T) {
	repo := NewMemoryRepository(
		AppUser{ID: "doc-1", Role: "doctor"},
		AppUser{ID: "staff-1", Role: "staff"},
	)
	repo.AddUser(AppUser{ID: "staff-2", Role: "staff"})

	user, err := repo.FirstUserByRole(context.Background(), identity.RoleStaff)
	require.NoError(t, err)
	assert.Equal(t, "staff-1", user.ID)

	_, err = repo.FirstUserByRole(context.Background(), identity.RoleAdmin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_CommitBookingUpsertsProfile(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := sampleCommit(true)
	require.NoError(t, repo.CommitBooking(ctx, identity.Subject{ID: "patient-1"}, first))

	second := sampleCommit(false)
	second.Study.ID = "study-2"
	second.Profile.Details.FullName = "Liam N."
	second.Profile.CreatedAt = time.Now().UTC()
	require.NoError(t, repo.CommitBooking(ctx, identity.Subject{ID: "patient-1"}, second))

	profile, err := repo.GetPatientProfile(ctx, "patient-1")
	require.NoError(t, err)
	assert.Equal(t, "Liam N.", profile.Details.FullName)
	assert.Equal(t, first.Profile.CreatedAt, profile.CreatedAt)

	assert.Len(t, repo.StudiesForPatient("patient-1"), 2)
	assert.Len(t, repo.SurveysForStudy("study-1"), 1)
	assert.Len(t, repo.ReferralsForStudy("study-1"), 1)
	assert.Empty(t, repo.ReferralsForStudy("study-2"))
}

func TestMemoryRepository_InvalidCommitWritesNothing(t *testing.T) {
	repo := NewMemoryRepository()
	commit := sampleCommit(true)
	commit.Surveys[0].StudyID = "elsewhere"

	err := repo.CommitBooking(context.Background(), identity.Subject{ID: "patient-1"}, commit)
	require.Error(t, err)
	assert.Empty(t, repo.StudiesForPatient("patient-1"))
	_, err = repo.GetPatientProfile(context.Background(), "patient-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
