package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
	"github.com/wolfman30/sleep-study-booking/internal/studies"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

// Assignment names who manages and who supervises a new study.
type Assignment struct {
	ManagerID string
	DoctorID  string
}

// AssignmentStrategy picks the staff member and clinician for a booking.
type AssignmentStrategy interface {
	Assign(ctx context.Context, subject identity.Subject) (Assignment, error)
}

// UserLookup finds application users by role.
type UserLookup interface {
	FirstUserByRole(ctx context.Context, role identity.Role) (*studies.AppUser, error)
}

// FirstByRole assigns the oldest staff and doctor accounts. When a role has no
// account the submitting subject stands in; this is a placeholder until real
// scheduling exists.
type FirstByRole struct {
	users  UserLookup
	logger *logging.Logger
}

func NewFirstByRole(users UserLookup, logger *logging.Logger) *FirstByRole {
	if users == nil {
		panic("booking: user lookup required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &FirstByRole{users: users, logger: logger}
}

func (f *FirstByRole) Assign(ctx context.Context, subject identity.Subject) (Assignment, error) {
	manager, err := f.pick(ctx, subject, identity.RoleStaff)
	if err != nil {
		return Assignment{}, err
	}
	doctor, err := f.pick(ctx, subject, identity.RoleDoctor)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{ManagerID: manager, DoctorID: doctor}, nil
}

func (f *FirstByRole) pick(ctx context.Context, subject identity.Subject, role identity.Role) (string, error) {
	user, err := f.users.FirstUserByRole(ctx, role)
	if errors.Is(err, studies.ErrNotFound) {
		f.logger.Warn("no user with role, assigning subject", "role", role, "subject_id", subject.ID)
		return subject.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("booking: lookup %s: %w", role, err)
	}
	return user.ID, nil
}
