package studies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
)

type db interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores booking records in PostgreSQL.
type PostgresRepository struct {
	db          db
	subjectRole string
}

// NewPostgresRepository initializes a repo backed by pgxpool. When subjectRole is
// set, CommitBooking switches to that database role and publishes the subject's
// claims so row level policies apply to the submitting patient.
func NewPostgresRepository(pool *pgxpool.Pool, subjectRole string) *PostgresRepository {
	if pool == nil {
		panic("studies: pgx pool required")
	}
	return &PostgresRepository{db: pool, subjectRole: subjectRole}
}

func newRepositoryWithDB(conn db, subjectRole string) *PostgresRepository {
	return &PostgresRepository{db: conn, subjectRole: subjectRole}
}

// FirstUserByRole returns the oldest app user with the given role.
func (r *PostgresRepository) FirstUserByRole(ctx context.Context, role identity.Role) (*AppUser, error) {
	query := `
		SELECT id, email, role
		FROM app_users
		WHERE role = $1
		ORDER BY created_at
		LIMIT 1
	`
	var user AppUser
	if err := r.db.QueryRow(ctx, query, string(role)).Scan(&user.ID, &user.Email, &user.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("studies: select user by role: %w", err)
	}
	return &user, nil
}

// GetPatientProfile fetches a patient profile by user id.
func (r *PostgresRepository) GetPatientProfile(ctx context.Context, userID string) (*PatientProfile, error) {
	query := `
		SELECT user_id, patient_details, created_at, updated_at
		FROM patient_profiles
		WHERE user_id = $1
	`
	var (
		profile PatientProfile
		details []byte
	)
	if err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.UserID,
		&details,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("studies: select patient profile: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &profile.Details); err != nil {
			return nil, fmt.Errorf("studies: decode patient details: %w", err)
		}
	}
	return &profile, nil
}

// CommitBooking writes the study, profile, surveys and referral in one transaction.
func (r *PostgresRepository) CommitBooking(ctx context.Context, subject identity.Subject, commit *BookingCommit) error {
	if err := commit.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("studies: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := r.scopeToSubject(ctx, tx, subject); err != nil {
		return err
	}

	s := commit.Study
	if _, err := tx.Exec(ctx, `
		INSERT INTO sleep_studies (id, patient_id, manager_id, doctor_id, device_id, current_state, start_date, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.PatientID, s.ManagerID, s.DoctorID, s.DeviceID, s.State, s.StartDate, s.EndDate, s.CreatedAt, s.UpdatedAt); err != nil {
		return fmt.Errorf("studies: insert study: %w", err)
	}

	details, err := json.Marshal(commit.Profile.Details)
	if err != nil {
		return fmt.Errorf("studies: encode patient details: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO patient_profiles (user_id, patient_details, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET patient_details = EXCLUDED.patient_details, updated_at = EXCLUDED.updated_at
	`, commit.Profile.UserID, details, commit.Profile.UpdatedAt); err != nil {
		return fmt.Errorf("studies: upsert patient profile: %w", err)
	}

	for _, survey := range commit.Surveys {
		answers, err := json.Marshal(survey.Answers)
		if err != nil {
			return fmt.Errorf("studies: encode %s answers: %w", survey.Type, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO survey_responses (id, sleep_study_id, type, answers, score, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, survey.ID, survey.StudyID, string(survey.Type), answers, survey.Score, survey.CreatedAt); err != nil {
			return fmt.Errorf("studies: insert %s survey: %w", survey.Type, err)
		}
	}

	if ref := commit.Referral; ref != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO referrals (id, sleep_study_id, file_url, created_at)
			VALUES ($1, $2, $3, $4)
		`, ref.ID, ref.StudyID, ref.FileURL, ref.CreatedAt); err != nil {
			return fmt.Errorf("studies: insert referral: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("studies: commit: %w", err)
	}
	return nil
}

// scopeToSubject publishes the subject's claims for the current transaction and
// drops to the configured role, mirroring how a hosted Postgres evaluates
// row policies for an end-user token.
func (r *PostgresRepository) scopeToSubject(ctx context.Context, tx pgx.Tx, subject identity.Subject) error {
	if r.subjectRole == "" {
		return nil
	}
	claims, err := json.Marshal(map[string]any{
		"sub":   subject.ID,
		"email": subject.Email,
		"role":  r.subjectRole,
		"iat":   time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("studies: encode claims: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('request.jwt.claims', $1, true)`, string(claims)); err != nil {
		return fmt.Errorf("studies: set claims: %w", err)
	}
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgx.Identifier{r.subjectRole}.Sanitize()); err != nil {
		return fmt.Errorf("studies: set role: %w", err)
	}
	return nil
}
