// Package identity carries the authenticated booking subject through request contexts.
package identity

import (
	"context"
	"strings"
)

// Role is the application role of a subject.
type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

// ParseRole normalizes a role claim. Unknown or empty values map to patient.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleStaff:
		return RoleStaff
	case RoleDoctor:
		return RoleDoctor
	case RoleAdmin:
		return RoleAdmin
	default:
		return RolePatient
	}
}

// Subject is the authenticated user driving a request.
type Subject struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`

	// AccessToken is the subject's own bearer token. Collaborators that enforce
	// per-subject access policy (blob store, database row policies) use it instead
	// of service credentials.
	AccessToken string `json:"-"`
}

// Valid reports whether the subject carries an identifier.
func (s Subject) Valid() bool {
	return strings.TrimSpace(s.ID) != ""
}

type ctxKey string

const subjectKey ctxKey = "sleepstudy.subject"

// WithSubject stores the subject in context.
func WithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext extracts the subject if present and valid.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	val := ctx.Value(subjectKey)
	if val == nil {
		return Subject{}, false
	}
	subject, ok := val.(Subject)
	return subject, ok && subject.Valid()
}
