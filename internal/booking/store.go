package booking

import (
	"context"
	"sync"
	"time"
)

// DraftStore holds one draft per subject between requests. Writes within a
// subject are last-write-wins; drafts never leak across subjects.
type DraftStore interface {
	// Initialize resets the subject's draft to step 1 with empty sections.
	Initialize(ctx context.Context, subjectID string) (*Draft, error)
	// Get returns ErrDraftNotFound when the subject has no draft.
	Get(ctx context.Context, subjectID string) (*Draft, error)
	// Ensure returns the existing draft or creates one positioned at step.
	Ensure(ctx context.Context, subjectID string, step Step) (*Draft, error)
	MutateSection(ctx context.Context, subjectID string, section Section, value any) error
	// AdvanceStep moves to the next step, never past StepConfirmation.
	AdvanceStep(ctx context.Context, subjectID string) (Step, error)
	SetStep(ctx context.Context, subjectID string, step Step) error
	Clear(ctx context.Context, subjectID string) error
}

// MemoryStore keeps drafts in process memory. Drafts idle for longer than the
// timeout are treated as absent and removed by Cleanup.
type MemoryStore struct {
	drafts  map[string]*Draft
	mu      sync.RWMutex
	timeout time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a store. A zero timeout keeps drafts until cleared.
func NewMemoryStore(timeout time.Duration) *MemoryStore {
	return &MemoryStore{
		drafts:  make(map[string]*Draft),
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(d *Draft) bool {
	return s.timeout > 0 && s.now().Sub(d.UpdatedAt) > s.timeout
}

// lookup must be called with the lock held.
func (s *MemoryStore) lookup(subjectID string) (*Draft, bool) {
	d, ok := s.drafts[subjectID]
	if !ok || s.expired(d) {
		return nil, false
	}
	return d, true
}

func (s *MemoryStore) Initialize(ctx context.Context, subjectID string) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := newDraft(subjectID, StepIntro, s.now())
	s.drafts[subjectID] = d
	return d.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, subjectID string) (*Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.lookup(subjectID)
	if !ok {
		return nil, ErrDraftNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) Ensure(ctx context.Context, subjectID string, step Step) (*Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.lookup(subjectID); ok {
		return d.Clone(), nil
	}
	d := newDraft(subjectID, step, s.now())
	s.drafts[subjectID] = d
	return d.Clone(), nil
}

func (s *MemoryStore) MutateSection(ctx context.Context, subjectID string, section Section, value any) error {
	return s.update(subjectID, func(d *Draft) error {
		return d.setSection(section, value)
	})
}

func (s *MemoryStore) AdvanceStep(ctx context.Context, subjectID string) (Step, error) {
	var next Step
	err := s.update(subjectID, func(d *Draft) error {
		d.CurrentStep = d.CurrentStep.Next()
		next = d.CurrentStep
		return nil
	})
	return next, err
}

func (s *MemoryStore) SetStep(ctx context.Context, subjectID string, step Step) error {
	if !step.Valid() {
		return ErrInvalidStep
	}
	return s.update(subjectID, func(d *Draft) error {
		d.CurrentStep = step
		return nil
	})
}

func (s *MemoryStore) Clear(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, subjectID)
	return nil
}

// Cleanup removes expired drafts and returns how many were dropped.
func (s *MemoryStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, d := range s.drafts {
		if s.expired(d) {
			delete(s.drafts, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) update(subjectID string, fn func(*Draft) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.lookup(subjectID)
	if !ok {
		return ErrDraftNotFound
	}
	next := d.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	s.drafts[subjectID] = next.Clone()
	return nil
}
