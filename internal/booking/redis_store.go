package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDraftTTL is how long an untouched draft is kept.
const DefaultDraftTTL = 2 * time.Hour

const (
	draftKeyPrefix   = "booking:draft:"
	maxUpdateRetries = 5
)

// RedisStore keeps one JSON encoded draft per subject. Every write refreshes
// the TTL, so a draft lives for ttl after its last change.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewRedisStore constructs a draft store on top of an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("booking: redis client required")
	}
	if ttl <= 0 {
		ttl = DefaultDraftTTL
	}
	return &RedisStore{redis: client, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(subjectID string) string {
	return draftKeyPrefix + subjectID
}

func (s *RedisStore) Initialize(ctx context.Context, subjectID string) (*Draft, error) {
	d := newDraft(subjectID, StepIntro, s.now().UTC())
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("booking: marshal draft: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(subjectID), data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("booking: save draft: %w", err)
	}
	return d, nil
}

func (s *RedisStore) Get(ctx context.Context, subjectID string) (*Draft, error) {
	data, err := s.redis.Get(ctx, s.key(subjectID)).Bytes()
	if err == redis.Nil {
		return nil, ErrDraftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: get draft: %w", err)
	}
	return decodeDraft(data)
}

func (s *RedisStore) Ensure(ctx context.Context, subjectID string, step Step) (*Draft, error) {
	d := newDraft(subjectID, step, s.now().UTC())
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("booking: marshal draft: %w", err)
	}
	created, err := s.redis.SetNX(ctx, s.key(subjectID), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("booking: ensure draft: %w", err)
	}
	if created {
		return d, nil
	}
	existing, err := s.Get(ctx, subjectID)
	if errors.Is(err, ErrDraftNotFound) {
		// expired between SETNX and GET
		return s.Ensure(ctx, subjectID, step)
	}
	return existing, err
}

func (s *RedisStore) MutateSection(ctx context.Context, subjectID string, section Section, value any) error {
	return s.update(ctx, subjectID, func(d *Draft) error {
		return d.setSection(section, value)
	})
}

func (s *RedisStore) AdvanceStep(ctx context.Context, subjectID string) (Step, error) {
	var next Step
	err := s.update(ctx, subjectID, func(d *Draft) error {
		d.CurrentStep = d.CurrentStep.Next()
		next = d.CurrentStep
		return nil
	})
	return next, err
}

func (s *RedisStore) SetStep(ctx context.Context, subjectID string, step Step) error {
	if !step.Valid() {
		return ErrInvalidStep
	}
	return s.update(ctx, subjectID, func(d *Draft) error {
		d.CurrentStep = step
		return nil
	})
}

func (s *RedisStore) Clear(ctx context.Context, subjectID string) error {
	if err := s.redis.Del(ctx, s.key(subjectID)).Err(); err != nil {
		return fmt.Errorf("booking: clear draft: %w", err)
	}
	return nil
}

// update runs a read-modify-write under WATCH so a concurrent writer for the
// same subject forces a retry instead of a lost section.
func (s *RedisStore) update(ctx context.Context, subjectID string, fn func(*Draft) error) error {
	key := s.key(subjectID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrDraftNotFound
		}
		if err != nil {
			return fmt.Errorf("booking: get draft: %w", err)
		}
		d, err := decodeDraft(data)
		if err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
		d.UpdatedAt = s.now().UTC()
		payload, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("booking: marshal draft: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("booking: draft for %s changed concurrently", subjectID)
}

func decodeDraft(data []byte) (*Draft, error) {
	var d Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("booking: decode draft: %w", err)
	}
	return &d, nil
}
