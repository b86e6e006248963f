package bootstrap

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/sleep-study-booking/internal/booking"
	appconfig "github.com/wolfman30/sleep-study-booking/internal/config"
	"github.com/wolfman30/sleep-study-booking/internal/studies"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// BuildDraftStore keeps drafts in Redis when a client is available and falls
// back to process memory otherwise. Memory drafts do not survive restarts and
// are not shared between replicas.
func BuildDraftStore(redisClient *redis.Client, cfg *appconfig.Config, logger *logging.Logger) booking.DraftStore {
	if logger == nil {
		logger = logging.Default()
	}
	var ttl = booking.DefaultDraftTTL
	if cfg != nil && cfg.DraftTTL > 0 {
		ttl = cfg.DraftTTL
	}
	if redisClient == nil {
		logger.Warn("using in-memory draft store (drafts lost on restart)", "ttl", ttl.String())
		return booking.NewMemoryStore(ttl)
	}
	logger.Info("using redis draft store", "ttl", ttl.String())
	return booking.NewRedisStore(redisClient, ttl)
}

// StudyRepository is what the booking controller needs from persistence.
type StudyRepository interface {
	booking.Repository
	booking.UserLookup
}

// BuildRepository connects to Postgres when DATABASE_URL is set. Without it the
// in-memory repository is returned so the wizard can run locally. The returned
// close func is never nil.
func BuildRepository(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (StudyRepository, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Warn("DATABASE_URL not set; using in-memory study repository")
		return studies.NewMemoryRepository(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	logger.Info("connected to postgres", "subject_role", cfg.DBSubjectRole)
	return studies.NewPostgresRepository(pool, cfg.DBSubjectRole), pool.Close, nil
}
