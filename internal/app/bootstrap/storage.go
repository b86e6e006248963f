package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/wolfman30/sleep-study-booking/internal/blobstore"
	"github.com/wolfman30/sleep-study-booking/internal/booking"
	appconfig "github.com/wolfman30/sleep-study-booking/internal/config"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

// BuildBlobStore returns the referral document store for the configured
// backend. awsCfg is ignored for the memory backend.
func BuildBlobStore(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (booking.BlobStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch strings.TrimSpace(cfg.StorageBackend) {
	case "memory":
		logger.Warn("using in-memory blob store (uploads lost on restart)")
		return blobstore.NewMemoryStore(), nil
	case "", "s3":
	default:
		return nil, fmt.Errorf("bootstrap: unknown storage backend %q", cfg.StorageBackend)
	}

	pathStyle := strings.TrimSpace(cfg.AWSEndpointOverride) != ""
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// LocalStack and MinIO don't serve virtual-hosted buckets.
		o.UsePathStyle = pathStyle
	})

	s3cfg := blobstore.S3Config{
		Region:        cfg.AWSRegion,
		PublicBaseURL: cfg.StoragePublicBaseURL,
		Logger:        logger,
	}
	if roleARN := strings.TrimSpace(cfg.StorageSubjectRole); roleARN != "" {
		s3cfg.SubjectCredentials = blobstore.WebIdentityCredentials(sts.NewFromConfig(awsCfg), roleARN)
		logger.Info("uploads use per-subject credentials", "role_arn", roleARN)
	}
	store := blobstore.NewS3Store(client, s3cfg)

	if cfg.EnsureBuckets {
		buckets := []string{cfg.ReferralsBucket, cfg.SleepDataBucket, cfg.ReportsBucket}
		// Uploads to a missing bucket fail per request; startup carries on.
		if err := store.EnsureBuckets(ctx, buckets...); err != nil {
			logger.Warn("storage bucket bootstrap incomplete", "error", err)
		} else {
			logger.Info("storage buckets ready", "buckets", buckets)
		}
	}
	return store, nil
}
