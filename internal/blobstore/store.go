// Package blobstore uploads files to object storage on behalf of a subject.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/sleep-study-booking/internal/identity"
	"github.com/wolfman30/sleep-study-booking/pkg/logging"
)

// ErrNoSubjectToken is returned when per-subject credentials are configured
// but the subject carries no access token to exchange.
var ErrNoSubjectToken = errors.New("blobstore: subject access token required")

// Object is a single upload.
type Object struct {
	Bucket      string
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// CredentialsFunc returns the credentials used for one subject's uploads.
type CredentialsFunc func(subject identity.Subject) (aws.CredentialsProvider, error)

// WebIdentityCredentials exchanges the subject's access token for role
// credentials, so bucket policies see the uploading subject rather than the service.
func WebIdentityCredentials(client stscreds.AssumeRoleWithWebIdentityAPIClient, roleARN string) CredentialsFunc {
	return func(subject identity.Subject) (aws.CredentialsProvider, error) {
		if strings.TrimSpace(subject.AccessToken) == "" {
			return nil, ErrNoSubjectToken
		}
		provider := stscreds.NewWebIdentityRoleProvider(client, roleARN, subjectToken(subject.AccessToken),
			func(o *stscreds.WebIdentityRoleOptions) {
				o.RoleSessionName = sessionName(subject.ID)
			})
		return aws.NewCredentialsCache(provider), nil
	}
}

type subjectToken string

func (t subjectToken) GetIdentityToken() ([]byte, error) {
	return []byte(t), nil
}

func sessionName(subjectID string) string {
	name := "booking-" + subjectID
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// S3Config configures an S3Store.
type S3Config struct {
	Region string
	// PublicBaseURL overrides the virtual-hosted URL, e.g. for LocalStack or a CDN.
	PublicBaseURL string
	// SubjectCredentials is optional; nil uploads with the client's own credentials.
	SubjectCredentials CredentialsFunc
	Logger             *logging.Logger
}

// S3Store stores objects in S3 compatible storage.
type S3Store struct {
	client        S3API
	region        string
	publicBaseURL string
	subjectCreds  CredentialsFunc
	logger        *logging.Logger
}

func NewS3Store(client S3API, cfg S3Config) *S3Store {
	if client == nil {
		panic("blobstore: s3 client required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &S3Store{
		client:        client,
		region:        cfg.Region,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		subjectCreds:  cfg.SubjectCredentials,
		logger:        logger,
	}
}

// Upload writes obj using the subject's credentials when configured.
func (s *S3Store) Upload(ctx context.Context, subject identity.Subject, obj Object) error {
	var optFns []func(*s3.Options)
	if s.subjectCreds != nil {
		creds, err := s.subjectCreds(subject)
		if err != nil {
			return err
		}
		optFns = append(optFns, func(o *s3.Options) { o.Credentials = creds })
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
		Body:   obj.Body,
	}
	if obj.ContentType != "" {
		input.ContentType = aws.String(obj.ContentType)
	}
	if obj.Size > 0 {
		input.ContentLength = aws.Int64(obj.Size)
	}
	if _, err := s.client.PutObject(ctx, input, optFns...); err != nil {
		return fmt.Errorf("blobstore: s3 put %s/%s: %w", obj.Bucket, obj.Key, err)
	}
	s.logger.Debug("object uploaded", "bucket", obj.Bucket, "key", obj.Key, "subject_id", subject.ID)
	return nil
}

// PublicURL returns the address the stored object is served from.
func (s *S3Store) PublicURL(bucket, key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + url.PathEscape(bucket) + "/" + escapeKey(key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, s.region, escapeKey(key))
}

// EnsureBuckets creates any missing bucket. Failures are logged and returned
// together; buckets that could be created are still created.
func (s *S3Store) EnsureBuckets(ctx context.Context, buckets ...string) error {
	var errs []error
	for _, bucket := range buckets {
		if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
			s.logger.Debug("bucket exists", "bucket", bucket)
			continue
		}
		if _, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)}); err != nil {
			s.logger.Warn("failed to create bucket", "bucket", bucket, "error", err)
			errs = append(errs, fmt.Errorf("blobstore: create bucket %s: %w", bucket, err))
			continue
		}
		s.logger.Info("bucket created", "bucket", bucket)
	}
	return errors.Join(errs...)
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
