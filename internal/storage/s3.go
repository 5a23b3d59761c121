package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/sirupsen/logrus"

	"mpcrelay/internal/fault"
)

// s3API is the subset of *s3.Client used by S3Storage
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

// s3Uploader is the subset of *manager.Uploader used by S3Storage
type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Storage implements Backend for S3
type S3Storage struct {
	client   s3API
	uploader s3Uploader
	bucket   string
	region   string
	logger   *logrus.Logger
}

// S3Config holds the configuration for S3 storage
type S3Config struct {
	Region  string
	RoleARN string
	// Endpoint overrides the service endpoint for S3-compatible stores
	Endpoint string
}

// NewS3Storage creates a new S3 storage instance for bucket
func NewS3Storage(ctx context.Context, bucket string, cfg *S3Config, logger *logrus.Logger) (*S3Storage, error) {
	if cfg == nil {
		return nil, errors.New("S3 config cannot be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket is required", fault.ErrConfiguration)
	}

	// Load the default AWS configuration
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", fault.ErrConfiguration, err)
	}

	// If a role ARN is provided, assume the role
	if cfg.RoleARN != "" {
		stsSvc := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsSvc, cfg.RoleARN)
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = retry.NewStandard(func(so *retry.StandardOptions) {
			so.MaxAttempts = 3
		})
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Storage(s3Client, manager.NewUploader(s3Client), bucket, cfg.Region, logger), nil
}

func newS3Storage(client s3API, uploader s3Uploader, bucket, region string, logger *logrus.Logger) *S3Storage {
	return &S3Storage{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		region:   region,
		logger:   logger,
	}
}

func (s *S3Storage) Provider() Provider {
	return ProviderAWS
}

func (s *S3Storage) Target() string {
	return s.bucket
}

// Get downloads an object from S3
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		s.logger.WithError(err).WithField("key", key).Error("Failed to get object from S3")
		return nil, fmt.Errorf("%w: get object %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read object %s: %v", fault.ErrStorageUnavailable, key, err)
	}
	return content, nil
}

// Store uploads an object to S3. PutObject replaces the object as a whole.
func (s *S3Storage) Store(ctx context.Context, key string, content []byte, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to upload object to S3")
		return fmt.Errorf("%w: upload object %s: %v", fault.ErrStorageUnavailable, key, err)
	}

	s.logger.WithField("key", key).Info("Successfully uploaded object to S3")
	return nil
}

// Exists checks if an object exists in S3
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: check if object %s exists: %v", fault.ErrStorageUnavailable, key, err)
	}
	return true, nil
}

// CreateContainer creates the bucket; a bucket we already own is a no-op
func (s *S3Storage) CreateContainer(ctx context.Context) error {
	input := &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
	}
	// us-east-1 rejects an explicit location constraint
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}

	_, err := s.client.CreateBucket(ctx, input)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			s.logger.WithField("bucket", s.bucket).Debug("Bucket already exists")
			return nil
		}
		return fmt.Errorf("%w: create bucket %s: %v", fault.ErrStorageUnavailable, s.bucket, err)
	}

	s.logger.WithField("bucket", s.bucket).Info("Created S3 bucket")
	return nil
}

// DeleteByPrefix deletes all objects whose key starts with prefix
func (s *S3Storage) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.logger.WithField("prefix", prefix).Info("Deleting objects by prefix")

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var deletedCount int
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return deletedCount, fmt.Errorf("%w: list objects %s: %v", fault.ErrStorageUnavailable, prefix, err)
		}
		for _, obj := range page.Contents {
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    obj.Key,
			}); err != nil {
				return deletedCount, fmt.Errorf("%w: delete object %s: %v", fault.ErrStorageUnavailable, aws.ToString(obj.Key), err)
			}
			deletedCount++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"prefix": prefix,
		"count":  deletedCount,
	}).Info("Finished deleting objects by prefix")
	return deletedCount, nil
}

// isS3NotFound reports whether err means the object is absent. HeadObject
// has no body, so a missing key only surfaces as NotFound or a bare 404.
func isS3NotFound(err error) bool {
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
