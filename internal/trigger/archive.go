package trigger

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the part of the S3 client used to archive loaded objects.
type s3API interface {
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Archiver moves loaded objects from the watch prefix to the archive prefix
// within the same bucket.
type Archiver struct {
	client        s3API
	prefix        string
	archivePrefix string
}

// AWSOptions overrides parts of the default AWS configuration.
type AWSOptions struct {
	Region string
}

// LoadAWSConfig resolves credentials and region from the default chain.
func LoadAWSConfig(ctx context.Context, opts AWSOptions) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return cfg, nil
}

// NewS3Archiver builds an Archiver on a real S3 client. A non-empty endpoint
// selects an S3-compatible store such as MinIO, with path-style addressing.
func NewS3Archiver(cfg aws.Config, endpoint, prefix, archivePrefix string) *Archiver {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Archiver{client: client, prefix: prefix, archivePrefix: archivePrefix}
}

// ArchiveKey maps an object key under prefix to its key under archivePrefix.
func ArchiveKey(key, prefix, archivePrefix string) string {
	return archivePrefix + strings.TrimPrefix(key, prefix)
}

// Archive copies bucket/key to its archive key and deletes the original.
func (a *Archiver) Archive(ctx context.Context, bucket, key string) error {
	dst := ArchiveKey(key, a.prefix, a.archivePrefix)
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(bucket, key)),
	})
	if err != nil {
		return fmt.Errorf("copying s3://%s/%s to %s: %w", bucket, key, dst, err)
	}
	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// copySource is the URL-encoded "bucket/key" form CopyObject expects.
func copySource(bucket, key string) string {
	return url.PathEscape(bucket) + "/" + strings.ReplaceAll(url.PathEscape(key), "%2F", "/")
}
