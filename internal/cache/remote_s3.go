package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	pkgerrors "github.com/pkg/errors"
)

// S3Backend stores cache objects in an S3-compatible bucket, grounded
// on coreos-coreos-assembler's aws-sdk-go-v2 usage for its own remote
// object store. This is the remote half of the two-backend contract
// spec §4.6 calls out: identical middleware, different transport.
type S3Backend struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3Config is the resolved connection info for the remote cache.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string
	Profile  string
}

// NewS3Backend resolves AWS credentials the way spec §6/§7 describe:
// a named profile if SHADOWDOG_REMOTE_CACHE_PROFILE is set, otherwise
// the default credential chain (environment, shared config, IMDS).
// Resolution failure is returned as an error; the caller then disables
// the remote cache (RemoteFlags with credentialsAvailable=false) instead
// of failing the build.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cache: loading aws config")
	}

	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return nil, pkgerrors.Wrap(err, "cache: no usable aws credentials")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// newStaticS3Backend is used by tests to inject explicit static
// credentials instead of the default chain.
func newStaticS3Backend(ctx context.Context, cfg S3Config, accessKey, secretKey string) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (b *S3Backend) Name() string { return "remote" }

func (b *S3Backend) key(objectName string) string {
	if b.prefix == "" {
		return objectName + ".tar.gz"
	}
	return strings.TrimSuffix(b.prefix, "/") + "/" + objectName + ".tar.gz"
}

func (b *S3Backend) Get(ctx context.Context, objectName string) (io.ReadCloser, bool, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectName)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return out.Body, true, nil
}

func (b *S3Backend) Put(ctx context.Context, objectName string, r io.Reader) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(objectName)),
		Body:   r,
	})
	return err
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// RemoteFlags reads the remote cache kill switches from the
// environment (spec §6/§7): SHADOWDOG_DISABLE_REMOTE_CACHE disables
// both directions; SHADOWDOG_REMOTE_CACHE_READ/_WRITE override each
// independently. credentialsAvailable forces read=write=false when no
// credentials could be resolved, the graceful-degradation path spec §7
// requires rather than aborting the build.
func RemoteFlags(defaults Flags, credentialsAvailable bool) Flags {
	if !credentialsAvailable {
		return Flags{Read: false, Write: false}
	}
	if os.Getenv("SHADOWDOG_DISABLE_REMOTE_CACHE") != "" {
		return Flags{Read: false, Write: false}
	}
	flags := defaults
	if v, ok := os.LookupEnv("SHADOWDOG_REMOTE_CACHE_READ"); ok {
		flags.Read = v != "false" && v != "0"
	}
	if v, ok := os.LookupEnv("SHADOWDOG_REMOTE_CACHE_WRITE"); ok {
		flags.Write = v != "false" && v != "0"
	}
	return flags
}

// RemoteConfigFromEnv builds an S3Config from the
// SHADOWDOG_REMOTE_CACHE_* environment variables (spec §7). ok is
// false when no bucket is configured, meaning the remote cache is not
// in use at all.
func RemoteConfigFromEnv() (cfg S3Config, ok bool) {
	bucket := os.Getenv("SHADOWDOG_REMOTE_CACHE_BUCKET")
	if bucket == "" {
		return S3Config{}, false
	}
	return S3Config{
		Bucket:   bucket,
		Prefix:   os.Getenv("SHADOWDOG_REMOTE_CACHE_PREFIX"),
		Region:   os.Getenv("SHADOWDOG_REMOTE_CACHE_REGION"),
		Endpoint: os.Getenv("SHADOWDOG_REMOTE_CACHE_ENDPOINT"),
		Profile:  os.Getenv("SHADOWDOG_REMOTE_CACHE_PROFILE"),
	}, true
}
