package intel

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxFeedObjectSize bounds the feed document read from S3.
const maxFeedObjectSize = 64 << 20

// S3Config locates a feed document in S3 or an S3-compatible store.
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Validate reports every missing field at once.
func (c S3Config) Validate() error {
	var errs []error
	for _, f := range [...]struct{ name, value string }{
		{"region", c.Region},
		{"bucket", c.Bucket},
		{"key", c.Key},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("s3 feed: %s is required", f.name))
		}
	}
	return errors.Join(errs...)
}

// ObjectGetter is the subset of the S3 API the source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source downloads a YAML or JSON feed document from S3.
type S3Source struct {
	client ObjectGetter
	bucket string
	key    string
}

// NewS3Source resolves AWS credentials and builds the client. Static keys
// in cfg take precedence over the default credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	load := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		load = append(load, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("s3 feed: aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// MinIO and other S3-compatible stores need a custom endpoint and
		// usually path-style addressing.
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return NewS3SourceWithClient(client, cfg.Bucket, cfg.Key), nil
}

// NewS3SourceWithClient wraps an existing client.
func NewS3SourceWithClient(client ObjectGetter, bucket, key string) *S3Source {
	return &S3Source{client: client, bucket: bucket, key: key}
}

// Name implements FeedSource.
func (s *S3Source) Name() string { return "s3://" + s.bucket + "/" + s.key }

// Fetch implements FeedSource.
func (s *S3Source) Fetch(ctx context.Context) (*Feed, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: get object: %w", s.Name(), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxFeedObjectSize+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read: %w", s.Name(), err)
	}
	if len(data) > maxFeedObjectSize {
		return nil, fmt.Errorf("%s: larger than %d bytes", s.Name(), maxFeedObjectSize)
	}

	feed, err := ParseFeed(data)
	if err != nil {
		return nil, err
	}
	for i := range feed.Indicators {
		if feed.Indicators[i].Source == "" {
			feed.Indicators[i].Source = s.Name()
		}
	}
	return feed, nil
}
