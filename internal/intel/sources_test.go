package intel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	sets   map[string][]string
	hashes map[string]map[string]string
	err    error
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	return redis.NewStringSliceResult(f.sets[key], f.err)
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return redis.NewMapStringStringResult(f.hashes[key], f.err)
}

func TestRedisSource_Fetch(t *testing.T) {
	client := &fakeRedis{
		sets: map[string][]string{
			"fleet:ioc:ip":     {"192.0.2.1", "192.0.2.2"},
			"fleet:ioc:domain": {"bad.example"},
		},
		hashes: map[string]map[string]string{
			"fleet:techniques": {"beacon": `{"id":"T1071","name":"Application Layer Protocol","tactic":"command-and-control"}`},
		},
	}

	src := NewRedisSourceWithClient(client, "fleet")
	feed, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(feed.Indicators) != 3 {
		t.Errorf("len(Indicators) = %d, want 3", len(feed.Indicators))
	}
	if feed.Techniques["beacon"].ID != "T1071" {
		t.Errorf("Techniques[beacon] = %+v", feed.Techniques["beacon"])
	}
	if src.Name() != "redis:fleet" {
		t.Errorf("Name() = %q", src.Name())
	}
}

func TestRedisSource_FetchError(t *testing.T) {
	src := NewRedisSourceWithClient(&fakeRedis{err: errors.New("connection refused")}, "")
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Error("Fetch() error = nil, want error")
	}
}

type fakeS3 struct {
	body string
	err  error
	key  string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3Source_Fetch(t *testing.T) {
	client := &fakeS3{body: `{"indicators":[{"type":"hash","value":"44d88612fea8a8f36de82e1278abb02f"}]}`}
	src := NewS3SourceWithClient(client, "intel", "feeds/current.json")

	feed, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if client.key != "feeds/current.json" {
		t.Errorf("requested key = %q", client.key)
	}
	if len(feed.Indicators) != 1 || feed.Indicators[0].Source != "s3://intel/feeds/current.json" {
		t.Errorf("Indicators = %+v", feed.Indicators)
	}
}

func TestS3Source_FetchError(t *testing.T) {
	src := NewS3SourceWithClient(&fakeS3{err: errors.New("access denied")}, "intel", "k")
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Error("Fetch() error = nil, want error")
	}
}

func TestS3Config_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{"complete", S3Config{Region: "us-east-1", Bucket: "b", Key: "k"}, false},
		{"no region", S3Config{Bucket: "b", Key: "k"}, true},
		{"no bucket", S3Config{Region: "r", Key: "k"}, true},
		{"no key", S3Config{Region: "r", Bucket: "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
