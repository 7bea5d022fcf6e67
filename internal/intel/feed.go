package intel

import (
	"context"
	"fmt"
	"os"

	"endpoint-xdr/internal/schema"

	"gopkg.in/yaml.v3"
)

// Feed is the content one source contributes to the intelligence snapshot.
type Feed struct {
	Indicators []schema.Indicator   `yaml:"indicators" json:"indicators"`
	Techniques map[string]Technique `yaml:"techniques" json:"techniques"`
}

// FeedSource pulls a complete feed. Fetch must return the full content of
// the source, not a delta.
type FeedSource interface {
	Name() string
	Fetch(ctx context.Context) (*Feed, error)
}

// ParseFeed decodes a YAML or JSON feed document.
func ParseFeed(data []byte) (*Feed, error) {
	var f Feed
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}
	return &f, nil
}

// FileSource reads a feed document from the local filesystem.
type FileSource struct {
	path string
}

// NewFileSource creates a feed source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements FeedSource.
func (s *FileSource) Name() string { return "file:" + s.path }

// Fetch implements FeedSource.
func (s *FileSource) Fetch(ctx context.Context) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed file: %w", err)
	}
	return ParseFeed(data)
}

// StaticSource serves a fixed feed. It backs indicators declared in
// configuration.
type StaticSource struct {
	name string
	feed Feed
}

// NewStaticSource creates a source that always returns feed.
func NewStaticSource(name string, feed Feed) *StaticSource {
	return &StaticSource{name: name, feed: feed}
}

// Name implements FeedSource.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements FeedSource.
func (s *StaticSource) Fetch(ctx context.Context) (*Feed, error) {
	f := s.feed
	return &f, nil
}
