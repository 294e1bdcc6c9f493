// Package storage persists the learned index. A store location is either a
// plain filesystem path or an "s3://bucket/key" URL; both resolve to a pail
// bucket holding a single object, so the rest of the system only ever sees
// a read-or-absent / write contract.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/evergreen-ci/pail"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/rust-lang/rust-log-analyzer/analysis"
)

const (
	s3Prefix        = "s3://"
	defaultS3Region = "us-east-1"
	s3MaxRetries    = 10
)

// ErrIndexNotFound reports that the store location holds no index yet.
// Callers that can start from scratch use LoadOrCreateIndex instead of
// handling it.
var ErrIndexNotFound = errors.New("index not found")

// Store reads and writes the index blob at one resolved location.
type Store struct {
	bucket pail.Bucket
	key    string

	// localDir is set for filesystem-backed stores and enables the
	// write-temp-then-rename replace; S3 object writes are atomic on
	// their own.
	localDir string

	display string
}

// ParseLocation resolves a location string into a Store. "s3://bucket/key"
// selects an S3 bucket (region from AWS_REGION, falling back to
// us-east-1); anything else is treated as a local file path.
func ParseLocation(location string) (*Store, error) {
	if strings.HasPrefix(location, s3Prefix) {
		trimmed := strings.TrimPrefix(location, s3Prefix)
		name, key, found := strings.Cut(trimmed, "/")
		if !found || name == "" || key == "" {
			return nil, errors.Errorf("invalid s3 location '%s': expected s3://bucket/key", location)
		}

		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = defaultS3Region
		}

		bucket, err := pail.NewS3Bucket(context.Background(), pail.S3Options{
			Name:       name,
			Region:     region,
			MaxRetries: utility.ToIntPtr(s3MaxRetries),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "constructing S3 bucket '%s'", name)
		}

		return &Store{bucket: bucket, key: key, display: location}, nil
	}

	dir, file := filepath.Split(location)
	if dir == "" {
		dir = "."
	}
	if file == "" {
		return nil, errors.Errorf("index location '%s' is not a file path", location)
	}

	bucket, err := pail.NewLocalBucket(pail.LocalOptions{Path: dir})
	if err != nil {
		return nil, errors.Wrapf(err, "constructing local bucket at '%s'", dir)
	}

	return &Store{bucket: bucket, key: file, localDir: dir, display: location}, nil
}

func (s *Store) String() string { return s.display }

// LoadIndex reads the index, reporting ErrIndexNotFound if the location
// holds no object. Corrupt or version-mismatched content is an error, not
// absence.
func (s *Store) LoadIndex(ctx context.Context) (*analysis.Index, error) {
	exists, err := s.bucket.Exists(ctx, s.key)
	if err != nil {
		return nil, errors.Wrapf(err, "checking for index at '%s'", s.display)
	}
	if !exists {
		return nil, errors.Wrapf(ErrIndexNotFound, "no index at '%s'", s.display)
	}

	reader, err := s.bucket.Get(ctx, s.key)
	if err != nil {
		return nil, errors.Wrapf(err, "reading index from '%s'", s.display)
	}
	defer reader.Close()

	index, err := analysis.ReadIndex(reader)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding index from '%s'", s.display)
	}
	return index, nil
}

// LoadOrCreateIndex reads the index, substituting a fresh empty index when
// the location holds none. Any other failure still propagates.
func (s *Store) LoadOrCreateIndex(ctx context.Context) (*analysis.Index, error) {
	index, err := s.LoadIndex(ctx)
	if errors.Is(err, ErrIndexNotFound) {
		grip.Info(message.Fields{
			"message":  "initializing new index",
			"location": s.display,
		})
		return analysis.NewIndex(), nil
	}
	return index, err
}

// SaveIndex writes the index. Filesystem stores write a temporary sibling
// file and rename it into place so a crash mid-write never leaves a
// partial index; S3 object puts are atomic already.
func (s *Store) SaveIndex(ctx context.Context, index *analysis.Index) error {
	buf := &bytes.Buffer{}
	if _, err := index.WriteTo(buf); err != nil {
		return errors.Wrap(err, "serializing index")
	}

	if s.localDir == "" {
		return errors.Wrapf(s.bucket.Put(ctx, s.key, buf), "writing index to '%s'", s.display)
	}

	tmpKey := fmt.Sprintf("%s.tmp-%s", s.key, utility.RandomString())
	if err := s.bucket.Put(ctx, tmpKey, buf); err != nil {
		return errors.Wrapf(err, "writing temporary index to '%s'", s.display)
	}

	tmpPath := filepath.Join(s.localDir, tmpKey)
	if err := os.Rename(tmpPath, filepath.Join(s.localDir, s.key)); err != nil {
		grip.Error(message.WrapError(os.Remove(tmpPath), message.Fields{
			"message": "cleaning up temporary index file",
			"path":    tmpPath,
		}))
		return errors.Wrapf(err, "replacing index at '%s'", s.display)
	}
	return nil
}
