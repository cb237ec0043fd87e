// Package objstore resolves file endpoint paths across local disk, S3 and
// GCS. It gives the file adapters a uniform way to probe a path and to read
// byte ranges without downloading whole objects.
package objstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sluicedata/sluice/pkg/errors"
)

// Scheme identifies where a file path points.
type Scheme string

const (
	SchemeLocal Scheme = "local"
	SchemeS3    Scheme = "s3"
	SchemeGCS   Scheme = "gcs"
)

// Location is a parsed file endpoint path.
type Location struct {
	Scheme Scheme
	// Bucket is set for object store schemes.
	Bucket string
	// Key is the object key, or the filesystem path for local files.
	Key string
	// Raw is the path as configured.
	Raw string
}

// ParsePath splits a configured path into scheme, bucket and key.
func ParsePath(path string) (Location, error) {
	switch {
	case strings.HasPrefix(path, "s3://"):
		bucket, key, err := splitBucketKey(strings.TrimPrefix(path, "s3://"), path)
		if err != nil {
			return Location{}, err
		}
		return Location{Scheme: SchemeS3, Bucket: bucket, Key: key, Raw: path}, nil

	case strings.HasPrefix(path, "gs://"):
		bucket, key, err := splitBucketKey(strings.TrimPrefix(path, "gs://"), path)
		if err != nil {
			return Location{}, err
		}
		return Location{Scheme: SchemeGCS, Bucket: bucket, Key: key, Raw: path}, nil

	case path == "":
		return Location{}, errors.New(errors.ErrorTypeConfig, "file endpoint requires a path")

	default:
		return Location{Scheme: SchemeLocal, Key: path, Raw: path}, nil
	}
}

func splitBucketKey(rest, raw string) (string, string, error) {
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("object path %q must be <scheme>://bucket/key", raw))
	}
	return bucket, key, nil
}

// ReaderAtSeeker is what the parquet footer reader needs: random access plus
// a known size via Seek(0, io.SeekEnd).
type ReaderAtSeeker interface {
	io.ReaderAt
	io.Seeker
}

// Store probes locations and opens ranged readers over them.
type Store struct {
	s3Client  *s3.Client
	gcsClient *gcs.Client
}

// New builds a store, lazily holding clients only for the schemes actually
// touched.
func New() *Store {
	return &Store{}
}

// Probe verifies that the location exists and returns its size in bytes.
func (s *Store) Probe(ctx context.Context, loc Location) (int64, error) {
	switch loc.Scheme {
	case SchemeLocal:
		info, err := os.Stat(loc.Key)
		if os.IsNotExist(err) {
			return 0, errors.New(errors.ErrorTypeNotFound, fmt.Sprintf("file %s not found", loc.Key))
		}
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeConnection, "failed to stat file")
		}
		return info.Size(), nil

	case SchemeS3:
		client, err := s.s3(ctx)
		if err != nil {
			return 0, err
		}
		head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(loc.Bucket),
			Key:    aws.String(loc.Key),
		})
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeNotFound,
				fmt.Sprintf("object s3://%s/%s not found", loc.Bucket, loc.Key))
		}
		return aws.ToInt64(head.ContentLength), nil

	case SchemeGCS:
		client, err := s.gcs(ctx)
		if err != nil {
			return 0, err
		}
		attrs, err := client.Bucket(loc.Bucket).Object(loc.Key).Attrs(ctx)
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeNotFound,
				fmt.Sprintf("object gs://%s/%s not found", loc.Bucket, loc.Key))
		}
		return attrs.Size, nil

	default:
		return 0, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown scheme %q", loc.Scheme))
	}
}

// Open returns a random access reader over the location. The caller closes
// it when done.
func (s *Store) Open(ctx context.Context, loc Location) (ReaderAtSeeker, io.Closer, error) {
	size, err := s.Probe(ctx, loc)
	if err != nil {
		return nil, nil, err
	}

	switch loc.Scheme {
	case SchemeLocal:
		f, err := os.Open(loc.Key)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open file")
		}
		return f, f, nil

	case SchemeS3:
		client, err := s.s3(ctx)
		if err != nil {
			return nil, nil, err
		}
		r := &rangedReader{
			size: size,
			fetch: func(off, n int64) (io.ReadCloser, error) {
				out, err := client.GetObject(ctx, &s3.GetObjectInput{
					Bucket: aws.String(loc.Bucket),
					Key:    aws.String(loc.Key),
					Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, off+n-1)),
				})
				if err != nil {
					return nil, err
				}
				return out.Body, nil
			},
		}
		return r, noopCloser{}, nil

	case SchemeGCS:
		client, err := s.gcs(ctx)
		if err != nil {
			return nil, nil, err
		}
		obj := client.Bucket(loc.Bucket).Object(loc.Key)
		r := &rangedReader{
			size: size,
			fetch: func(off, n int64) (io.ReadCloser, error) {
				return obj.NewRangeReader(ctx, off, n)
			},
		}
		return r, noopCloser{}, nil

	default:
		return nil, nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown scheme %q", loc.Scheme))
	}
}

// ReadHead reads up to n bytes from the start of the location. CSV header
// sniffing uses this.
func (s *Store) ReadHead(ctx context.Context, loc Location, n int64) ([]byte, error) {
	r, closer, err := s.Open(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to size object")
	}
	if size < n {
		n = size
	}
	buf := make([]byte, n)
	read, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read object head")
	}
	return buf[:read], nil
}

func (s *Store) s3(ctx context.Context) (*s3.Client, error) {
	if s.s3Client != nil {
		return s.s3Client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load aws config")
	}
	s.s3Client = s3.NewFromConfig(cfg)
	return s.s3Client, nil
}

func (s *Store) gcs(ctx context.Context) (*gcs.Client, error) {
	if s.gcsClient != nil {
		return s.gcsClient, nil
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create gcs client")
	}
	s.gcsClient = client
	return s.gcsClient, nil
}

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// rangedReader adapts range GETs to io.ReaderAt/io.Seeker. Each ReadAt is
// one request; parquet footer reads are small and few so no caching.
type rangedReader struct {
	size  int64
	pos   int64
	fetch func(off, n int64) (io.ReadCloser, error)
}

func (r *rangedReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > r.size {
		n = r.size - off
	}
	body, err := r.fetch(off, n)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	read, err := io.ReadFull(body, p[:n])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err == nil && int64(read) < int64(len(p)) {
		err = io.EOF
	}
	return read, err
}

func (r *rangedReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if r.pos < 0 {
		return 0, fmt.Errorf("negative seek position")
	}
	return r.pos, nil
}
