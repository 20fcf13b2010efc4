// Package remote is the synced-hour inventory and upload target, backed
// by a gocloud.dev blob bucket.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // gs:// driver for URL-configured buckets
	"gocloud.dev/blob/s3blob"

	"github.com/lumehq/ampsync/internal/bucket"
)

// Options configures how the production bucket is opened.
type Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // custom S3 endpoint (MinIO, R2); enables path style
	URL       string // full bucket URL override, e.g. gs://exports
	AccessKey string
	SecretKey string
}

// Store is the remote store of synced hour files.
type Store struct {
	bucket *blob.Bucket
	prefix string
}

// New wraps an already-open bucket. Close closes it.
func New(b *blob.Bucket, prefix string) *Store {
	return &Store{bucket: b, prefix: prefix}
}

// Open opens the production bucket. A full URL overrides everything and
// may use any registered scheme. Explicit access keys take priority
// over the ambient credential chain.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URL != "" {
		b, err := blob.OpenBucket(ctx, opts.URL)
		if err != nil {
			return nil, fmt.Errorf("open bucket %s: %w", opts.URL, err)
		}
		return New(b, opts.Prefix), nil
	}

	if opts.AccessKey != "" && opts.SecretKey != "" {
		b, err := openStaticS3(ctx, opts)
		if err != nil {
			return nil, err
		}
		return New(b, opts.Prefix), nil
	}

	// Ambient credential chain via the URL opener.
	// For AWS: s3://bucket-name?region=eu-central-1
	// For custom endpoints: s3://bucket-name?endpoint=https://...&s3ForcePathStyle=true
	bucketURL := fmt.Sprintf("s3://%s", opts.Bucket)

	params := url.Values{}
	if opts.Region != "" {
		params.Set("region", opts.Region)
	}
	if opts.Endpoint != "" {
		params.Set("endpoint", opts.Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", opts.Bucket, err)
	}
	return New(b, opts.Prefix), nil
}

func openStaticS3(ctx context.Context, opts Options) (*blob.Bucket, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	b, err := s3blob.OpenBucketV2(ctx, client, opts.Bucket, nil)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", opts.Bucket, err)
	}
	return b, nil
}

// OpenDev opens the local substitute bucket used by --dev. Hour files
// land directly in dir with no prefix.
func OpenDev(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dev bucket directory %s: %w", dir, err)
	}
	b, err := fileblob.OpenBucket(dir, &fileblob.Options{Metadata: fileblob.MetadataDontWrite})
	if err != nil {
		return nil, fmt.Errorf("open dev bucket %s: %w", dir, err)
	}
	return New(b, ""), nil
}

func (s *Store) key(h bucket.Hour) string {
	return s.prefix + h.Filename()
}

// List returns the hours present under the store's prefix. Listing
// errors are returned, never treated as an empty inventory.
func (s *Store) List(ctx context.Context) (bucket.Set, error) {
	hours := bucket.NewSet()

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list remote objects: %w", err)
		}
		if obj.IsDir {
			continue
		}
		h, err := bucket.ParseFilename(strings.TrimPrefix(obj.Key, s.prefix))
		if err != nil {
			continue
		}
		hours.Add(h)
	}
	return hours, nil
}

// Upload writes the data for h under the store's prefix.
func (s *Store) Upload(ctx context.Context, h bucket.Hour, r io.Reader) error {
	key := s.key(h)

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Size returns the byte size of the remote object for h. The syncer
// compares it against the staged file before dropping the local copy.
func (s *Store) Size(ctx context.Context, h bucket.Hour) (int64, error) {
	attrs, err := s.bucket.Attributes(ctx, s.key(h))
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", s.key(h), err)
	}
	return attrs.Size, nil
}

// Close releases the bucket connection.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
