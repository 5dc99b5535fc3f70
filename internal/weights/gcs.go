package weights

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBucket keeps objects in a Google Cloud Storage bucket.
type GCSBucket struct {
	client *gcs.Client
	handle *gcs.BucketHandle
	Name   string
}

// NewGCSBucket opens bucket with the service account key at credentialsFile,
// or with application default credentials when the path is empty.
func NewGCSBucket(ctx context.Context, bucket, credentialsFile string) (*GCSBucket, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBucket{client: client, handle: client.Bucket(bucket), Name: bucket}, nil
}

func (b *GCSBucket) Put(ctx context.Context, name string, data []byte) error {
	w := b.handle.Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", b.Name, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gs://%s/%s: %w", b.Name, name, err)
	}
	return nil
}

func (b *GCSBucket) Get(ctx context.Context, name string) ([]byte, error) {
	r, err := b.handle.Object(name).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrNotFound, b.Name, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", b.Name, name, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *GCSBucket) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.handle.Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", b.Name, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *GCSBucket) Close() error {
	return b.client.Close()
}
