package store

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/pagestored/pageserver/pkg/errtypes"
)

// S3Store is a RemoteStore backed by an S3-compatible object store via
// github.com/minio/minio-go/v7.
type S3Store struct {
	client *minio.Client
	bucket string
}

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// NewS3Store constructs an S3Store from cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "remote/store: constructing S3 client")
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Upload implements RemoteStore.
func (s *S3Store) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return errors.Wrap(err, "remote/store: upload")
	}
	return nil
}

// Download implements RemoteStore.
func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "remote/store: download")
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, NotExist(key)
		}
		return nil, errors.Wrap(err, "remote/store: download")
	}
	return data, nil
}

// Delete implements RemoteStore.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrap(err, "remote/store: delete")
	}
	return nil
}

// DeleteObjects implements RemoteStore.
func (s *S3Store) DeleteObjects(ctx context.Context, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, k := range keys {
			objectsCh <- minio.ObjectInfo{Key: k}
		}
	}()

	var failed []error
	for result := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			failed = append(failed, errors.Wrapf(result.Err, "remote/store: delete %s", result.ObjectName))
		}
	}
	if len(failed) > 0 {
		return errtypes.Join(failed...)
	}
	return nil
}

// ListPrefixes implements RemoteStore.
func (s *S3Store) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, "remote/store: list_prefixes")
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
