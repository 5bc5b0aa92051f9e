package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIO stores versions as objects at {name}/{version} in one bucket.
type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinIO{client: client, bucket: bucket}, nil
}

func objectKey(name, version string) string {
	return path.Join(name, version)
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}

func (m *MinIO) Put(ctx context.Context, name, version string, r io.Reader, size int64) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := validLabel(version); err != nil {
		return err
	}
	if size <= 0 {
		size = -1
	}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(name, version), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (m *MinIO) Get(ctx context.Context, name, version string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(name, version), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return obj, nil
}

func (m *MinIO) Has(ctx context.Context, name, version string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, objectKey(name, version), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object: %w", err)
}

func (m *MinIO) Copy(ctx context.Context, name, fromVersion, toVersion string) error {
	if err := validLabel(toVersion); err != nil {
		return err
	}
	_, err := m.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.bucket, Object: objectKey(name, toVersion)},
		minio.CopySrcOptions{Bucket: m.bucket, Object: objectKey(name, fromVersion)},
	)
	if isNoSuchKey(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("copy object: %w", err)
	}
	return nil
}

func (m *MinIO) Move(ctx context.Context, name, fromVersion, toVersion string) error {
	if err := m.Copy(ctx, name, fromVersion, toVersion); err != nil {
		return err
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(name, fromVersion), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove moved object: %w", err)
	}
	return nil
}

func (m *MinIO) Delete(ctx context.Context, name, version string) error {
	ok, err := m.Has(ctx, name, version)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(name, version), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (m *MinIO) DeleteAll(ctx context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	var errs []error
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: name + "/", Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("list objects: %w", obj.Err)
		}
		if err := m.client.RemoveObject(ctx, m.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Ping checks that the bucket is reachable.
func (m *MinIO) Ping(ctx context.Context) error {
	if _, err := m.client.BucketExists(ctx, m.bucket); err != nil {
		return fmt.Errorf("minio ping: %w", err)
	}
	return nil
}
