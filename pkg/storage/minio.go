// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fawa-io/qgisrepo/pkg/fwlog"
)

// MinioOptions configures a MinioStore.
type MinioOptions struct {
	// Endpoint is either "host:port" or a http(s) URL without a path.
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	// Prefix is prepended to every object key, e.g. "qgis/".
	Prefix string
	// Region skips the bucket location lookup when set.
	Region string
}

// MinioStore implements Store on an S3 compatible bucket using the same
// layout as DiskStore, with "<prefix><id>/" as the folder.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
	locks  idLocks
}

// NewMinioStore connects to MinIO and creates the bucket if it does not exist.
func NewMinioStore(ctx context.Context, opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Bucket == "" {
		return nil, errors.New("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid minio endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if MinIO bucket '%s' exists: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create MinIO bucket '%s': %w", opts.Bucket, err)
		}
		fwlog.Infof("Successfully created MinIO bucket: %s", opts.Bucket)
	}

	return &MinioStore{
		client: client,
		bucket: opts.Bucket,
		prefix: normalisePrefix(opts.Prefix),
	}, nil
}

// normaliseEndpoint accepts either "minio:9000" or "http(s)://minio:9000".
func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, errors.New("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, errors.New("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, errors.New("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

func normalisePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *MinioStore) objectKey(id, name string) string {
	return s.prefix + id + "/" + name
}

// List implements the Store interface.
func (s *MinioStore) List(ctx context.Context) ([]Plugin, error) {
	var plugins []Plugin
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	objectCh := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: false,
	})
	for object := range objectCh {
		if object.Err != nil {
			// Stop the lister and drain the channel so its goroutine exits.
			cancel()
			for range objectCh {
			}
			return nil, fmt.Errorf("%w: list objects: %v", ErrStorage, object.Err)
		}
		// Non-recursive listings report folders as keys ending in '/'.
		if !strings.HasSuffix(object.Key, "/") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(object.Key, s.prefix), "/")
		meta, err := s.load(ctx, id)
		if err != nil {
			fwlog.Debugf("skipping plugin prefix %q: %v", object.Key, err)
			continue
		}
		plugins = append(plugins, Plugin{ID: id, Metadata: meta})
	}
	if plugins == nil {
		plugins = []Plugin{}
	}
	return plugins, nil
}

func (s *MinioStore) load(ctx context.Context, id string) (Metadata, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(id, MetadataFile), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	meta, err := decodeMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", MetadataFile, err)
	}
	if _, err := s.client.StatObject(ctx, s.bucket, s.objectKey(id, ArchiveFile), minio.StatObjectOptions{}); err != nil {
		return nil, err
	}
	return meta, nil
}

// Open implements the Store interface.
func (s *MinioStore) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(id, ArchiveFile), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	// Force an early error for missing object / auth issues.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, id, err)
	}
	return obj, nil
}

// Upsert implements the Store interface.
func (s *MinioStore) Upsert(ctx context.Context, id string, archive []byte, meta Metadata) error {
	doc, err := prepareUpsert(id, archive, meta)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if err := s.put(ctx, s.objectKey(id, ArchiveFile), archive, "application/zip"); err != nil {
		return err
	}
	return s.put(ctx, s.objectKey(id, MetadataFile), doc, "application/json")
}

func (s *MinioStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorage, key, err)
	}
	return nil
}
