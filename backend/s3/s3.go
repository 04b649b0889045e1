// Package s3 implements the backend contract on an S3-compatible object
// service via the MinIO client.
//
// Directories are emulated the usual way: a zero-byte object whose key ends
// in "/" marks a container, and non-recursive listings use the "/" delimiter.
// Credentials resolve explicit keys first, then a shared-credentials profile,
// then the environment/IAM chain.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/aweris/stash/backend"
)

const delimiter = "/"

// awsEndpoint is used when the URL gives no endpoint.
const awsEndpoint = "https://s3.amazonaws.com"

// Config selects the bucket, key prefix and credentials. Endpoint is
// "scheme://host[:port]" or empty for AWS. B2 enables the
// Backblaze-compatible code path (B2's S3 API rejects the newer streaming
// checksums, it wants plain Content-MD5).
type Config struct {
	Bucket    string
	Path      string
	B2        bool
	Profile   string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// S3 stores objects under a key prefix in one bucket.
type S3 struct {
	cfg    Config
	client *minio.Client
	base   string
	opened bool
}

// New constructs the client without any network I/O.
func New(cfg Config) (*S3, error) {
	if cfg.Profile != "" && cfg.AccessKey != "" {
		return nil, fmt.Errorf("%w: profile and access key cannot both be given", backend.ErrBackend)
	}
	var creds *credentials.Credentials
	switch {
	case cfg.AccessKey != "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	case cfg.Profile != "":
		creds = credentials.NewFileAWSCredentials("", cfg.Profile)
	default:
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = awsEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid endpoint %q", backend.ErrBackend, cfg.Endpoint)
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: u.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: s3 client: %v", backend.ErrBackend, err)
	}
	return &S3{
		cfg:    cfg,
		client: client,
		base:   strings.TrimSuffix(cfg.Path, delimiter) + delimiter,
	}, nil
}

// Cfg returns the backend's configuration.
func (b *S3) Cfg() Config { return b.cfg }

func (b *S3) key(name string) (string, error) {
	if err := backend.ValidateName(name); err != nil {
		return "", err
	}
	return b.base + name, nil
}

func (b *S3) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{SendContentMd5: b.cfg.B2}
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}

func (b *S3) Create(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	exists, err := b.client.BucketExists(ctx, b.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", backend.ErrBackend, b.cfg.Bucket, err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket does not exist: %s", backend.ErrBackendNotExist, b.cfg.Bucket)
	}
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: b.base, MaxKeys: 1}) {
		if obj.Err != nil {
			return fmt.Errorf("%w: list %s: %v", backend.ErrBackend, b.base, obj.Err)
		}
		return fmt.Errorf("%w: prefix is not empty: %s", backend.ErrBackendExists, b.base)
	}
	return b.mkdir(ctx, "")
}

func (b *S3) Destroy(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	found := false
	objects := make(chan minio.ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(objects)
		for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: b.base, Recursive: true}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}
			found = true
			objects <- obj
		}
		errCh <- nil
	}()
	for removeErr := range b.client.RemoveObjects(ctx, b.cfg.Bucket, objects, minio.RemoveObjectsOptions{}) {
		if removeErr.Err != nil {
			return fmt.Errorf("%w: remove %s: %v", backend.ErrBackend, removeErr.ObjectName, removeErr.Err)
		}
	}
	if err := <-errCh; err != nil {
		return fmt.Errorf("%w: list %s: %v", backend.ErrBackend, b.base, err)
	}
	if !found {
		return fmt.Errorf("%w: prefix does not exist: %s", backend.ErrBackendNotExist, b.base)
	}
	return nil
}

func (b *S3) Open(ctx context.Context) error {
	if b.opened {
		return backend.ErrMustNotBeOpen
	}
	info, err := b.Info(ctx, "")
	if err == nil && !info.Exists {
		return fmt.Errorf("%w: prefix does not exist: %s", backend.ErrBackendNotExist, b.base)
	}
	b.opened = true
	return nil
}

func (b *S3) Close() error {
	b.opened = false
	return nil
}

func (b *S3) mkdir(ctx context.Context, name string) error {
	key := b.base
	if name != "" {
		key = b.base + name + delimiter
	}
	_, err := b.client.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(nil), 0, b.putOptions())
	if err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *S3) Mkdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	return b.mkdir(ctx, name)
}

func (b *S3) Rmdir(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	if err := backend.ValidateName(name); err != nil {
		return err
	}
	prefix := b.base + name + delimiter
	for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return fmt.Errorf("%w: list %s: %v", backend.ErrBackend, name, obj.Err)
		}
		if obj.Key != prefix {
			return fmt.Errorf("%w: directory not empty: %s", backend.ErrBackend, name)
		}
	}
	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, prefix, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: rmdir %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *S3) Info(ctx context.Context, name string) (backend.ItemInfo, error) {
	// The root probe ("") is also used by Open itself, before opened is set.
	var key string
	if name == "" {
		key = strings.TrimSuffix(b.base, delimiter)
	} else {
		if !b.opened {
			return backend.ItemInfo{}, backend.ErrMustBeOpen
		}
		var err error
		if key, err = b.key(name); err != nil {
			return backend.ItemInfo{}, err
		}
	}
	leaf := name
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		leaf = name[i+1:]
	}
	st, err := b.client.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return backend.ItemInfo{Name: leaf, Exists: true, Size: st.Size}, nil
	}
	if !isNoSuchKey(err) {
		return backend.ItemInfo{}, fmt.Errorf("%w: stat %s: %v", backend.ErrBackend, name, err)
	}
	// Not an object - maybe a directory marker.
	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, key+delimiter, minio.StatObjectOptions{}); err == nil {
		return backend.ItemInfo{Name: leaf, Exists: true, Directory: true}, nil
	}
	return backend.ItemInfo{Name: leaf}, nil
}

func (b *S3) Load(ctx context.Context, name string, offset, size int64) ([]byte, error) {
	if !b.opened {
		return nil, backend.ErrMustBeOpen
	}
	key, err := b.key(name)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	opts := minio.GetObjectOptions{}
	if offset > 0 || size >= 0 {
		end := int64(0) // zero end means "to EOF"
		if size >= 0 {
			end = offset + size - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, fmt.Errorf("%w: range %s: %v", backend.ErrBackend, name, err)
		}
	}
	obj, err := b.client.GetObject(ctx, b.cfg.Bucket, key, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", backend.ErrBackend, name, err)
	}
	defer obj.Close()
	value, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			// Offset at or past EOF: fewer bytes, not an error.
			return []byte{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", backend.ErrBackend, name, err)
	}
	return value, nil
}

func (b *S3) Store(ctx context.Context, name string, value []byte) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	key, err := b.key(name)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(value), int64(len(value)), b.putOptions())
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *S3) Delete(ctx context.Context, name string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	key, err := b.key(name)
	if err != nil {
		return err
	}
	// RemoveObject is silent on missing keys; probe first to report NotFound.
	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, name)
		}
		return fmt.Errorf("%w: stat %s: %v", backend.ErrBackend, name, err)
	}
	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: delete %s: %v", backend.ErrBackend, name, err)
	}
	return nil
}

func (b *S3) Move(ctx context.Context, currName, newName string) error {
	if !b.opened {
		return backend.ErrMustBeOpen
	}
	srcKey, err := b.key(currName)
	if err != nil {
		return err
	}
	dstKey, err := b.key(newName)
	if err != nil {
		return err
	}
	if _, err := b.client.StatObject(ctx, b.cfg.Bucket, dstKey, minio.StatObjectOptions{}); err == nil {
		return fmt.Errorf("%w: %s", backend.ErrAlreadyExists, newName)
	}
	_, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.cfg.Bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.cfg.Bucket, Object: srcKey},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s", backend.ErrNotFound, currName)
		}
		return fmt.Errorf("%w: copy %s: %v", backend.ErrBackend, currName, err)
	}
	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: remove %s: %v", backend.ErrBackend, currName, err)
	}
	return nil
}

func (b *S3) List(ctx context.Context, name string) iter.Seq2[backend.ItemInfo, error] {
	return func(yield func(backend.ItemInfo, error) bool) {
		if !b.opened {
			yield(backend.ItemInfo{}, backend.ErrMustBeOpen)
			return
		}
		if err := backend.ValidateName(name); err != nil {
			yield(backend.ItemInfo{}, err)
			return
		}
		prefix := b.base
		if name != "" {
			prefix = b.base + name + delimiter
		}
		found := false
		for obj := range b.client.ListObjects(ctx, b.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
			if obj.Err != nil {
				yield(backend.ItemInfo{}, fmt.Errorf("%w: list %s: %v", backend.ErrBackend, name, obj.Err))
				return
			}
			found = true
			rel := strings.TrimPrefix(obj.Key, prefix)
			if rel == "" {
				continue // the directory marker itself
			}
			info := backend.ItemInfo{Exists: true}
			if strings.HasSuffix(rel, delimiter) {
				info.Name = strings.TrimSuffix(rel, delimiter)
				info.Directory = true
			} else {
				info.Name = rel
				info.Size = obj.Size
			}
			if strings.HasSuffix(info.Name, backend.TmpSuffix) {
				continue
			}
			if !yield(info, nil) {
				return
			}
		}
		if !found {
			yield(backend.ItemInfo{}, fmt.Errorf("%w: %s", backend.ErrNotFound, name))
		}
	}
}
