package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/pkg/logger"
)

// BlobConfig holds the S3-compatible object storage settings.
type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// minioAPI is the subset of *minio.Client the blob store needs.
type minioAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type minioClientWrapper struct{ c *minio.Client }

func (w minioClientWrapper) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	return w.c.BucketExists(ctx, bucketName)
}

func (w minioClientWrapper) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	return w.c.MakeBucket(ctx, bucketName, opts)
}

func (w minioClientWrapper) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return w.c.PutObject(ctx, bucketName, objectName, reader, objectSize, opts)
}

func (w minioClientWrapper) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	obj, err := w.c.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (w minioClientWrapper) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return w.c.RemoveObject(ctx, bucketName, objectName, opts)
}

func (w minioClientWrapper) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return w.c.ListObjects(ctx, bucketName, opts)
}

// NewMinioClient builds a *minio.Client from configuration.
func NewMinioClient(cfg BlobConfig) (*minio.Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("blob: endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}
	return client, nil
}

// envelope wraps every stored value with its emulated expiry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt *int64          `json:"expiresAt,omitempty"`
}

// BlobStore keeps one JSON object per key under "<namespace>/<key>.json".
// Object storage has no read-and-delete primitive, so ConsumeJSON reads then
// deletes: two concurrent consumers can both see the value before the delete
// lands. Deployments that need strict single use should pick redis or database.
type BlobStore struct {
	api       minioAPI
	bucket    string
	namespace string
	now       func() time.Time
}

var _ Store = (*BlobStore)(nil)

// BlobOption customises a BlobStore.
type BlobOption func(*BlobStore)

// WithBlobClock overrides the clock used for emulated expiry.
func WithBlobClock(now func() time.Time) BlobOption {
	return func(s *BlobStore) {
		if now != nil {
			s.now = now
		}
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	return ensureBucket(ctx, minioClientWrapper{c: client}, bucket, region)
}

func ensureBucket(ctx context.Context, api minioAPI, bucket, region string) error {
	exists, err := api.BucketExists(ctx, bucket)
	if err != nil {
		return unavailable(BackendBlob, "bucket exists", err)
	}
	if exists {
		return nil
	}
	if err := api.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return unavailable(BackendBlob, "make bucket", err)
	}
	return nil
}

// NewBlobStore binds a MinIO client to bucket and namespace.
func NewBlobStore(client *minio.Client, bucket, namespace string, opts ...BlobOption) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("kv: minio client is required")
	}
	return newBlobStoreWithAPI(minioClientWrapper{c: client}, bucket, namespace, opts...)
}

func newBlobStoreWithAPI(api minioAPI, bucket, namespace string, opts ...BlobOption) (*BlobStore, error) {
	ns, err := validNamespace(namespace)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("kv: bucket is required")
	}

	store := &BlobStore{api: api, bucket: bucket, namespace: ns, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// BlobFactory returns a Factory producing stores in the same bucket.
func BlobFactory(client *minio.Client, bucket string, opts ...BlobOption) Factory {
	return func(namespace string) (Store, error) {
		return NewBlobStore(client, bucket, namespace, opts...)
	}
}

func (s *BlobStore) Namespace() string { return s.namespace }

func (s *BlobStore) Backend() string { return BackendBlob }

func (s *BlobStore) Capabilities() Capabilities {
	return Capabilities{AtomicConsume: false, NativeTTL: false}
}

func (s *BlobStore) Get(ctx context.Context, key string) (string, bool, error) {
	return getText(ctx, s, key)
}

func (s *BlobStore) Set(ctx context.Context, key, value string, opts SetOptions) error {
	return setText(ctx, s, key, value, opts)
}

func (s *BlobStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	return getJSON(ctx, s, key, dest)
}

func (s *BlobStore) SetJSON(ctx context.Context, key string, value any, opts SetOptions) error {
	return setJSON(ctx, s, key, value, opts)
}

func (s *BlobStore) ConsumeJSON(ctx context.Context, key string, dest any) (bool, error) {
	return consumeJSON(ctx, s, key, dest)
}

// Delete removes the object. S3 semantics make removing a missing object a no-op.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.remove(ctx, s.objectName(key))
}

func (s *BlobStore) Ping(ctx context.Context) error {
	if _, err := s.api.BucketExists(ctx, s.bucket); err != nil {
		return unavailable(BackendBlob, "ping", err)
	}
	return nil
}

func (s *BlobStore) objectName(key string) string {
	return s.namespace + "/" + key + ".json"
}

func (s *BlobStore) setBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	env := envelope{Value: value}
	if ttl > 0 {
		expires := s.now().Add(ttl).UnixMilli()
		env.ExpiresAt = &expires
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kv: encode envelope %q: %w", key, err)
	}

	_, err = s.api.PutObject(ctx, s.bucket, s.objectName(key), bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return unavailable(BackendBlob, "set", err)
	}
	return nil
}

func (s *BlobStore) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	env, ok, err := s.read(ctx, s.objectName(key))
	if err != nil || !ok {
		return nil, false, err
	}
	if s.expired(env) {
		if err := s.remove(ctx, s.objectName(key)); err != nil {
			logger.WithModule("kv").Debug("lazy delete of expired object failed",
				zap.String("backend", BackendBlob),
				zap.String("namespace", s.namespace),
				zap.Error(err),
			)
		}
		return nil, false, nil
	}
	return env.Value, true, nil
}

// consumeBytes reads then deletes. The value is only returned once the delete
// succeeded so a failing backend never hands out a reusable key.
func (s *BlobStore) consumeBytes(ctx context.Context, key string) ([]byte, bool, error) {
	name := s.objectName(key)
	env, ok, err := s.read(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := s.remove(ctx, name); err != nil {
		return nil, false, err
	}
	if s.expired(env) {
		return nil, false, nil
	}
	return env.Value, true, nil
}

func (s *BlobStore) read(ctx context.Context, name string) (envelope, bool, error) {
	obj, err := s.api.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return envelope{}, false, nil
		}
		return envelope{}, false, unavailable(BackendBlob, "get", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return envelope{}, false, nil
		}
		return envelope{}, false, unavailable(BackendBlob, "read", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, false, fmt.Errorf("kv: decode envelope %q: %w", name, err)
	}
	return env, true, nil
}

func (s *BlobStore) remove(ctx context.Context, name string) error {
	if err := s.api.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return unavailable(BackendBlob, "delete", err)
	}
	return nil
}

func (s *BlobStore) expired(env envelope) bool {
	return env.ExpiresAt != nil && s.now().UnixMilli() >= *env.ExpiresAt
}

// PurgeExpired walks the namespace prefix and removes expired objects.
func (s *BlobStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var purged int64
	for info := range s.api.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{Prefix: s.namespace + "/", Recursive: true}) {
		if info.Err != nil {
			return purged, unavailable(BackendBlob, "list", info.Err)
		}
		env, ok, err := s.read(ctx, info.Key)
		if errors.Is(err, ErrStoreUnavailable) {
			return purged, err
		}
		if err != nil {
			logger.WithModule("kv").Warn("skipping unreadable object", zap.String("object", info.Key), zap.Error(err))
			continue
		}
		if !ok || env.ExpiresAt == nil || now.UnixMilli() < *env.ExpiresAt {
			continue
		}
		if err := s.remove(ctx, info.Key); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
