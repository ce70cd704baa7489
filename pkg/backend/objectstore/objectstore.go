package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dmorch/pkg/backend"
	"dmorch/pkg/security"
	"dmorch/pkg/types"
)

func init() {
	backend.Register("objectstore", New)
}

// Backend is an S3-compatible object store backend.
type Backend struct {
	id         string
	endpoint   string
	useTLS     bool
	objectSize int64
	objectCnt  int

	mu       sync.Mutex
	bucketCt int // running count of batches created this process, for bucket naming
}

// New builds an objectstore Backend from cfg, satisfying backend.Factory.
func New(cfg backend.Config) (backend.Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("objectstore backend %q: missing endpoint", cfg.ID)
	}
	objSize := cfg.ObjectSize
	if objSize == 0 {
		objSize = 32 << 20 // 32MB default
	}
	return &Backend{
		id:         cfg.ID,
		endpoint:   cfg.Endpoint,
		useTLS:     cfg.UseTLS,
		objectSize: objSize,
		objectCnt:  cfg.ObjectCount,
	}, nil
}

func (b *Backend) ID() string { return b.id }

// conn wraps the minio client plus the workspace a connection was opened
// for. The destination bucket is not cached here: NewBatch only runs on
// one of a request's N pooled connections, so every method that needs the
// bucket reads it from req.TransferID instead (set by the transfer driver
// once NewBatch returns).
type conn struct {
	client    *minio.Client
	workspace string
}

func (b *Backend) client(creds security.CredentialSet) (*minio.Client, error) {
	accessKey := creds["access_key"]
	secretKey := creds["secret_key"]
	return minio.New(b.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: b.useTLS,
	})
}

func (b *Backend) Available(creds security.CredentialSet) bool {
	client, err := b.client(creds)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = client.ListBuckets(ctx)
	return err == nil
}

func (b *Backend) CreateConnection(user, workspace string, creds security.CredentialSet, mode backend.Mode) (backend.Connection, error) {
	client, err := b.client(creds)
	if err != nil {
		return nil, fmt.Errorf("objectstore connect: %w", err)
	}
	return &conn{client: client, workspace: workspace}, nil
}

func (b *Backend) CloseConnection(c backend.Connection) error {
	return nil // minio.Client holds no persistent socket to release
}

func (b *Backend) Piecewise() bool  { return true }
func (b *Backend) PackData() bool   { return false }
func (b *Backend) Synchronous() bool { return true }

func (b *Backend) NewBatch(user, workspace string, c backend.Connection) (string, error) {
	oc, ok := c.(*conn)
	if !ok {
		return "", fmt.Errorf("objectstore: wrong connection type")
	}
	b.mu.Lock()
	b.bucketCt++
	n := b.bucketCt
	b.mu.Unlock()

	bucket := fmt.Sprintf("gws-%s-%010d", workspace, n)
	ctx := context.Background()
	exists, err := oc.client.BucketExists(ctx, bucket)
	if err != nil {
		return "", fmt.Errorf("objectstore bucket exists check: %w", err)
	}
	if !exists {
		if err := oc.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("objectstore make bucket: %w", err)
		}
	}
	return bucket, nil
}

func (b *Backend) UploadFiles(c backend.Connection, req *types.MigrationRequest, prefix string, files []backend.FileRef) (int, error) {
	oc, ok := c.(*conn)
	if !ok {
		return 0, fmt.Errorf("objectstore: wrong connection type")
	}
	ctx := context.Background()
	count := 0
	for _, f := range files {
		key := filepath.Join(prefix, f.ArcName)
		if _, err := oc.client.FPutObject(ctx, req.TransferID, key, f.Path, minio.PutObjectOptions{}); err != nil {
			return count, fmt.Errorf("objectstore upload %s: %w", f.ArcName, err)
		}
		count++
	}
	return count, nil
}

func (b *Backend) DownloadFiles(c backend.Connection, req *types.MigrationRequest, files []backend.FileRef, targetDir string) (int, error) {
	oc, ok := c.(*conn)
	if !ok {
		return 0, fmt.Errorf("objectstore: wrong connection type")
	}
	ctx := context.Background()
	count := 0
	for _, f := range files {
		dest := filepath.Join(targetDir, f.ArcName)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return count, fmt.Errorf("objectstore mkdir for %s: %w", f.ArcName, err)
		}
		if err := oc.client.FGetObject(ctx, req.TransferID, f.ArcName, dest, minio.GetObjectOptions{}); err != nil {
			return count, fmt.Errorf("objectstore download %s: %w", f.ArcName, err)
		}
		count++
	}
	return count, nil
}

func (b *Backend) DeleteBatch(c backend.Connection, req *types.MigrationRequest, batchID string) error {
	oc, ok := c.(*conn)
	if !ok {
		return fmt.Errorf("objectstore: wrong connection type")
	}
	ctx := context.Background()
	objectCh := oc.client.ListObjects(ctx, batchID, minio.ListObjectsOptions{Recursive: true})
	for obj := range objectCh {
		if obj.Err != nil {
			return fmt.Errorf("objectstore list for delete: %w", obj.Err)
		}
		if err := oc.client.RemoveObject(ctx, batchID, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("objectstore remove object %s: %w", obj.Key, err)
		}
	}
	return oc.client.RemoveBucket(ctx, batchID)
}

// Monitor is a no-op for object store: PutObject/GetObject are synchronous,
// so the Transfer daemon already knows completion when UploadFiles returns.
func (b *Backend) Monitor() (backend.MonitorResult, error) {
	return backend.MonitorResult{}, nil
}

func (b *Backend) UserHasPutPermission(c backend.Connection) bool          { return true }
func (b *Backend) UserHasGetPermission(string, backend.Connection) bool    { return true }
func (b *Backend) UserHasDeletePermission(string, backend.Connection) bool { return true }
func (b *Backend) UserHasPutQuota(c backend.Connection) bool               { return true }

func (b *Backend) MinimumObjectSize() int64 { return b.objectSize }
func (b *Backend) MaximumObjectCount() int  { return b.objectCnt }
func (b *Backend) RequiredCredentials() []string {
	return []string{"access_key", "secret_key"}
}
