package backend

import (
	"fmt"
	"sync"

	"dmorch/pkg/security"
	"dmorch/pkg/types"
)

// Mode is the purpose a connection is opened for. It is passed to every
// CreateConnection call and is part of the pool key; the FTP backend opens
// the same kind of connection whatever the mode.
type Mode string

const (
	ModeUpload   Mode = "upload"
	ModeDownload Mode = "download"
	ModeDelete   Mode = "delete"
)

// Connection is an opaque backend-specific handle; only the backend that
// created it knows what's inside.
type Connection interface{}

// FileRef is one file to transfer: Path is its location on the staging
// or source filesystem, ArcName is the path to store/report it under on
// the backend (relative to the migration's common path, or the tar
// member name when packed).
type FileRef struct {
	Path    string
	ArcName string
	Size    int64
}

// MonitorResult is the three-tuple monitor contract: lists of
// external ids (for puts/deletes) or request ids (for gets) whose
// asynchronous operation has completed since the last poll.
type MonitorResult struct {
	CompletedPuts    []string
	CompletedGets    []string
	CompletedDeletes []string
}

// Backend is the contract every storage backend implements. The Transfer
// daemon talks only to this interface, never to a concrete backend type.
type Backend interface {
	ID() string

	// Available reports whether the backend is currently reachable with
	// the given credentials, without performing any transfer.
	Available(creds security.CredentialSet) bool

	CreateConnection(user, workspace string, creds security.CredentialSet, mode Mode) (Connection, error)
	CloseConnection(conn Connection) error

	// Piecewise reports whether archives transfer individually (true) or
	// only as a whole batch (false, e.g. tape).
	Piecewise() bool
	// PackData reports whether archives must be tarred before upload.
	PackData() bool
	// Synchronous reports whether UploadFiles/DownloadFiles/DeleteBatch
	// fully complete before returning. The Transfer daemon advances a
	// synchronous backend's request straight past its in-flight stage;
	// for an asynchronous backend (tape) it stops at in-flight and leaves
	// Monitor to detect completion via Monitor().
	Synchronous() bool

	// NewBatch registers a new external batch for a migration that has
	// none yet, returning the backend-assigned external id.
	NewBatch(user, workspace string, conn Connection) (string, error)

	UploadFiles(conn Connection, req *types.MigrationRequest, prefix string, files []FileRef) (int, error)
	DownloadFiles(conn Connection, req *types.MigrationRequest, files []FileRef, targetDir string) (int, error)
	DeleteBatch(conn Connection, req *types.MigrationRequest, batchID string) error

	Monitor() (MonitorResult, error)

	UserHasPutPermission(conn Connection) bool
	UserHasGetPermission(batchID string, conn Connection) bool
	UserHasDeletePermission(batchID string, conn Connection) bool
	UserHasPutQuota(conn Connection) bool

	MinimumObjectSize() int64
	MaximumObjectCount() int
	RequiredCredentials() []string
}

// Config is the per-backend options block from the JSON config file
// file. Concrete backends pull only the fields they need.
type Config struct {
	ID                string
	VerifyDir         string
	ArchiveStagingDir string
	Endpoint          string // FTP_ENDPOINT / S3_ENDPOINT / PUT_HOST / GET_HOST
	Port              int
	ObjectSize        int64
	ObjectCount       int
	Threads           int
	UseTLS            bool
	Bucket            string // object store only
}

// Factory builds a Backend from its config.
type Factory func(cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under kind (e.g. "objectstore", "ftp",
// "tape"). Concrete backend packages call this from an init().
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// New builds a Backend of the given kind from cfg.
func New(kind string, cfg Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
	return factory(cfg)
}
