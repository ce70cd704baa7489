package storage

import "dmorch/pkg/types"

// Store defines the interface for request-store persistence. BoltStore is
// the only implementation; the interface exists so daemons and managers can
// be tested against an in-memory fake without a filesystem.
type Store interface {
	// Users
	CreateUser(user *types.User) error
	GetUser(name string) (*types.User, error)
	ListUsers() ([]*types.User, error)

	// Groupworkspaces
	CreateGroupworkspace(ws *types.Groupworkspace) error
	GetGroupworkspace(name string) (*types.Groupworkspace, error)
	ListGroupworkspaces() ([]*types.Groupworkspace, error)

	// Storage quotas
	PutStorageQuota(q *types.StorageQuota) error
	GetStorageQuota(workspace, storageKind string) (*types.StorageQuota, error)
	ListStorageQuotas() ([]*types.StorageQuota, error)

	// Migrations
	CreateMigration(m *types.Migration) error
	GetMigration(id string) (*types.Migration, error)
	GetMigrationByOriginalPath(originalPath string) (*types.Migration, error)
	ListMigrations() ([]*types.Migration, error)
	UpdateMigration(m *types.Migration) error
	DeleteMigration(id string) error

	// Archives
	CreateArchive(a *types.MigrationArchive) error
	GetArchive(id string) (*types.MigrationArchive, error)
	ListArchivesByMigration(migrationID string) ([]*types.MigrationArchive, error)
	UpdateArchive(a *types.MigrationArchive) error
	DeleteArchive(id string) error

	// Files
	CreateFile(f *types.MigrationFile) error
	GetFile(id string) (*types.MigrationFile, error)
	ListFilesByArchive(archiveID string) ([]*types.MigrationFile, error)
	DeleteFile(id string) error

	// Requests
	CreateRequest(r *types.MigrationRequest) error
	GetRequest(id string) (*types.MigrationRequest, error)
	ListRequests() ([]*types.MigrationRequest, error)
	ListRequestsByStage(reqType types.RequestType, stage types.Stage) ([]*types.MigrationRequest, error)
	UpdateRequest(r *types.MigrationRequest) error
	DeleteRequest(id string) error

	// ClaimRequest performs the conditional update locked=false->locked=true
	// that is the sole critical section of the whole system. It returns
	// (request, true) if the caller won the claim, or (nil, false) if the
	// request was already locked, didn't exist, or wasn't in wantStage.
	ClaimRequest(id string, wantStage types.Stage) (*types.MigrationRequest, bool, error)

	// ReleaseRequest unconditionally sets locked=false. It is the only way
	// to yield a request back to the pool of claimable work.
	ReleaseRequest(id string) error

	Close() error
}

// ErrNotFound is returned by Get* methods when the row doesn't exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
