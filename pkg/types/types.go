package types

import (
	"os"
	"time"
)

// User is a registered user of the migration orchestrator.
type User struct {
	Name   string // unique
	Email  string
	Notify bool
}

// Groupworkspace is a shared directory root with its own quota and
// membership list.
type Groupworkspace struct {
	Workspace  string // unique
	PathPrefix string
	Managers   []string
	Members    []string
}

// StorageQuota tracks byte usage for one (workspace, storage-kind) pair.
type StorageQuota struct {
	Workspace   string
	StorageKind string
	TotalBytes  int64
	UsedBytes   int64
}

// Exceeded reports whether the quota has no room left.
func (q *StorageQuota) Exceeded() bool {
	return q.UsedBytes >= q.TotalBytes
}

// MigrationStage is the coarse lifecycle position of a Migration, tracked
// independently of the finer-grained MigrationRequest.Stage.
type MigrationStage int

const (
	MigrationOnDisk MigrationStage = iota
	MigrationPutting
	MigrationOnStorage
	MigrationFailed
	MigrationDeleting
	MigrationDeleted
)

func (s MigrationStage) String() string {
	switch s {
	case MigrationOnDisk:
		return "ON_DISK"
	case MigrationPutting:
		return "PUTTING"
	case MigrationOnStorage:
		return "ON_STORAGE"
	case MigrationFailed:
		return "FAILED"
	case MigrationDeleting:
		return "DELETING"
	case MigrationDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Migration is a persistent record of one batch on external storage.
type Migration struct {
	ID           string
	User         string
	Workspace    string
	Label        string
	StorageKind  string
	ExternalID   string // backend-assigned, empty until the first successful upload call
	RegisteredAt time.Time
	Stage        MigrationStage
	CommonPath   string

	OriginalUID  int
	OriginalGID  int
	OriginalMode os.FileMode

	FailureReason string

	ArchiveIDs []string // ordinal order
}

// DigestFormatAdler32 names the only digest algorithm the planner and
// packer produce; it exists as a constant so callers can't typo the string.
const DigestFormatAdler32 = "ADLER32"

// MigrationArchive is a unit of transfer: a group of files satisfying a
// backend's minimum-object-size constraint, optionally packed into a tar.
type MigrationArchive struct {
	ID          string
	MigrationID string
	Ordinal     int
	Packed      bool
	Digest      string
	DigestFmt   string
	Size        int64
	TarName     string

	FileIDs []string // db order (pk-ascending at creation time)
}

// FileType classifies a MigrationFile entry.
type FileType string

const (
	FileTypeFile         FileType = "FILE"
	FileTypeDir          FileType = "DIR"
	FileTypeLinkAbsolute FileType = "LINK-absolute"
	FileTypeLinkCommon   FileType = "LINK-common"
)

// MigrationFile is one filesystem entry belonging to an archive.
type MigrationFile struct {
	ID        string
	ArchiveID string

	RelPath    string // relative to migration.CommonPath
	Size       int64
	Digest     string
	DigestFmt  string
	Type       FileType
	LinkTarget string

	UID  int
	GID  int
	Mode os.FileMode
}

// RequestType is the operation a MigrationRequest performs.
type RequestType string

const (
	RequestPUT     RequestType = "PUT"
	RequestGET     RequestType = "GET"
	RequestMIGRATE RequestType = "MIGRATE"
	RequestDELETE  RequestType = "DELETE"
)

// Stage is the fine-grained position of a MigrationRequest within its
// track. The four tracks (PUT/MIGRATE, GET, DELETE, terminal FAILED) share
// one numbering space so a request's stage is always unambiguous.
type Stage int

const (
	PutStart Stage = iota
	PutBuilding
	PutPending
	PutPacking
	Putting
	VerifyPending
	VerifyGetting
	Verifying
	PutTidy
	PutCompleted

	GetStart
	GetPending
	Getting
	GetUnpacking
	GetRestore
	GetTidy
	GetCompleted

	DeleteStart
	DeletePending
	Deleting
	DeleteTidy
	DeleteCompleted

	Failed
	FailedCompleted
)

var stageNames = map[Stage]string{
	PutStart:      "PUT_START",
	PutBuilding:   "PUT_BUILDING",
	PutPending:    "PUT_PENDING",
	PutPacking:    "PUT_PACKING",
	Putting:       "PUTTING",
	VerifyPending: "VERIFY_PENDING",
	VerifyGetting: "VERIFY_GETTING",
	Verifying:     "VERIFYING",
	PutTidy:       "PUT_TIDY",
	PutCompleted:  "PUT_COMPLETED",

	GetStart:     "GET_START",
	GetPending:   "GET_PENDING",
	Getting:      "GETTING",
	GetUnpacking: "GET_UNPACKING",
	GetRestore:   "GET_RESTORE",
	GetTidy:      "GET_TIDY",
	GetCompleted: "GET_COMPLETED",

	DeleteStart:     "DELETE_START",
	DeletePending:   "DELETE_PENDING",
	Deleting:        "DELETING",
	DeleteTidy:      "DELETE_TIDY",
	DeleteCompleted: "DELETE_COMPLETED",

	Failed:          "FAILED",
	FailedCompleted: "FAILED_COMPLETED",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// StageByName is the inverse of Stage.String, used by the admin unlock tool
// which takes a stage name on the command line.
func StageByName(name string) (Stage, bool) {
	for s, n := range stageNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// putTrack and friends record which stages belong to which track, so the
// transition engine can refuse an out-of-track advance.
var putTrack = []Stage{PutStart, PutBuilding, PutPending, PutPacking, Putting,
	VerifyPending, VerifyGetting, Verifying, PutTidy, PutCompleted}
var getTrack = []Stage{GetStart, GetPending, Getting, GetUnpacking, GetRestore,
	GetTidy, GetCompleted}
var deleteTrack = []Stage{DeleteStart, DeletePending, Deleting, DeleteTidy, DeleteCompleted}

func trackFor(t RequestType) []Stage {
	switch t {
	case RequestPUT, RequestMIGRATE:
		return putTrack
	case RequestGET:
		return getTrack
	case RequestDELETE:
		return deleteTrack
	default:
		return nil
	}
}

// IsMonotone reports whether advancing from `from` to `to` for a request of
// type t is a legal forward step (or a move into the terminal Failed/
// FailedCompleted stages, which are reachable from anywhere).
func IsMonotone(t RequestType, from, to Stage) bool {
	if to == Failed || to == FailedCompleted {
		return from != FailedCompleted
	}
	track := trackFor(t)
	fromIdx, toIdx := -1, -1
	for i, s := range track {
		if s == from {
			fromIdx = i
		}
		if s == to {
			toIdx = i
		}
	}
	if fromIdx == -1 || toIdx == -1 {
		return false
	}
	return toIdx == fromIdx+1
}

// MigrationRequest is an operation to perform on a Migration.
type MigrationRequest struct {
	ID          string
	User        string
	Type        RequestType
	MigrationID string
	Stage       Stage

	RegisteredAt time.Time
	TargetPath   string   // GET only
	FileList     []string // subset to fetch or delete, relative to common path

	SealedCredentials string
	TransferID        string // backend transfer/batch id for this request's in-flight operation
	LastArchive       int    // resumption counter

	FailureReason string
	Locked        bool

	// LastTransitionAt is bumped on every stage change and claim; the
	// Monitor daemon flags a request as stuck when this is far enough in
	// the past for its current stage.
	LastTransitionAt time.Time
}
