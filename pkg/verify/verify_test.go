package verify

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"dmorch/pkg/digest"
	"dmorch/pkg/manager"
	"dmorch/pkg/staging"
	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

type fixture struct {
	mgr     *manager.Manager
	store   storage.Store
	staging *staging.Manager
	v       *Verifier
	mig     *types.Migration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	mgr := manager.New(store, "test")

	stagingMgr, err := staging.NewManager(filepath.Join(t.TempDir(), "staging"), filepath.Join(t.TempDir(), "verify"))
	if err != nil {
		t.Fatalf("staging.NewManager() error = %v", err)
	}

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "rec", t.TempDir())
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	mig.ExternalID = "ext-1"
	mig.OriginalUID = os.Getuid()
	mig.OriginalGID = os.Getgid()
	mig.OriginalMode = 0755
	if err := store.UpdateMigration(mig); err != nil {
		t.Fatalf("UpdateMigration() error = %v", err)
	}

	return &fixture{
		mgr:     mgr,
		store:   store,
		staging: stagingMgr,
		v:       New(mgr, stagingMgr, nil),
		mig:     mig,
	}
}

// seedArchive records one unpacked archive with a single FILE entry whose
// digest matches content.
func (fx *fixture) seedArchive(t *testing.T, relPath string, content []byte) {
	t.Helper()
	sum, err := digest.File(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("digest.File() error = %v", err)
	}
	a := &types.MigrationArchive{ID: "a-" + relPath, MigrationID: fx.mig.ID, Size: int64(len(content))}
	if err := fx.store.CreateArchive(a); err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	f := &types.MigrationFile{
		ID: "f-" + relPath, ArchiveID: a.ID, RelPath: relPath,
		Size: int64(len(content)), Digest: sum, DigestFmt: types.DigestFormatAdler32,
		Type: types.FileTypeFile, Mode: 0644,
	}
	if err := fx.store.CreateFile(f); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
}

func (fx *fixture) newRequest(t *testing.T, reqType types.RequestType, stage types.Stage) *types.MigrationRequest {
	t.Helper()
	req, err := fx.mgr.CreateRequest("alice", reqType, fx.mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	req.Stage = stage
	if err := fx.store.UpdateRequest(req); err != nil {
		t.Fatalf("UpdateRequest() error = %v", err)
	}
	return req
}

func TestVerifyPassesOnMatchingDownload(t *testing.T) {
	fx := newFixture(t)
	content := []byte("hello verify")
	fx.seedArchive(t, "a.txt", content)

	verifyDir, err := fx.staging.VerifyDir("rec", "ext-1")
	if err != nil {
		t.Fatalf("VerifyDir() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(verifyDir, "a.txt"), content, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestPUT, types.Verifying)
	if err := fx.v.Verify(req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.PutTidy {
		t.Errorf("request stage = %s, want PUT_TIDY", got.Stage)
	}
}

func TestVerifyFailsOnDigestMismatch(t *testing.T) {
	fx := newFixture(t)
	fx.seedArchive(t, "a.txt", []byte("original data"))

	verifyDir, err := fx.staging.VerifyDir("rec", "ext-1")
	if err != nil {
		t.Fatalf("VerifyDir() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(verifyDir, "a.txt"), []byte("corrupted dat"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestPUT, types.Verifying)
	if err := fx.v.Verify(req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.Failed {
		t.Errorf("request stage = %s, want FAILED", got.Stage)
	}
	if !strings.Contains(got.FailureReason, "digest mismatch") {
		t.Errorf("FailureReason = %q, want digest mismatch", got.FailureReason)
	}
	// the migration record must survive a verify failure so the source
	// remains recoverable
	if _, err := fx.store.GetMigration(fx.mig.ID); err != nil {
		t.Errorf("migration removed on verify failure: %v", err)
	}
}

func TestVerifyFailsOnMissingFile(t *testing.T) {
	fx := newFixture(t)
	fx.seedArchive(t, "a.txt", []byte("data"))

	if _, err := fx.staging.VerifyDir("rec", "ext-1"); err != nil {
		t.Fatalf("VerifyDir() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestPUT, types.Verifying)
	if err := fx.v.Verify(req); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.Failed {
		t.Errorf("request stage = %s, want FAILED", got.Stage)
	}
}

func TestRestoreGetRebuildsMetadata(t *testing.T) {
	fx := newFixture(t)

	a := &types.MigrationArchive{ID: "a1", MigrationID: fx.mig.ID}
	if err := fx.store.CreateArchive(a); err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	entries := []*types.MigrationFile{
		{ID: "f1", ArchiveID: "a1", RelPath: "sub", Type: types.FileTypeDir, Mode: 0750},
		{ID: "f2", ArchiveID: "a1", RelPath: "sub/data.txt", Type: types.FileTypeFile, Size: 4, Mode: 0600},
		{ID: "f3", ArchiveID: "a1", RelPath: "link.txt", Type: types.FileTypeLinkCommon, LinkTarget: "sub/data.txt", Mode: 0777},
	}
	for _, f := range entries {
		if err := fx.store.CreateFile(f); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
	}

	target := t.TempDir()
	// the download already wrote the regular file's bytes
	if err := os.MkdirAll(filepath.Join(target, "sub"), 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(target, "sub", "data.txt"), []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestGET, types.GetRestore)
	req.TargetPath = target
	if err := fx.store.UpdateRequest(req); err != nil {
		t.Fatalf("UpdateRequest() error = %v", err)
	}

	if err := fx.v.RestoreGet(req); err != nil {
		t.Fatalf("RestoreGet() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(target, "sub", "data.txt"))
	if err != nil {
		t.Fatalf("Stat(data.txt) error = %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("data.txt mode = %v, want 0600", info.Mode().Perm())
	}

	dirInfo, err := os.Stat(filepath.Join(target, "sub"))
	if err != nil {
		t.Fatalf("Stat(sub) error = %v", err)
	}
	if dirInfo.Mode().Perm()&0111 == 0 {
		t.Errorf("sub mode = %v, restored directory must stay traversable", dirInfo.Mode().Perm())
	}

	linkTarget, err := os.Readlink(filepath.Join(target, "link.txt"))
	if err != nil {
		t.Fatalf("Readlink() error = %v", err)
	}
	if linkTarget != "sub/data.txt" {
		t.Errorf("link target = %q, want sub/data.txt", linkTarget)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.GetTidy {
		t.Errorf("request stage = %s, want GET_TIDY", got.Stage)
	}
}

func TestTidyPutRemovesScratchAndCompletes(t *testing.T) {
	fx := newFixture(t)

	stagingDir, err := fx.staging.StagingDir(fx.mig.ID)
	if err != nil {
		t.Fatalf("StagingDir() error = %v", err)
	}
	verifyDir, err := fx.staging.VerifyDir("rec", "ext-1")
	if err != nil {
		t.Fatalf("VerifyDir() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestPUT, types.PutTidy)
	if err := fx.v.TidyPut(req); err != nil {
		t.Fatalf("TidyPut() error = %v", err)
	}

	for _, dir := range []string{stagingDir, verifyDir} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Errorf("scratch dir %s survived tidy", dir)
		}
	}

	mig, err := fx.store.GetMigration(fx.mig.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if mig.Stage != types.MigrationOnStorage {
		t.Errorf("migration stage = %s, want ON_STORAGE", mig.Stage)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.PutCompleted {
		t.Errorf("request stage = %s, want PUT_COMPLETED", got.Stage)
	}
}

func TestTidyMigrateRemovesSource(t *testing.T) {
	fx := newFixture(t)

	source := fx.mig.CommonPath
	if err := os.WriteFile(filepath.Join(source, "a.txt"), []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	req := fx.newRequest(t, types.RequestMIGRATE, types.PutTidy)
	if err := fx.v.TidyPut(req); err != nil {
		t.Fatalf("TidyPut() error = %v", err)
	}

	if _, err := os.Stat(source); !os.IsNotExist(err) {
		t.Errorf("migrated source %s still exists", source)
	}
}

func TestTidyDeleteDestroysRecords(t *testing.T) {
	fx := newFixture(t)
	fx.seedArchive(t, "a.txt", []byte("data"))

	req := fx.newRequest(t, types.RequestDELETE, types.DeleteTidy)
	if err := fx.v.TidyDelete(req); err != nil {
		t.Fatalf("TidyDelete() error = %v", err)
	}

	archives, err := fx.store.ListArchivesByMigration(fx.mig.ID)
	if err != nil {
		t.Fatalf("ListArchivesByMigration() error = %v", err)
	}
	if len(archives) != 0 {
		t.Errorf("%d archive rows survived delete", len(archives))
	}

	mig, err := fx.store.GetMigration(fx.mig.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if mig.Stage != types.MigrationDeleted {
		t.Errorf("migration stage = %s, want DELETED", mig.Stage)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.DeleteCompleted {
		t.Errorf("request stage = %s, want DELETE_COMPLETED", got.Stage)
	}
}

func TestTidyFailedAcknowledges(t *testing.T) {
	fx := newFixture(t)

	req := fx.newRequest(t, types.RequestPUT, types.Failed)
	req.FailureReason = "quota exceeded"
	if err := fx.store.UpdateRequest(req); err != nil {
		t.Fatalf("UpdateRequest() error = %v", err)
	}

	if err := fx.v.TidyFailed(req); err != nil {
		t.Fatalf("TidyFailed() error = %v", err)
	}

	got, err := fx.store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if got.Stage != types.FailedCompleted {
		t.Errorf("request stage = %s, want FAILED_COMPLETED", got.Stage)
	}
}
