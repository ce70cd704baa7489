package manager

import (
	"os"
	"path/filepath"
	"testing"

	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, "test"), store
}

func TestTransitionRefusesSkippedStage(t *testing.T) {
	mgr, _ := newTestManager(t)

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "objectstore", t.TempDir())
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	req, err := mgr.CreateRequest("alice", types.RequestPUT, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	if err := mgr.Transition(req, types.Putting); err == nil {
		t.Error("Transition(PUT_START -> PUTTING) accepted a skipped stage")
	}
	if err := mgr.Transition(req, types.PutBuilding); err != nil {
		t.Errorf("Transition(PUT_START -> PUT_BUILDING) refused: %v", err)
	}
	if err := mgr.Transition(req, types.PutStart); err == nil {
		t.Error("Transition backwards accepted")
	}
	if err := mgr.Transition(req, types.Failed); err != nil {
		t.Errorf("Transition to FAILED refused: %v", err)
	}
}

func TestTransitionRefusesCrossTrack(t *testing.T) {
	mgr, _ := newTestManager(t)

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "objectstore", t.TempDir())
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	req, err := mgr.CreateRequest("alice", types.RequestGET, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	if err := mgr.Transition(req, types.PutBuilding); err == nil {
		t.Error("GET request transitioned onto the PUT track")
	}
}

func TestMarkFailedRestoresOwnershipAndFailsMigration(t *testing.T) {
	mgr, store := newTestManager(t)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("data"), 0640); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "objectstore", root)
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	mig.OriginalMode = info.Mode()
	mig.OriginalUID = os.Getuid()
	mig.OriginalGID = os.Getgid()
	if err := store.UpdateMigration(mig); err != nil {
		t.Fatalf("UpdateMigration() error = %v", err)
	}

	req, err := mgr.CreateRequest("alice", types.RequestPUT, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if _, ok, err := mgr.Claim(req.ID, types.PutStart); err != nil || !ok {
		t.Fatalf("Claim() = %v, %v", ok, err)
	}

	// write-protect the tree the way the Lock daemon does, then fail
	if err := os.Chmod(root, info.Mode().Perm()&^0222); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if err := mgr.MarkFailed(req, "source walk failed: boom", root); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	gotReq, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if gotReq.Stage != types.Failed {
		t.Errorf("request stage = %s, want FAILED", gotReq.Stage)
	}
	if gotReq.Locked {
		t.Error("request still locked after MarkFailed")
	}
	if gotReq.FailureReason != "source walk failed: boom" {
		t.Errorf("FailureReason = %q", gotReq.FailureReason)
	}

	gotMig, err := store.GetMigration(mig.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if gotMig.Stage != types.MigrationFailed {
		t.Errorf("migration stage = %s, want FAILED", gotMig.Stage)
	}

	restored, err := os.Stat(root)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if restored.Mode().Perm()&0200 == 0 {
		t.Errorf("source mode = %v, write bit not restored", restored.Mode())
	}
}

func TestMarkFailedLeavesMigrationOnGet(t *testing.T) {
	mgr, store := newTestManager(t)

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "objectstore", t.TempDir())
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	mig.Stage = types.MigrationOnStorage
	if err := store.UpdateMigration(mig); err != nil {
		t.Fatalf("UpdateMigration() error = %v", err)
	}

	req, err := mgr.CreateRequest("alice", types.RequestGET, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if err := mgr.MarkFailed(req, "missing file", ""); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	gotMig, err := store.GetMigration(mig.ID)
	if err != nil {
		t.Fatalf("GetMigration() error = %v", err)
	}
	if gotMig.Stage != types.MigrationOnStorage {
		t.Errorf("migration stage = %s, want ON_STORAGE untouched", gotMig.Stage)
	}
}

func TestCreateMigrationRefusesDuplicatePath(t *testing.T) {
	mgr, _ := newTestManager(t)

	root := t.TempDir()
	if _, err := mgr.CreateMigration("alice", "ws1", "batch-1", "objectstore", root); err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}
	if _, err := mgr.CreateMigration("bob", "ws1", "batch-2", "objectstore", root); err == nil {
		t.Error("CreateMigration() accepted a duplicate source path")
	}
}

func TestQuotaBookkeeping(t *testing.T) {
	mgr, _ := newTestManager(t)

	q, err := mgr.EnsureQuota("ws1", "objectstore", 100)
	if err != nil {
		t.Fatalf("EnsureQuota() error = %v", err)
	}
	if q.UsedBytes != 0 || q.TotalBytes != 100 {
		t.Fatalf("fresh quota = %+v", q)
	}

	if err := mgr.AddQuotaUsage("ws1", "objectstore", 60); err != nil {
		t.Fatalf("AddQuotaUsage() error = %v", err)
	}
	if err := mgr.AddQuotaUsage("ws1", "objectstore", -200); err != nil {
		t.Fatalf("AddQuotaUsage() error = %v", err)
	}

	q, err = mgr.EnsureQuota("ws1", "objectstore", 100)
	if err != nil {
		t.Fatalf("EnsureQuota() error = %v", err)
	}
	if q.UsedBytes != 0 {
		t.Errorf("UsedBytes = %d, want clamped to 0", q.UsedBytes)
	}
}
