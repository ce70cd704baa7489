package pack

import (
	"os"
	"path/filepath"
	"testing"

	"dmorch/pkg/manager"
	"dmorch/pkg/staging"
	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPackThenUnpackRoundTrip(t *testing.T) {
	store := newTestStore(t)
	mgr := manager.New(store, "test")

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	mig, err := mgr.CreateMigration("alice", "ws1", "batch-1", "tape", root)
	if err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	archive := &types.MigrationArchive{ID: mig.ID + "-arc-0", MigrationID: mig.ID, Ordinal: 0}
	if err := store.CreateArchive(archive); err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	file := &types.MigrationFile{
		ID: archive.ID + "-file-0", ArchiveID: archive.ID,
		RelPath: "a.txt", Size: 5, Type: types.FileTypeFile, Mode: 0644,
	}
	if err := store.CreateFile(file); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	mig.ArchiveIDs = []string{archive.ID}
	if err := store.UpdateMigration(mig); err != nil {
		t.Fatalf("UpdateMigration() error = %v", err)
	}

	req, err := mgr.CreateRequest("alice", types.RequestPUT, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	req.Stage = types.PutPacking
	if err := store.UpdateRequest(req); err != nil {
		t.Fatalf("UpdateRequest() error = %v", err)
	}

	stagingMgr, err := staging.NewManager(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("staging.NewManager() error = %v", err)
	}
	packer := New(mgr, stagingMgr, 2)

	if err := packer.Pack(req); err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	packedArchive, err := store.GetArchive(archive.ID)
	if err != nil {
		t.Fatalf("GetArchive() error = %v", err)
	}
	if !packedArchive.Packed || packedArchive.Digest == "" {
		t.Fatalf("archive not packed: %+v", packedArchive)
	}

	reloaded, err := store.GetRequest(req.ID)
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if reloaded.Stage != types.Putting {
		t.Fatalf("request stage = %s, want PUTTING", reloaded.Stage)
	}

	getReq, err := mgr.CreateRequest("alice", types.RequestGET, mig.ID)
	if err != nil {
		t.Fatalf("CreateRequest(GET) error = %v", err)
	}
	getReq.Stage = types.GetUnpacking
	if err := store.UpdateRequest(getReq); err != nil {
		t.Fatalf("UpdateRequest() error = %v", err)
	}

	stagingDir, err := stagingMgr.StagingDir(mig.ID)
	if err != nil {
		t.Fatalf("StagingDir() error = %v", err)
	}
	targetDir := t.TempDir()
	if err := packer.Unpack(getReq, stagingDir, targetDir); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(targetDir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("extracted content = %q, want %q", got, "hello")
	}
}
