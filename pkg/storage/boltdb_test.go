package storage

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dmorch/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedRequest(t *testing.T, store *BoltStore, id string, stage types.Stage) *types.MigrationRequest {
	t.Helper()
	req := &types.MigrationRequest{
		ID:               id,
		User:             "alice",
		Type:             types.RequestPUT,
		MigrationID:      "m1",
		Stage:            stage,
		RegisteredAt:     time.Now(),
		LastTransitionAt: time.Now(),
	}
	if err := store.CreateRequest(req); err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return req
}

func TestClaimRequestExactlyOneWinner(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "r1", types.PutPending)

	const contenders = 10
	var won int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ClaimRequest("r1", types.PutPending)
			if err != nil {
				t.Errorf("ClaimRequest() error = %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&won, 1)
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("%d contenders won the claim, want exactly 1", won)
	}

	got, err := store.GetRequest("r1")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if !got.Locked {
		t.Error("request not locked after winning claim")
	}
}

func TestClaimRequestRefusesWrongStage(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "r1", types.PutPending)

	if _, ok, err := store.ClaimRequest("r1", types.Getting); err != nil || ok {
		t.Fatalf("ClaimRequest(wrong stage) = %v, %v; want refusal", ok, err)
	}
}

func TestClaimRequestAfterRelease(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "r1", types.PutPending)

	if _, ok, _ := store.ClaimRequest("r1", types.PutPending); !ok {
		t.Fatal("first claim refused")
	}
	if _, ok, _ := store.ClaimRequest("r1", types.PutPending); ok {
		t.Fatal("second claim succeeded while locked")
	}
	if err := store.ReleaseRequest("r1"); err != nil {
		t.Fatalf("ReleaseRequest() error = %v", err)
	}
	if _, ok, _ := store.ClaimRequest("r1", types.PutPending); !ok {
		t.Fatal("claim after release refused")
	}
}

func TestClaimRequestUnknownID(t *testing.T) {
	store := newTestStore(t)
	if _, ok, err := store.ClaimRequest("nope", types.PutPending); err != nil || ok {
		t.Fatalf("ClaimRequest(unknown) = %v, %v; want quiet refusal", ok, err)
	}
}

func TestMigrationOriginalPathUniqueness(t *testing.T) {
	store := newTestStore(t)

	m := &types.Migration{ID: "m1", User: "alice", Workspace: "ws1", CommonPath: "/ws/u1/data"}
	if err := store.CreateMigration(m); err != nil {
		t.Fatalf("CreateMigration() error = %v", err)
	}

	got, err := store.GetMigrationByOriginalPath("/ws/u1/data")
	if err != nil {
		t.Fatalf("GetMigrationByOriginalPath() error = %v", err)
	}
	if got.ID != "m1" {
		t.Errorf("GetMigrationByOriginalPath() = %s, want m1", got.ID)
	}

	if _, err := store.GetMigrationByOriginalPath("/ws/u1/other"); err != ErrNotFound {
		t.Errorf("unknown path error = %v, want ErrNotFound", err)
	}
}

func TestListRequestsByStage(t *testing.T) {
	store := newTestStore(t)
	seedRequest(t, store, "r1", types.PutPending)
	seedRequest(t, store, "r2", types.PutPending)
	seedRequest(t, store, "r3", types.Getting)

	got, err := store.ListRequestsByStage(types.RequestPUT, types.PutPending)
	if err != nil {
		t.Fatalf("ListRequestsByStage() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d requests at PUT_PENDING, want 2", len(got))
	}
}

func TestArchiveAndFileRoundTrip(t *testing.T) {
	store := newTestStore(t)

	a := &types.MigrationArchive{ID: "a1", MigrationID: "m1", Ordinal: 0, Size: 15}
	if err := store.CreateArchive(a); err != nil {
		t.Fatalf("CreateArchive() error = %v", err)
	}
	for _, id := range []string{"f1", "f2"} {
		f := &types.MigrationFile{ID: id, ArchiveID: "a1", RelPath: id + ".txt", Size: 5, Type: types.FileTypeFile}
		if err := store.CreateFile(f); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}
	}

	files, err := store.ListFilesByArchive("a1")
	if err != nil {
		t.Fatalf("ListFilesByArchive() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}

	archives, err := store.ListArchivesByMigration("m1")
	if err != nil {
		t.Fatalf("ListArchivesByMigration() error = %v", err)
	}
	if len(archives) != 1 || archives[0].Size != 15 {
		t.Errorf("archives = %+v, want one of size 15", archives)
	}
}
