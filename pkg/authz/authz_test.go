package authz

import (
	"errors"
	"testing"

	"dmorch/pkg/errkind"
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

func seedRoster(t *testing.T, store storage.Store) {
	t.Helper()
	for _, u := range []string{"alice", "bob", "carol"} {
		if err := store.CreateUser(&types.User{Name: u, Email: u + "@example.com"}); err != nil {
			t.Fatalf("CreateUser(%s) error = %v", u, err)
		}
	}
	ws := &types.Groupworkspace{
		Workspace:  "ws1",
		PathPrefix: "/ws/ws1",
		Managers:   []string{"carol"},
		Members:    []string{"alice"},
	}
	if err := store.CreateGroupworkspace(ws); err != nil {
		t.Fatalf("CreateGroupworkspace() error = %v", err)
	}
}

func TestUserInWorkspace(t *testing.T) {
	store := newTestStore(t)
	seedRoster(t, store)
	a := New(store)

	if err := a.UserInWorkspace("alice", "ws1"); err != nil {
		t.Errorf("member alice refused: %v", err)
	}
	if err := a.UserInWorkspace("carol", "ws1"); err != nil {
		t.Errorf("manager carol refused: %v", err)
	}
	if err := a.UserInWorkspace("bob", "ws1"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("non-member bob: err = %v, want ErrNotAuthorized", err)
	}
	if err := a.UserInWorkspace("mallory", "ws1"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unknown user: err = %v, want ErrNotAuthorized", err)
	}
	if err := a.UserInWorkspace("alice", "nope"); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("unknown workspace: err = %v, want ErrNotAuthorized", err)
	}
}

func TestCanDelete(t *testing.T) {
	store := newTestStore(t)
	seedRoster(t, store)
	a := New(store)

	mig := &types.Migration{ID: "m1", User: "alice", Workspace: "ws1"}

	if err := a.CanDelete("alice", mig); err != nil {
		t.Errorf("owner alice refused: %v", err)
	}
	if err := a.CanDelete("carol", mig); err != nil {
		t.Errorf("manager carol refused: %v", err)
	}
	if err := a.CanDelete("bob", mig); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("bob: err = %v, want ErrNotAuthorized", err)
	}
}

func TestCheckPutQuota(t *testing.T) {
	store := newTestStore(t)
	seedRoster(t, store)
	a := New(store)

	if err := a.CheckPutQuota("ws1", "objectstore", 0); errkind.Of(err) != errkind.QuotaExceeded {
		t.Errorf("no quota row: kind = %v, want QuotaExceeded", errkind.Of(err))
	}

	q := &types.StorageQuota{Workspace: "ws1", StorageKind: "objectstore", TotalBytes: 100, UsedBytes: 40}
	if err := store.PutStorageQuota(q); err != nil {
		t.Fatalf("PutStorageQuota() error = %v", err)
	}

	if err := a.CheckPutQuota("ws1", "objectstore", 0); err != nil {
		t.Errorf("pre-claim check under quota failed: %v", err)
	}
	if err := a.CheckPutQuota("ws1", "objectstore", 60); err != nil {
		t.Errorf("exact-fit recheck failed: %v", err)
	}
	if err := a.CheckPutQuota("ws1", "objectstore", 61); errkind.Of(err) != errkind.QuotaExceeded {
		t.Errorf("oversize recheck: kind = %v, want QuotaExceeded", errkind.Of(err))
	}

	q.UsedBytes = 100
	if err := store.PutStorageQuota(q); err != nil {
		t.Fatalf("PutStorageQuota() error = %v", err)
	}
	if err := a.CheckPutQuota("ws1", "objectstore", 0); errkind.Of(err) != errkind.QuotaExceeded {
		t.Errorf("exhausted quota: kind = %v, want QuotaExceeded", errkind.Of(err))
	}
}
