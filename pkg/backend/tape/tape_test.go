package tape

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dmorch/pkg/backend"
	"dmorch/pkg/types"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	orig := ProcessingDelay
	ProcessingDelay = time.Millisecond
	defer func() { ProcessingDelay = orig }()

	b, err := New(backend.Config{ID: "tape1", ObjectCount: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cn, err := b.CreateConnection("alice", "ws1", nil, backend.ModeUpload)
	if err != nil {
		t.Fatalf("CreateConnection() error = %v", err)
	}
	batchID, err := b.NewBatch("alice", "ws1", cn)
	if err != nil {
		t.Fatalf("NewBatch() error = %v", err)
	}

	src := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(src, []byte("hello tape"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	n, err := b.UploadFiles(cn, &types.MigrationRequest{ID: "req-1"}, "", []backend.FileRef{{Path: src, ArcName: "a.txt", Size: 10}})
	if err != nil {
		t.Fatalf("UploadFiles() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("UploadFiles() count = %d, want 1", n)
	}

	time.Sleep(10 * time.Millisecond)
	result, err := b.Monitor()
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	if len(result.CompletedPuts) != 1 || result.CompletedPuts[0] != batchID {
		t.Fatalf("Monitor() CompletedPuts = %v, want [%s]", result.CompletedPuts, batchID)
	}

	dlConn, _ := b.CreateConnection("alice", "ws1", nil, backend.ModeDownload)
	dlConn.(*conn).batchID = batchID
	targetDir := t.TempDir()
	n, err = b.DownloadFiles(dlConn, &types.MigrationRequest{ID: "req-2"}, []backend.FileRef{{ArcName: "a.txt"}}, targetDir)
	if err != nil {
		t.Fatalf("DownloadFiles() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DownloadFiles() count = %d, want 1", n)
	}

	got, err := os.ReadFile(filepath.Join(targetDir, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "hello tape" {
		t.Errorf("downloaded content = %q, want %q", got, "hello tape")
	}
}

func TestNewBatchCacheFull(t *testing.T) {
	b, err := New(backend.Config{ID: "tape1", ObjectCount: 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cn, _ := b.CreateConnection("alice", "ws1", nil, backend.ModeUpload)
	if _, err := b.NewBatch("alice", "ws1", cn); err != nil {
		t.Fatalf("first NewBatch() error = %v", err)
	}

	cn2, _ := b.CreateConnection("alice", "ws1", nil, backend.ModeUpload)
	_, err = b.NewBatch("alice", "ws1", cn2)
	if !errors.Is(err, ErrCacheFull) {
		t.Fatalf("second NewBatch() error = %v, want ErrCacheFull", err)
	}
}
