package tape

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dmorch/pkg/backend"
	"dmorch/pkg/digest"
	"dmorch/pkg/security"
	"dmorch/pkg/types"
)

func init() {
	backend.Register("tape", New)
}

// ErrCacheFull is returned by NewBatch when the emulated tape service's
// concurrent-batch cache is exhausted. The Transfer daemon treats this
// as backend-transient: swallow, leave the request unlocked, retry next
// tick.
var ErrCacheFull = errors.New("tape: cache full")

// ProcessingDelay is how long an emulated asynchronous operation takes to
// complete. A package var rather than a constant so tests can shrink it.
var ProcessingDelay = 2 * time.Second

// Backend is an emulated asynchronous tape storage service: writes and
// reads are accepted immediately but only visible to Monitor once their
// simulated processing delay elapses.
type Backend struct {
	id                   string
	objectSize           int64
	objectCnt            int
	maxConcurrentBatches int

	mu       sync.Mutex
	batches  map[string]*tapeBatch
	puts     map[string]*pendingOp // keyed by external batch id
	gets     map[string]*pendingOp // keyed by request id
	deletes  map[string]*pendingOp // keyed by external batch id
}

type tapeBatch struct {
	id      string
	files   map[string][]byte
	digests map[string]string
	deleted bool
}

type pendingOp struct {
	completeAt time.Time
}

// New builds a tape Backend from cfg, satisfying backend.Factory.
func New(cfg backend.Config) (backend.Backend, error) {
	max := cfg.ObjectCount
	if max == 0 {
		max = 64
	}
	objSize := cfg.ObjectSize
	if objSize == 0 {
		objSize = 256 << 20
	}
	return &Backend{
		id:                   cfg.ID,
		objectSize:           objSize,
		objectCnt:            cfg.ObjectCount,
		maxConcurrentBatches: max,
		batches:              make(map[string]*tapeBatch),
		puts:                 make(map[string]*pendingOp),
		gets:                 make(map[string]*pendingOp),
		deletes:              make(map[string]*pendingOp),
	}, nil
}

func (b *Backend) ID() string { return b.id }

type conn struct {
	batchID string
}

func (b *Backend) Available(creds security.CredentialSet) bool {
	return true // emulated service, always reachable
}

func (b *Backend) CreateConnection(user, workspace string, creds security.CredentialSet, mode backend.Mode) (backend.Connection, error) {
	return &conn{}, nil
}

func (b *Backend) CloseConnection(backend.Connection) error { return nil }

// Piecewise is false: tape batches transfer as one whole-batch unit, not
// archive-by-archive.
func (b *Backend) Piecewise() bool { return false }

// PackData is true: every archive must be tarred before it reaches tape.
func (b *Backend) PackData() bool { return true }

// Synchronous is false: uploads, downloads and deletes only become visible
// to Monitor once ProcessingDelay elapses.
func (b *Backend) Synchronous() bool { return false }

func (b *Backend) NewBatch(user, workspace string, cn backend.Connection) (string, error) {
	c, ok := cn.(*conn)
	if !ok {
		return "", fmt.Errorf("tape: wrong connection type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.batches) >= b.maxConcurrentBatches {
		return "", ErrCacheFull
	}

	id := fmt.Sprintf("tape-%s-%d", workspace, len(b.batches)+1)
	b.batches[id] = &tapeBatch{id: id, files: make(map[string][]byte), digests: make(map[string]string)}
	c.batchID = id
	return id, nil
}

func (b *Backend) UploadFiles(cn backend.Connection, req *types.MigrationRequest, prefix string, files []backend.FileRef) (int, error) {
	c, ok := cn.(*conn)
	if !ok {
		return 0, fmt.Errorf("tape: wrong connection type")
	}

	b.mu.Lock()
	batch, ok := b.batches[c.batchID]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("tape: unknown batch %s", c.batchID)
	}

	count := 0
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return count, fmt.Errorf("tape read %s: %w", f.Path, err)
		}
		sum, err := digest.File(bytes.NewReader(data))
		if err != nil {
			return count, fmt.Errorf("tape digest %s: %w", f.ArcName, err)
		}

		b.mu.Lock()
		batch.files[f.ArcName] = data
		batch.digests[f.ArcName] = sum
		b.mu.Unlock()
		count++
	}

	b.mu.Lock()
	b.puts[c.batchID] = &pendingOp{completeAt: time.Now().Add(ProcessingDelay)}
	b.mu.Unlock()
	return count, nil
}

func (b *Backend) DownloadFiles(cn backend.Connection, req *types.MigrationRequest, files []backend.FileRef, targetDir string) (int, error) {
	c, ok := cn.(*conn)
	if !ok {
		return 0, fmt.Errorf("tape: wrong connection type")
	}

	b.mu.Lock()
	batch, ok := b.batches[c.batchID]
	b.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("tape: unknown batch %s", c.batchID)
	}

	running := digest.NewRunning()
	count := 0
	for _, f := range files {
		data, ok := batch.files[f.ArcName]
		if !ok {
			return count, fmt.Errorf("tape: missing file %s in batch %s", f.ArcName, c.batchID)
		}
		running.Write(data)
		if !running.Equal(batch.digests[f.ArcName]) {
			return count, fmt.Errorf("tape: checksum mismatch on %s", f.ArcName)
		}
		running = digest.NewRunning() // reset: each file carries its own checksum message

		dest := filepath.Join(targetDir, f.ArcName)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return count, fmt.Errorf("tape mkdir for %s: %w", f.ArcName, err)
		}
		if err := os.WriteFile(dest, data, 0644); err != nil {
			return count, fmt.Errorf("tape write %s: %w", dest, err)
		}
		count++
	}

	b.mu.Lock()
	b.gets[req.ID] = &pendingOp{completeAt: time.Now().Add(ProcessingDelay)}
	b.mu.Unlock()
	return count, nil
}

func (b *Backend) DeleteBatch(cn backend.Connection, req *types.MigrationRequest, batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	if !ok {
		return fmt.Errorf("tape: unknown batch %s", batchID)
	}
	batch.deleted = true
	b.deletes[batchID] = &pendingOp{completeAt: time.Now().Add(ProcessingDelay)}
	return nil
}

// Monitor returns the three-tuple monitor contract: batches or
// requests whose simulated processing delay has elapsed since the last
// poll, removed from the pending sets once reported.
func (b *Backend) Monitor() (backend.MonitorResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var result backend.MonitorResult

	for id, op := range b.puts {
		if now.After(op.completeAt) {
			result.CompletedPuts = append(result.CompletedPuts, id)
			delete(b.puts, id)
		}
	}
	for id, op := range b.gets {
		if now.After(op.completeAt) {
			result.CompletedGets = append(result.CompletedGets, id)
			delete(b.gets, id)
		}
	}
	for id, op := range b.deletes {
		if now.After(op.completeAt) {
			result.CompletedDeletes = append(result.CompletedDeletes, id)
			delete(b.deletes, id)
			delete(b.batches, id)
		}
	}
	return result, nil
}

func (b *Backend) UserHasPutPermission(backend.Connection) bool            { return true }
func (b *Backend) UserHasGetPermission(string, backend.Connection) bool    { return true }
func (b *Backend) UserHasDeletePermission(string, backend.Connection) bool { return true }
func (b *Backend) UserHasPutQuota(backend.Connection) bool                 { return true }

func (b *Backend) MinimumObjectSize() int64 { return b.objectSize }
func (b *Backend) MaximumObjectCount() int  { return b.objectCnt }
func (b *Backend) RequiredCredentials() []string {
	return nil // the emulated tape service has no per-user credential of its own
}
