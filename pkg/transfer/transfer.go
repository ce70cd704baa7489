package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dmorch/pkg/backend"
	"dmorch/pkg/backend/tape"
	"dmorch/pkg/errkind"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/pool"
	"dmorch/pkg/security"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// Driver is the Transfer daemon's business logic: it ensures a migration
// has an external batch id, partitions a request's file list across a
// pooled set of backend connections, and streams it. Every method takes
// an already-claimed request (the claim/release loop lives in
// Daemon.Cycle, matching pkg/planner and pkg/pack's convention of
// leaving lock lifecycle to the caller).
type Driver struct {
	mgr     *manager.Manager
	pool    *pool.Pool
	staging *staging.Manager
	threads int
}

// New creates a Driver that fans work across threads pooled connections
// per request for backends whose Piecewise() is true. threads is THREADS
// from configuration.
func New(mgr *manager.Manager, p *pool.Pool, stagingMgr *staging.Manager, threads int) *Driver {
	if threads < 1 {
		threads = 1
	}
	return &Driver{mgr: mgr, pool: p, staging: stagingMgr, threads: threads}
}

// Upload advances req through PUT_PENDING. For a backend whose PackData()
// is true, the first call only ensures the external id and hands the
// request to PUT_PACKING for the Pack daemon; Upload is then called again
// once Pack has transitioned the request to PUTTING, this time to stream
// the tars it produced. For a backend that needs no packing, Upload does
// both steps itself in one call: PUT_PENDING -> PUT_PACKING (a pass-through
// required by the stage track's strict ordering, see DESIGN.md) -> the
// actual streaming -> PUTTING, and, since such backends are Synchronous(),
// straight on to VERIFY_PENDING.
func (d *Driver) Upload(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}

	if err := d.ensureExternalID(req, mig, b, creds); err != nil {
		if kind := errkind.Of(err); kind.Retryable() {
			if kind == errkind.BackendTransient {
				metrics.TapeCacheFullRetriesTotal.Inc()
			}
			return nil // leave unlocked for the next tick, per the retry policy
		}
		return d.mgr.MarkFailed(req, err.Error(), "")
	}

	switch req.Stage {
	case types.PutPending:
		if err := d.mgr.Transition(req, types.PutPacking); err != nil {
			return err
		}
		if b.PackData() {
			return nil // Pack daemon takes it from here
		}
	case types.PutPacking:
		if b.PackData() {
			return nil // Pack daemon owns this stage
		}
		// a direct upload interrupted by a transient backend error parks
		// here unlocked; pick it up again
	case types.Putting:
		if !b.PackData() {
			return fmt.Errorf("upload: request %s at PUTTING but backend %s does not pack", req.ID, b.ID())
		}
		if req.LastArchive > 0 {
			return nil // already streamed, waiting on Monitor
		}
	default:
		return fmt.Errorf("upload: request %s not at an upload-owned stage: %s", req.ID, req.Stage)
	}

	files, err := d.uploadFileList(mig, b)
	if err != nil {
		return d.mgr.MarkFailed(req, fmt.Sprintf("building upload file list: %v", err), "")
	}

	total, err := d.stream(req, mig, b, creds, backend.ModeUpload, files, func(conn backend.Connection, slice []backend.FileRef) (int, error) {
		return b.UploadFiles(conn, req, "", slice)
	})
	if err != nil {
		return d.failOrRetry(req, mig, err)
	}
	if total != len(files) {
		return d.mgr.MarkFailed(req, fmt.Sprintf("uploaded %d of %d files", total, len(files)), "")
	}

	if req.Stage == types.PutPacking {
		if err := d.mgr.Transition(req, types.Putting); err != nil {
			return err
		}
	}
	req.LastArchive = total
	if err := d.mgr.Store().UpdateRequest(req); err != nil {
		return fmt.Errorf("persist resumption counter: %w", err)
	}
	if err := d.mgr.AddQuotaUsage(mig.Workspace, mig.StorageKind, sumSize(files)); err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}

	if b.Synchronous() {
		return d.mgr.Transition(req, types.VerifyPending)
	}
	return nil
}

// Download advances req at stage GETTING or VERIFY_GETTING, writing files
// to targetDir (the request's target path for GETTING, the per-request
// verify directory for VERIFY_GETTING). Symmetric to Upload; since GET has
// no packing stage of its own in the request track, GET_UNPACKING (when
// the backend packs data) is handled by the Pack daemon after Download
// transitions to it.
func (d *Driver) Download(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet, targetDir string) error {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	if mig.ExternalID == "" {
		return fmt.Errorf("download: migration %s has no external id yet", mig.ID)
	}
	if !b.Synchronous() && req.LastArchive > 0 {
		return nil // already streamed, waiting on Monitor
	}
	req.TransferID = mig.ExternalID

	files, err := d.downloadFileList(mig, b, req.FileList)
	if err != nil {
		return fmt.Errorf("building download file list: %w", err)
	}

	total, err := d.stream(req, mig, b, creds, backend.ModeDownload, files, func(conn backend.Connection, slice []backend.FileRef) (int, error) {
		return b.DownloadFiles(conn, req, slice, targetDir)
	})
	if err != nil {
		return d.failOrRetry(req, mig, err)
	}
	if total != len(files) {
		return d.mgr.MarkFailed(req, fmt.Sprintf("downloaded %d of %d files", total, len(files)), "")
	}

	req.LastArchive = total
	if err := d.mgr.Store().UpdateRequest(req); err != nil {
		return fmt.Errorf("persist resumption counter: %w", err)
	}
	if !b.Synchronous() {
		// Monitor advances the stage once the backend reports the
		// retrieval complete.
		return nil
	}

	switch req.Stage {
	case types.Getting:
		if b.PackData() {
			return d.mgr.Transition(req, types.GetUnpacking)
		}
		// downloads arrive unpacked, so pass through GET_UNPACKING the
		// same way a direct upload passes through PUT_PACKING
		if err := d.mgr.Transition(req, types.GetUnpacking); err != nil {
			return err
		}
		return d.mgr.Transition(req, types.GetRestore)
	case types.VerifyGetting:
		return d.mgr.Transition(req, types.Verifying)
	default:
		return fmt.Errorf("download: request %s not at a download-owned stage: %s", req.ID, req.Stage)
	}
}

// Delete advances req through DELETE_PENDING: ships delete_batch to the
// backend and, since deletion has no async confirmation contract of its
// own beyond Monitor's completed_deletes, only advances
// to DELETING and leaves the rest to Monitor for asynchronous backends,
// or straight to DELETE_TIDY for synchronous ones.
func (d *Driver) Delete(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	if mig.ExternalID == "" {
		return d.mgr.MarkFailed(req, "delete requested but migration has no external id", "")
	}

	key := pool.Key{BackendID: b.ID(), RequestID: req.ID, Thread: 0, Mode: backend.ModeDelete}
	conn, err := d.pool.Get(b, key, mig.User, mig.Workspace, creds)
	if err != nil {
		return d.failOrRetry(req, mig, err)
	}
	req.TransferID = mig.ExternalID
	if err := b.DeleteBatch(conn, req, mig.ExternalID); err != nil {
		return d.failOrRetry(req, mig, err)
	}
	d.pool.CloseAll(b, req.ID)

	if err := d.mgr.Transition(req, types.Deleting); err != nil {
		return err
	}
	archives, err := d.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	var onBackend int64
	for _, a := range archives {
		onBackend += a.Size
	}
	if err := d.mgr.AddQuotaUsage(mig.Workspace, mig.StorageKind, -onBackend); err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}
	if b.Synchronous() {
		return d.mgr.Transition(req, types.DeleteTidy)
	}
	return nil
}

// ensureExternalID calls backend.NewBatch on req's migration if it has no
// external id yet, and persists the id before any byte streams. A
// backend-transient NewBatch failure (tape cache full) is tagged so
// callers know to swallow and retry rather than fail the request.
func (d *Driver) ensureExternalID(req *types.MigrationRequest, mig *types.Migration, b backend.Backend, creds security.CredentialSet) error {
	if mig.ExternalID != "" {
		req.TransferID = mig.ExternalID
		return nil
	}
	key := pool.Key{BackendID: b.ID(), RequestID: req.ID, Thread: 0, Mode: backend.ModeUpload}
	conn, err := d.pool.Get(b, key, mig.User, mig.Workspace, creds)
	if err != nil {
		return errkind.Wrap(errkind.BackendUnavailable, err)
	}
	id, err := b.NewBatch(mig.User, mig.Workspace, conn)
	if err != nil {
		return classifyBackendErr(err)
	}
	mig.ExternalID = id
	if err := d.mgr.SetMigrationStage(mig, types.MigrationPutting); err != nil {
		return fmt.Errorf("persist external id: %w", err)
	}
	req.TransferID = id
	return nil
}

func (d *Driver) uploadFileList(mig *types.Migration, b backend.Backend) ([]backend.FileRef, error) {
	archives, err := d.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	if b.PackData() {
		stagingDir, err := d.staging.StagingDir(mig.ID)
		if err != nil {
			return nil, err
		}
		var refs []backend.FileRef
		for _, a := range archives {
			if !a.Packed {
				return nil, fmt.Errorf("archive %s not yet packed", a.ID)
			}
			refs = append(refs, backend.FileRef{
				Path:    filepath.Join(stagingDir, a.TarName),
				ArcName: a.TarName,
				Size:    a.Size,
			})
		}
		return refs, nil
	}

	var refs []backend.FileRef
	for _, a := range archives {
		files, err := d.mgr.Store().ListFilesByArchive(a.ID)
		if err != nil {
			return nil, fmt.Errorf("list files for archive %s: %w", a.ID, err)
		}
		for _, f := range files {
			if f.Type != types.FileTypeFile {
				continue // dirs and links are reconstructed from metadata at GET_RESTORE, not stored as backend objects
			}
			refs = append(refs, backend.FileRef{
				Path:    filepath.Join(mig.CommonPath, f.RelPath),
				ArcName: f.RelPath,
				Size:    f.Size,
			})
		}
	}
	return refs, nil
}

func (d *Driver) downloadFileList(mig *types.Migration, b backend.Backend, filelist []string) ([]backend.FileRef, error) {
	archives, err := d.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	selection := selectionSet(mig.CommonPath, filelist)

	if b.PackData() {
		var refs []backend.FileRef
		for _, a := range archives {
			if !archiveSelected(d.mgr, a, selection) {
				continue
			}
			refs = append(refs, backend.FileRef{ArcName: a.TarName, Size: a.Size})
		}
		return refs, nil
	}

	var refs []backend.FileRef
	for _, a := range archives {
		files, err := d.mgr.Store().ListFilesByArchive(a.ID)
		if err != nil {
			return nil, fmt.Errorf("list files for archive %s: %w", a.ID, err)
		}
		for _, f := range files {
			if f.Type != types.FileTypeFile {
				continue
			}
			if len(selection) > 0 && !selection[f.RelPath] {
				continue
			}
			refs = append(refs, backend.FileRef{ArcName: f.RelPath, Size: f.Size})
		}
	}
	return refs, nil
}

// archiveSelected reports whether any file in archive a is named in
// selection; an empty selection means "all archives" (GET with no
// filelist, or a filelist naming the common path itself).
func archiveSelected(mgr *manager.Manager, a *types.MigrationArchive, selection map[string]bool) bool {
	if len(selection) == 0 {
		return true
	}
	files, err := mgr.Store().ListFilesByArchive(a.ID)
	if err != nil {
		return false
	}
	for _, f := range files {
		if selection[f.RelPath] {
			return true
		}
	}
	return false
}

// selectionSet turns a request filelist into relative-path membership,
// stripping the migration's common path from absolute entries. A filelist
// naming the common path itself means every archive, so returns nil.
func selectionSet(commonPath string, filelist []string) map[string]bool {
	if len(filelist) == 0 {
		return nil
	}
	set := make(map[string]bool, len(filelist))
	for _, f := range filelist {
		rel := f
		if filepath.IsAbs(f) {
			if r, err := filepath.Rel(commonPath, f); err == nil {
				rel = r
			}
		}
		if rel == "." {
			return nil
		}
		set[rel] = true
	}
	return set
}

// stream partitions files across d.threads pooled connections when b is
// Piecewise, or sends the whole list through a single connection when it
// is not (tape moves a batch as one atomic unit). It returns the total
// file count moved and the first error hit by any worker.
func (d *Driver) stream(req *types.MigrationRequest, mig *types.Migration, b backend.Backend, creds security.CredentialSet, mode backend.Mode, files []backend.FileRef, fn func(backend.Connection, []backend.FileRef) (int, error)) (int, error) {
	threads := d.threads
	if !b.Piecewise() {
		threads = 1
	}
	batches := partition(files, threads)

	var wg sync.WaitGroup
	counts := make([]int, len(batches))
	errs := make([]error, len(batches))

	for i, slice := range batches {
		if len(slice) == 0 {
			continue
		}
		wg.Add(1)
		go func(i int, slice []backend.FileRef) {
			defer wg.Done()
			key := pool.Key{BackendID: b.ID(), RequestID: req.ID, Thread: i, Mode: mode}
			conn, err := d.pool.Get(b, key, mig.User, mig.Workspace, creds)
			if err != nil {
				errs[i] = errkind.Wrap(errkind.BackendUnavailable, err)
				return
			}
			n, err := fn(conn, slice)
			counts[i] = n
			if err != nil {
				errs[i] = classifyBackendErr(err)
			}
		}(i, slice)
	}
	wg.Wait()
	d.pool.CloseAll(b, req.ID)

	total := 0
	for _, n := range counts {
		total += n
	}
	for _, err := range errs {
		if err != nil {
			return total, err
		}
	}
	metrics.BytesTransferredTotal.WithLabelValues(b.ID(), string(mode)).Add(float64(sumSize(files)))
	return total, nil
}

func (d *Driver) failOrRetry(req *types.MigrationRequest, mig *types.Migration, err error) error {
	if kind := errkind.Of(err); kind.Retryable() {
		if kind == errkind.BackendTransient {
			metrics.TapeCacheFullRetriesTotal.Inc()
		}
		return nil
	}
	return d.mgr.MarkFailed(req, err.Error(), mig.CommonPath)
}

// classifyBackendErr tags a raw backend error with a Kind the
// stage-advance helpers understand. Backends don't import errkind
// themselves (the dependency would point the wrong way), so
// classification happens here. tape.ErrCacheFull is the one
// named backend-transient condition; importing it by name is a narrow,
// deliberate exception to "transfer only depends on the backend
// interface" — a second transient-error backend would need either
// another sentinel import here or a shared transient-error contract.
func classifyBackendErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tape.ErrCacheFull) {
		return errkind.Wrap(errkind.BackendTransient, err)
	}
	if _, ok := err.(*os.PathError); ok {
		return errkind.Wrap(errkind.SourceAccess, err)
	}
	return errkind.Wrap(errkind.BackendUnavailable, err)
}

func partition(files []backend.FileRef, threads int) [][]backend.FileRef {
	if threads < 1 {
		threads = 1
	}
	batches := make([][]backend.FileRef, threads)
	for i, f := range files {
		batches[i%threads] = append(batches[i%threads], f)
	}
	return batches
}

func sumSize(files []backend.FileRef) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
