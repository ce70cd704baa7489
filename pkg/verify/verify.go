package verify

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"dmorch/pkg/digest"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/notify"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// Verifier carries the Verify/Tidy daemon's business logic: integrity
// checking of downloaded-back uploads, permission restoration on GETs,
// and the tidy steps that close out each track.
type Verifier struct {
	mgr     *manager.Manager
	staging *staging.Manager
	broker  *notify.Broker
	logger  zerolog.Logger
}

// New creates a Verifier. broker may be nil in tests that don't care
// about notifications.
func New(mgr *manager.Manager, stagingMgr *staging.Manager, broker *notify.Broker) *Verifier {
	return &Verifier{
		mgr:     mgr,
		staging: stagingMgr,
		broker:  broker,
		logger:  log.WithComponent("verify"),
	}
}

// Verify compares the contents of req's verify directory against the
// stored archive records, at stage VERIFYING. For a packed migration each
// tar's size and digest must match the archive row; otherwise each file's
// size and digest must match its file row. A mismatch fails the request;
// per the error-handling policy the migration record survives so the
// source tree remains recoverable. On success the request advances to
// PUT_TIDY.
func (v *Verifier) Verify(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	verifyDir, err := v.staging.VerifyDir(mig.StorageKind, mig.ExternalID)
	if err != nil {
		return fmt.Errorf("verify dir: %w", err)
	}
	archives, err := v.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	for _, a := range archives {
		if a.Packed {
			if err := checkOne(filepath.Join(verifyDir, a.TarName), a.Size, a.Digest); err != nil {
				return v.mgr.MarkFailed(req, fmt.Sprintf("verify %s: %v", a.TarName, err), mig.CommonPath)
			}
			continue
		}
		files, err := v.mgr.Store().ListFilesByArchive(a.ID)
		if err != nil {
			return fmt.Errorf("list files for archive %s: %w", a.ID, err)
		}
		for _, f := range files {
			if f.Type != types.FileTypeFile {
				continue
			}
			if err := checkOne(filepath.Join(verifyDir, f.RelPath), f.Size, f.Digest); err != nil {
				return v.mgr.MarkFailed(req, fmt.Sprintf("verify %s: %v", f.RelPath, err), mig.CommonPath)
			}
		}
	}

	return v.mgr.Transition(req, types.PutTidy)
}

func checkOne(path string, wantSize int64, wantDigest string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("missing from verify download: %w", err)
	}
	if info.Size() != wantSize {
		return fmt.Errorf("size mismatch: got %d, want %d", info.Size(), wantSize)
	}
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	got, err := digest.File(fh)
	if err != nil {
		return err
	}
	if got != wantDigest {
		return fmt.Errorf("digest mismatch: got %s, want %s", got, wantDigest)
	}
	return nil
}

// RestoreGet reconstructs directory entries, symlinks, ownership and
// modes at req's target path from the stored file metadata, at stage
// GET_RESTORE. Regular file contents were already written by the
// download (or the unpack, for packed backends); this step is the
// fixpoint that makes re-running a retrieval safe. Advances to GET_TIDY.
func (v *Verifier) RestoreGet(req *types.MigrationRequest) error {
	mig, err := v.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	targetDir := req.TargetPath
	if targetDir == "" {
		return v.mgr.MarkFailed(req, "no target path on GET request", "")
	}
	archives, err := v.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	selection := selectionSet(mig.CommonPath, req.FileList)

	for _, a := range archives {
		files, err := v.mgr.Store().ListFilesByArchive(a.ID)
		if err != nil {
			return fmt.Errorf("list files for archive %s: %w", a.ID, err)
		}
		for _, f := range files {
			if len(selection) > 0 && !selection[f.RelPath] {
				continue
			}
			if err := restoreEntry(targetDir, f); err != nil {
				return v.mgr.MarkFailed(req, fmt.Sprintf("restore %s: %v", f.RelPath, err), "")
			}
		}
	}

	return v.mgr.Transition(req, types.GetTidy)
}

func restoreEntry(targetDir string, f *types.MigrationFile) error {
	dest := filepath.Join(targetDir, f.RelPath)
	switch f.Type {
	case types.FileTypeDir:
		if err := os.MkdirAll(dest, f.Mode.Perm()|0111); err != nil {
			return err
		}
	case types.FileTypeLinkCommon:
		// stored relative to the common path; recreate relative to the
		// link's own directory so the tree relocates cleanly
		target, err := filepath.Rel(filepath.Dir(f.RelPath), f.LinkTarget)
		if err != nil {
			target = f.LinkTarget
		}
		if err := replaceSymlink(target, dest); err != nil {
			return err
		}
		return nil // symlink modes are ignored on linux
	case types.FileTypeLinkAbsolute:
		if err := replaceSymlink(f.LinkTarget, dest); err != nil {
			return err
		}
		return nil
	default:
		if _, err := os.Stat(dest); err != nil {
			return fmt.Errorf("missing after download: %w", err)
		}
	}
	if err := os.Chown(dest, f.UID, f.GID); err != nil && !os.IsPermission(err) {
		return err
	}
	mode := f.Mode.Perm()
	if f.Type == types.FileTypeDir {
		mode |= 0111 // directories need the execute bit to be traversable
	}
	return os.Chmod(dest, mode)
}

func replaceSymlink(target, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(target, dest)
}

// selectionSet turns a request filelist into relative-path membership,
// stripping the migration's common path from absolute entries. A filelist
// equal to [commonPath] means everything, so returns nil.
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
			return nil // the whole common path was requested
		}
		set[rel] = true
	}
	return set
}
