package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"dmorch/pkg/backend"
	"dmorch/pkg/digest"
	"dmorch/pkg/manager"
	"dmorch/pkg/types"
)

// entry is one walked filesystem item before it is persisted as a
// MigrationFile.
type entry struct {
	absPath    string
	relPath    string
	size       int64
	digest     string
	fileType   types.FileType
	linkTarget string
	uid        int
	gid        int
	mode os.FileMode
}

// Planner owns the store/manager access the Lock daemon needs to turn a
// source tree into archives.
type Planner struct {
	mgr *manager.Manager
}

// New creates a Planner.
func New(mgr *manager.Manager) *Planner {
	return &Planner{mgr: mgr}
}

// Plan runs the full planning algorithm for req, which must be at
// stage PUT_BUILDING and hold the claim. The source directory to walk is
// req's migration's CommonPath, set when the migration was registered
// (the user-supplied source root; planning only confirms it, it never
// relocates a migration's source). On success it persists archives and
// files, records the migration's original ownership, and transitions req
// to PUT_PENDING. On failure it calls MarkFailed itself.
func (p *Planner) Plan(req *types.MigrationRequest, b backend.Backend) error {
	mig, err := p.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	root := mig.CommonPath
	if root == "" {
		return p.fail(req, root, "no source path registered for migration")
	}

	entries, err := walk(root)
	if err != nil {
		return p.fail(req, root, fmt.Sprintf("source walk failed: %v", err))
	}
	if len(entries) == 0 {
		return p.fail(req, root, "empty source")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].size > entries[j].size })

	archives := binPack(entries, b.MinimumObjectSize(), b.MaximumObjectCount())

	info, err := os.Stat(root)
	if err != nil {
		return p.fail(req, root, fmt.Sprintf("stat source root failed: %v", err))
	}
	uid, gid := statOwnership(info)
	mig.CommonPath = root
	mig.OriginalUID = uid
	mig.OriginalGID = gid
	mig.OriginalMode = info.Mode()

	store := p.mgr.Store()
	var archiveIDs []string
	for ordinal, group := range archives {
		archiveID, err := persistArchive(store, mig.ID, ordinal, group)
		if err != nil {
			return fmt.Errorf("persist archive %d: %w", ordinal, err)
		}
		archiveIDs = append(archiveIDs, archiveID)
	}
	mig.ArchiveIDs = archiveIDs

	if err := p.mgr.SetMigrationStage(mig, types.MigrationPutting); err != nil {
		return fmt.Errorf("persist migration: %w", err)
	}

	return p.mgr.Transition(req, types.PutPending)
}

func (p *Planner) fail(req *types.MigrationRequest, root, reason string) error {
	return p.mgr.MarkFailed(req, reason, root)
}

func persistArchive(store interface {
	CreateArchive(*types.MigrationArchive) error
	CreateFile(*types.MigrationFile) error
}, migrationID string, ordinal int, group []entry) (string, error) {
	archiveID := fmt.Sprintf("%s-arc-%d", migrationID, ordinal)
	var total int64
	var fileIDs []string
	for i, e := range group {
		fileID := fmt.Sprintf("%s-file-%d", archiveID, i)
		f := &types.MigrationFile{
			ID:         fileID,
			ArchiveID:  archiveID,
			RelPath:    e.relPath,
			Size:       e.size,
			Digest:     e.digest,
			DigestFmt:  types.DigestFormatAdler32,
			Type:       e.fileType,
			LinkTarget: e.linkTarget,
			UID:        e.uid,
			GID:        e.gid,
			Mode:       e.mode,
		}
		if err := store.CreateFile(f); err != nil {
			return "", err
		}
		fileIDs = append(fileIDs, fileID)
		total += e.size
	}
	archive := &types.MigrationArchive{
		ID:          archiveID,
		MigrationID: migrationID,
		Ordinal:     ordinal,
		Size:        total,
		FileIDs:     fileIDs,
	}
	if err := store.CreateArchive(archive); err != nil {
		return "", err
	}
	return archiveID, nil
}

// walk records one entry per filesystem item under root, not descending
// into symlinked directories.
func walk(root string) ([]entry, error) {
	var entries []entry
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}

		lst, err := os.Lstat(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		uid, gid := statOwnership(lst)

		switch {
		case lst.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			ft, resolved := classifyLink(root, p, target)
			entries = append(entries, entry{
				absPath: p, relPath: rel, fileType: ft,
				linkTarget: resolved, uid: uid, gid: gid, mode: lst.Mode(),
			})
		case lst.IsDir():
			entries = append(entries, entry{
				absPath: p, relPath: rel, fileType: types.FileTypeDir,
				uid: uid, gid: gid, mode: lst.Mode(),
			})
		default:
			fh, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			sum, err := digest.File(fh)
			fh.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			entries = append(entries, entry{
				absPath: p, relPath: rel, size: lst.Size(), digest: sum,
				fileType: types.FileTypeFile, uid: uid, gid: gid, mode: lst.Mode(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// classifyLink reports whether target (as found at linkPath) resolves
// under root (LINK-common, stored relative to root) or outside it
// (LINK-absolute, stored as an absolute path).
func classifyLink(root, linkPath, target string) (types.FileType, string) {
	resolved := target
	if !filepath.IsAbs(target) {
		resolved = filepath.Join(filepath.Dir(linkPath), target)
	}
	resolved = filepath.Clean(resolved)
	rootClean := filepath.Clean(root)
	if resolved == rootClean || strings.HasPrefix(resolved, rootClean+string(filepath.Separator)) {
		rel, err := filepath.Rel(root, resolved)
		if err == nil {
			return types.FileTypeLinkCommon, rel
		}
	}
	return types.FileTypeLinkAbsolute, resolved
}

// binPack groups entries (already sorted largest-first) into archives,
// each accumulating files until its size reaches minObjectSize or it
// reaches maxCount members.
func binPack(entries []entry, minObjectSize int64, maxCount int) [][]entry {
	var archives [][]entry
	var current []entry
	var currentSize int64

	flush := func() {
		if len(current) > 0 {
			archives = append(archives, current)
			current = nil
			currentSize = 0
		}
	}

	for _, e := range entries {
		current = append(current, e)
		currentSize += e.size
		if currentSize >= minObjectSize || (maxCount > 0 && len(current) >= maxCount) {
			flush()
		}
	}
	flush()
	return archives
}

func statOwnership(info os.FileInfo) (uid, gid int) {
	if sys, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(sys.Uid), int(sys.Gid)
	}
	return 0, 0
}
