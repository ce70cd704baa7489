package pack

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"dmorch/pkg/digest"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// Packer builds and consumes per-archive tar containers.
type Packer struct {
	mgr     *manager.Manager
	staging *staging.Manager
	threads int
}

// New creates a Packer that fans work across threads goroutines per
// request (THREADS from configuration).
func New(mgr *manager.Manager, stagingMgr *staging.Manager, threads int) *Packer {
	if threads < 1 {
		threads = 1
	}
	return &Packer{mgr: mgr, staging: stagingMgr, threads: threads}
}

// Pack tars every archive of req's migration, at stage PUT_PACKING,
// writing each tar under the migration's staging directory and recording
// its digest and size back onto the archive. On success it transitions
// req to PUTTING, the stage that follows PUT_PACKING in the PUT track
// (see doc.go for why this isn't PUT_PENDING).
func (p *Packer) Pack(req *types.MigrationRequest) error {
	mig, err := p.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	archives, err := p.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	stagingDir, err := p.staging.StagingDir(mig.ID)
	if err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}

	if err := p.fanOut(archives, func(a *types.MigrationArchive) error {
		return p.packOne(mig, a, stagingDir)
	}); err != nil {
		return p.mgr.MarkFailed(req, fmt.Sprintf("packing failed: %v", err), mig.CommonPath)
	}

	return p.mgr.Transition(req, types.Putting)
}

func (p *Packer) packOne(mig *types.Migration, archive *types.MigrationArchive, stagingDir string) error {
	files, err := p.mgr.Store().ListFilesByArchive(archive.ID)
	if err != nil {
		return fmt.Errorf("list files for archive %s: %w", archive.ID, err)
	}

	tarPath := filepath.Join(stagingDir, archive.ID+".tar")
	if err := os.Remove(tarPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale tar %s: %w", tarPath, err)
	}

	out, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("create tar %s: %w", tarPath, err)
	}

	running := digest.NewRunning()
	tw := tar.NewWriter(io.MultiWriter(out, runningWriter{running}))
	var size int64

	for _, f := range files {
		if f.Type == types.FileTypeDir {
			continue
		}
		srcPath := filepath.Join(mig.CommonPath, f.RelPath)
		if err := addTarMember(tw, srcPath, f); err != nil {
			tw.Close()
			out.Close()
			return fmt.Errorf("add %s to tar: %w", f.RelPath, err)
		}
	}

	if err := tw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("close tar writer: %w", err)
	}
	info, err := out.Stat()
	if err == nil {
		size = info.Size()
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close tar file: %w", err)
	}

	archive.Packed = true
	archive.Digest = running.String()
	archive.DigestFmt = types.DigestFormatAdler32
	archive.Size = size
	archive.TarName = filepath.Base(tarPath)
	if err := p.mgr.Store().UpdateArchive(archive); err != nil {
		return fmt.Errorf("persist packed archive %s: %w", archive.ID, err)
	}
	metrics.ArchivesPackedTotal.Inc()
	return nil
}

func addTarMember(tw *tar.Writer, srcPath string, f *types.MigrationFile) error {
	switch f.Type {
	case types.FileTypeLinkAbsolute, types.FileTypeLinkCommon:
		hdr := &tar.Header{
			Name:     f.RelPath,
			Typeflag: tar.TypeSymlink,
			Linkname: f.LinkTarget,
			Mode:     int64(f.Mode.Perm()),
		}
		return tw.WriteHeader(hdr)
	default:
		fh, err := os.Open(srcPath)
		if err != nil {
			return err
		}
		defer fh.Close()
		hdr := &tar.Header{
			Name:     f.RelPath,
			Typeflag: tar.TypeReg,
			Size:     f.Size,
			Mode:     int64(f.Mode.Perm()),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		_, err = io.Copy(tw, fh)
		return err
	}
}

// Unpack verifies and extracts every packed archive of req's migration
// at stage GET_UNPACKING, reading tars from stagingDir and writing
// members (optionally filtered to req.FileList) under targetDir. On
// success it transitions req to GET_RESTORE; a digest mismatch or any
// other unpacking error marks req failed.
func (p *Packer) Unpack(req *types.MigrationRequest, stagingDir, targetDir string) error {
	mig, err := p.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	archives, err := p.mgr.Store().ListArchivesByMigration(mig.ID)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	filter := selectionSet(mig.CommonPath, req.FileList)
	if err := p.fanOut(archives, func(a *types.MigrationArchive) error {
		return p.unpackOne(a, stagingDir, targetDir, filter)
	}); err != nil {
		return p.mgr.MarkFailed(req, fmt.Sprintf("unpacking failed: %v", err), "")
	}

	return p.mgr.Transition(req, types.GetRestore)
}

func (p *Packer) unpackOne(archive *types.MigrationArchive, stagingDir, targetDir string, filter map[string]bool) error {
	if !archive.Packed {
		return nil
	}
	tarPath := filepath.Join(stagingDir, archive.TarName)

	fh, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("open tar %s: %w", tarPath, err)
	}
	defer fh.Close()

	got, err := digest.File(fh)
	if err != nil {
		return fmt.Errorf("digest tar %s: %w", tarPath, err)
	}
	if got != archive.Digest {
		return fmt.Errorf("tar %s digest mismatch: got %s, want %s", archive.TarName, got, archive.Digest)
	}
	if _, err := fh.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind tar %s: %w", tarPath, err)
	}

	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar %s: %w", tarPath, err)
		}
		if len(filter) > 0 && !filter[hdr.Name] {
			continue
		}
		dest := filepath.Join(targetDir, hdr.Name)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", hdr.Name, err)
		}
		switch hdr.Typeflag {
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, dest); err != nil && !os.IsExist(err) {
				return fmt.Errorf("symlink %s: %w", dest, err)
			}
		default:
			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("create %s: %w", dest, err)
			}
			_, copyErr := io.Copy(out, tr)
			out.Close()
			if copyErr != nil {
				return fmt.Errorf("extract %s: %w", dest, copyErr)
			}
		}
	}
	return nil
}

// fanOut runs fn over archives across p.threads goroutines, returning the
// first error encountered (if any) after all workers finish.
func (p *Packer) fanOut(archives []*types.MigrationArchive, fn func(*types.MigrationArchive) error) error {
	work := make(chan *types.MigrationArchive)
	errCh := make(chan error, len(archives))

	var wg sync.WaitGroup
	for i := 0; i < p.threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range work {
				if err := fn(a); err != nil {
					errCh <- err
				}
			}
		}()
	}
	for _, a := range archives {
		work <- a
	}
	close(work)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// selectionSet mirrors the transfer driver's filelist handling: relative
// membership keys, common path stripped from absolute entries, and a
// filelist naming the common path itself selecting everything.
func selectionSet(commonPath string, fileList []string) map[string]bool {
	if len(fileList) == 0 {
		return nil
	}
	set := make(map[string]bool, len(fileList))
	for _, f := range fileList {
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

type runningWriter struct{ r *digest.Running }

func (w runningWriter) Write(p []byte) (int, error) { return w.r.Write(p) }
