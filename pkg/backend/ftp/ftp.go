package ftp

import (
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	goftp "github.com/jlaffaye/ftp"

	"dmorch/pkg/backend"
	"dmorch/pkg/security"
	"dmorch/pkg/types"
)

func init() {
	backend.Register("ftp", New)
}

// Backend is a plain FTP storage backend.
type Backend struct {
	id         string
	addr       string
	objectSize int64
	objectCnt  int
}

// New builds an ftp Backend from cfg, satisfying backend.Factory.
func New(cfg backend.Config) (backend.Backend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ftp backend %q: missing endpoint", cfg.ID)
	}
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	objSize := cfg.ObjectSize
	if objSize == 0 {
		objSize = 1 << 30 // 1GB default
	}
	return &Backend{
		id:         cfg.ID,
		addr:       net.JoinHostPort(cfg.Endpoint, strconv.Itoa(port)),
		objectSize: objSize,
		objectCnt:  cfg.ObjectCount,
	}, nil
}

func (b *Backend) ID() string { return b.id }

// conn wraps the FTP session for a connection. The destination directory
// is not cached here: NewBatch only runs on one of a request's N pooled
// connections, so transfer methods read it from req.TransferID instead.
type conn struct {
	c         *goftp.ServerConn
	workspace string
}

func (b *Backend) dial(creds security.CredentialSet) (*goftp.ServerConn, error) {
	c, err := goftp.Dial(b.addr, goftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	if err := c.Login(creds["username"], creds["password"]); err != nil {
		_ = c.Quit()
		return nil, fmt.Errorf("ftp login: %w", err)
	}
	return c, nil
}

func (b *Backend) Available(creds security.CredentialSet) bool {
	c, err := b.dial(creds)
	if err != nil {
		return false
	}
	defer c.Quit()
	return c.NoOp() == nil
}

func (b *Backend) CreateConnection(user, workspace string, creds security.CredentialSet, mode backend.Mode) (backend.Connection, error) {
	c, err := b.dial(creds)
	if err != nil {
		return nil, err
	}
	return &conn{c: c, workspace: workspace}, nil
}

func (b *Backend) CloseConnection(cn backend.Connection) error {
	c, ok := cn.(*conn)
	if !ok {
		return fmt.Errorf("ftp: wrong connection type")
	}
	return c.c.Quit()
}

func (b *Backend) Piecewise() bool  { return true }
func (b *Backend) PackData() bool   { return false }
func (b *Backend) Synchronous() bool { return true }

func (b *Backend) NewBatch(user, workspace string, cn backend.Connection) (string, error) {
	c, ok := cn.(*conn)
	if !ok {
		return "", fmt.Errorf("ftp: wrong connection type")
	}

	entries, err := c.c.List(".")
	if err != nil {
		return "", fmt.Errorf("ftp list for batch numbering: %w", err)
	}
	prefix := fmt.Sprintf("gws-%s-", workspace)
	max := -1
	for _, e := range entries {
		if !strings.HasPrefix(e.Name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name, prefix))
		if err == nil && n > max {
			max = n
		}
	}
	dir := fmt.Sprintf("%s%010d", prefix, max+1)
	if err := c.c.MakeDir(dir); err != nil {
		return "", fmt.Errorf("ftp mkdir %s: %w", dir, err)
	}
	return dir, nil
}

func (b *Backend) UploadFiles(cn backend.Connection, req *types.MigrationRequest, prefix string, files []backend.FileRef) (int, error) {
	c, ok := cn.(*conn)
	if !ok {
		return 0, fmt.Errorf("ftp: wrong connection type")
	}
	count := 0
	for _, f := range files {
		fh, err := os.Open(f.Path)
		if err != nil {
			return count, fmt.Errorf("ftp open %s: %w", f.Path, err)
		}
		remote := path.Join(req.TransferID, prefix, f.ArcName)
		err = c.c.Stor(remote, fh)
		fh.Close()
		if err != nil {
			return count, fmt.Errorf("ftp stor %s: %w", remote, err)
		}
		count++
	}
	return count, nil
}

func (b *Backend) DownloadFiles(cn backend.Connection, req *types.MigrationRequest, files []backend.FileRef, targetDir string) (int, error) {
	c, ok := cn.(*conn)
	if !ok {
		return 0, fmt.Errorf("ftp: wrong connection type")
	}
	count := 0
	for _, f := range files {
		remote := path.Join(req.TransferID, f.ArcName)
		resp, err := c.c.Retr(remote)
		if err != nil {
			return count, fmt.Errorf("ftp retr %s: %w", remote, err)
		}
		dest := path.Join(targetDir, f.ArcName)
		if err := os.MkdirAll(path.Dir(dest), 0755); err != nil {
			resp.Close()
			return count, fmt.Errorf("ftp mkdir for %s: %w", f.ArcName, err)
		}
		out, err := os.Create(dest)
		if err != nil {
			resp.Close()
			return count, fmt.Errorf("ftp create %s: %w", dest, err)
		}
		_, copyErr := out.ReadFrom(resp)
		out.Close()
		resp.Close()
		if copyErr != nil {
			return count, fmt.Errorf("ftp download %s: %w", f.ArcName, copyErr)
		}
		count++
	}
	return count, nil
}

func (b *Backend) DeleteBatch(cn backend.Connection, req *types.MigrationRequest, batchID string) error {
	c, ok := cn.(*conn)
	if !ok {
		return fmt.Errorf("ftp: wrong connection type")
	}
	return removeAll(c.c, batchID)
}

func removeAll(c *goftp.ServerConn, dir string) error {
	entries, err := c.List(dir)
	if err != nil {
		return fmt.Errorf("ftp list %s: %w", dir, err)
	}
	for _, e := range entries {
		p := path.Join(dir, e.Name)
		if e.Type == goftp.EntryTypeFolder {
			if err := removeAll(c, p); err != nil {
				return err
			}
			continue
		}
		if err := c.Delete(p); err != nil {
			return fmt.Errorf("ftp delete %s: %w", p, err)
		}
	}
	return c.RemoveDir(dir)
}

// Monitor is a no-op: Stor/Retr block until the FTP server acknowledges
// transfer completion, so UploadFiles/DownloadFiles already know.
func (b *Backend) Monitor() (backend.MonitorResult, error) {
	return backend.MonitorResult{}, nil
}

func (b *Backend) UserHasPutPermission(backend.Connection) bool           { return true }
func (b *Backend) UserHasGetPermission(string, backend.Connection) bool   { return true }
func (b *Backend) UserHasDeletePermission(string, backend.Connection) bool { return true }
func (b *Backend) UserHasPutQuota(backend.Connection) bool                { return true }

func (b *Backend) MinimumObjectSize() int64 { return b.objectSize }
func (b *Backend) MaximumObjectCount() int  { return b.objectCnt }
func (b *Backend) RequiredCredentials() []string {
	return []string{"username", "password"}
}
