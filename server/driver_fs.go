package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gonzalop/ftpd/auth"
)

// errIsDirectory and errNotDirectory are returned when DELE targets a
// directory or RMD targets a file.
var (
	errIsDirectory  = errors.New("is a directory")
	errNotDirectory = errors.New("not a directory")
)

// FSDriver implements Driver on the local filesystem.
//
// Each login gets a ClientContext jailed with os.Root at the user's home
// directory, so neither ".." nor symlinks can reach outside it. Relative
// home directories are resolved against the driver's base directory.
type FSDriver struct {
	baseDir    string
	createHome bool
}

// FSDriverOption configures an FSDriver.
type FSDriverOption func(*FSDriver)

// WithCreateHome makes Open create missing home directories.
func WithCreateHome(create bool) FSDriverOption {
	return func(d *FSDriver) {
		d.createHome = create
	}
}

// NewFSDriver returns a driver resolving relative home directories against
// baseDir. baseDir must exist.
//
//	driver, err := server.NewFSDriver("/srv/ftp", server.WithCreateHome(true))
func NewFSDriver(baseDir string, options ...FSDriverOption) (*FSDriver, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("base directory validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory is not a directory: %s", baseDir)
	}
	baseDir, err = filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	d := &FSDriver{baseDir: baseDir}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// HomePath returns the host directory backing user's virtual root.
func (d *FSDriver) HomePath(user *auth.User) string {
	home := user.HomeDir
	if !filepath.IsAbs(home) {
		home = filepath.Join(d.baseDir, home)
	}
	return filepath.Clean(home)
}

// Open returns a context rooted at the user's home directory.
func (d *FSDriver) Open(user *auth.User) (ClientContext, error) {
	home := d.HomePath(user)
	if d.createHome {
		if err := os.MkdirAll(home, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create home directory: %w", err)
		}
	}
	root, err := os.OpenRoot(home)
	if err != nil {
		return nil, fmt.Errorf("failed to open home directory: %w", err)
	}
	return &fsContext{root: root}, nil
}

// fsContext implements ClientContext over an os.Root.
type fsContext struct {
	root *os.Root
}

func (c *fsContext) Close() error {
	return c.root.Close()
}

// resolve maps a virtual path to a name relative to the root handle:
// "/foo/bar" becomes "foo/bar" and "/" becomes ".".
func (c *fsContext) resolve(p string) string {
	rel := strings.TrimPrefix(auth.CleanPath(p), "/")
	if rel == "" {
		return "."
	}
	return rel
}

func (c *fsContext) Stat(path string) (os.FileInfo, error) {
	return c.root.Stat(c.resolve(path))
}

func (c *fsContext) ListDir(path string) ([]os.FileInfo, error) {
	f, err := c.root.Open(c.resolve(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *fsContext) OpenFile(path string, flag int) (io.ReadWriteCloser, error) {
	rel := c.resolve(path)
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		info, err := c.root.Stat(rel)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			return nil, errIsDirectory
		}
	}
	return c.root.OpenFile(rel, flag, 0o644)
}

func (c *fsContext) MakeDir(path string) error {
	return c.root.Mkdir(c.resolve(path), 0o755)
}

func (c *fsContext) RemoveDir(path string) error {
	rel := c.resolve(path)
	if rel == "." {
		return os.ErrPermission
	}
	info, err := c.root.Stat(rel)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errNotDirectory
	}
	return c.root.Remove(rel)
}

func (c *fsContext) DeleteFile(path string) error {
	rel := c.resolve(path)
	info, err := c.root.Lstat(rel)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errIsDirectory
	}
	return c.root.Remove(rel)
}

func (c *fsContext) Rename(fromPath, toPath string) error {
	from, to := c.resolve(fromPath), c.resolve(toPath)
	if from == "." || to == "." {
		return os.ErrPermission
	}
	return c.root.Rename(from, to)
}
